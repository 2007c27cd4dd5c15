package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/scheduler"
)

func TestAddCronAndRunNow(t *testing.T) {
	s, err := scheduler.NewScheduler()
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Stop() })

	var calls atomic.Int32

	require.NoError(t, s.AddCron("sweep", "0 3 * * *", func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	require.Error(t, s.AddCron("sweep", "0 3 * * *", func(context.Context) error { return nil }))

	s.Start()
	require.NoError(t, s.RunNow("sweep"))

	require.Eventually(t, func() bool {
		info, err := s.GetJobInfo("sweep")
		return err == nil && info.Runs == 1
	}, 3*time.Second, 10*time.Millisecond)

	info, err := s.GetJobInfo("sweep")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusScheduled, info.Status)
	assert.False(t, info.LastSuccess.IsZero())
	assert.Equal(t, int32(1), calls.Load())
}

func TestFailingJobRecordsError(t *testing.T) {
	s, err := scheduler.NewScheduler()
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.AddCron("broken", "0 3 * * *", func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, s.AddCron("panics", "0 4 * * *", func(context.Context) error {
		panic("oops")
	}))

	s.Start()
	require.NoError(t, s.RunNow("broken"))
	require.NoError(t, s.RunNow("panics"))

	require.Eventually(t, func() bool {
		infos := s.GetJobInfos()
		return len(infos) == 2 && infos[0].Runs == 1 && infos[1].Runs == 1
	}, 3*time.Second, 10*time.Millisecond)

	infos := s.GetJobInfos()
	assert.Equal(t, "broken", infos[0].Name)
	assert.Equal(t, scheduler.StatusError, infos[0].Status)
	assert.Equal(t, "boom", infos[0].Error)
	assert.Contains(t, infos[1].Error, "panic in job")
	assert.True(t, infos[1].LastSuccess.IsZero())
}

func TestRemoveJob(t *testing.T) {
	s, err := scheduler.NewScheduler()
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.AddCron("once", "0 3 * * *", func(context.Context) error { return nil }))
	s.Start()

	_, ok := s.JobID("once")
	assert.True(t, ok)

	require.NoError(t, s.RemoveJob("once"))
	require.Error(t, s.RunNow("once"))
	assert.Empty(t, s.GetJobInfos())
}
