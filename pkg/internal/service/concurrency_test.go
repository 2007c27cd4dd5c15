package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/queue"
)

func TestConcurrentApproveTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.works.AddCurator(ctx, 1, curatorID))

	w := e.newWork(t, model.StateAwaitingApproval)
	e.mem.Seed("pre", w.Prefix()+"a.csv", []byte("a"))
	e.mem.Seed("pre", w.Prefix()+"b.csv", []byte("b"))

	const callers = 4

	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = e.works.Approve(ctx, w.ID, curatorID)
		}()
	}

	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}

		var ite *service.InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, service.TransitionApprove, ite.Transition)
	}

	assert.Equal(t, 1, ok)

	snaps, err := e.snapshots.List(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, model.KindApprovalMove, snaps[0].Kind)

	assert.Equal(t, 1, e.countActivities(t, w.ID, model.ActivitySystem, "marked as Approved"))
	assert.Equal(t, 2, e.queue.count(queue.TopicFileMove))
}

func TestConcurrentEmbargoReleaseCreatesOneBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	w := e.newWork(t, model.StateApproved)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, e.db.Model(w).Update("embargo_date", past).Error)

	e.mem.Seed("embargo", w.Prefix()+"a.csv", []byte("a"))
	e.mem.Seed("embargo", w.Prefix()+"b.csv", []byte("b"))

	const callers = 3

	var (
		wg    sync.WaitGroup
		snaps = make([]*model.UploadSnapshot, callers)
		errs  = make([]error, callers)
	)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			snaps[i], errs[i] = e.works.ReleaseEmbargo(ctx, w.ID, 0)
		}()
	}

	wg.Wait()

	var created int
	for i, err := range errs {
		if err == nil {
			require.NotNil(t, snaps[i])
			created++

			continue
		}

		var ite *service.InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Contains(t, ite.Messages, "Embargo release already in progress")
	}

	assert.Equal(t, 1, created)

	n, err := e.works.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the sweep skips a work with a release in flight")

	all, err := e.snapshots.List(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.KindEmbargoRelease, all[0].Kind)

	assert.Equal(t, 1, e.countActivities(t, w.ID, model.ActivityEmbargo, "Embargo released"))
	assert.Equal(t, 2, e.queue.count(queue.TopicFileMove))
}

func TestConcurrentMarkCompleteFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.newWork(t, model.StateDraft)

	const files = 8

	keys := make([]string, 0, files)
	records := make([]model.FileRecord, 0, files)

	for i := range files {
		key := fmt.Sprintf("%sfile-%d.csv", w.Prefix(), i)
		keys = append(keys, key)
		records = append(records, model.FileRecord{Key: key, Size: 1})
	}

	snap, err := e.snapshots.Create(ctx, w.ID, service.NewSnapshot{
		Kind:         model.KindUpload,
		Prefix:       w.Prefix(),
		TargetBucket: "pre",
		Files:        records,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup

	// 每个 key 两次完成回调，模拟重复投递
	for _, key := range append(keys, keys...) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, e.snapshots.MarkComplete(ctx, snap.ID, key, "sum"))
		}()
	}

	wg.Wait()

	got, err := e.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalizedAt)
	assert.Len(t, got.CompletedFiles(), files)
	assert.True(t, got.IsComplete())

	assert.Equal(t, 1, e.countActivities(t, w.ID, model.ActivityFileChanges, ""))

	reported := e.reporter.all()
	require.Len(t, reported, files, "every duplicate callback is reported")

	for _, err := range reported {
		assert.ErrorIs(t, err, service.ErrLedgerIntegrityAnomaly)
	}
}

func TestDirectPreservationRunsOncePerApproval(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.works.AddCurator(ctx, 1, curatorID))

	w := e.newWork(t, model.StateAwaitingApproval)
	e.mem.Seed("post", w.Prefix()+"a.csv", []byte("a"))

	_, err := e.works.Approve(ctx, w.ID, curatorID)
	require.NoError(t, err)
	require.Equal(t, 1, e.queue.count(queue.TopicWorkPreservation))

	p := service.NewPreservationService(e.db, e.gateway, e.snapshots, buckets, 2)

	require.NoError(t, p.Preserve(ctx, w.ID, 0))
	assert.Contains(t, e.mem.Keys("preserve"), w.Prefix()+"a.csv")
	assert.Equal(t, 1, e.countActivities(t, w.ID, model.ActivityPreservation,
		"Preservation copies created for 1 files"))

	puts := e.mem.Puts
	require.NoError(t, p.Preserve(ctx, w.ID, 0), "a redelivered request is a no-op")
	assert.Equal(t, puts, e.mem.Puts)
	assert.Equal(t, 1, e.countActivities(t, w.ID, model.ActivityPreservation, ""))

	// 撤回后重新审批，新的审批需要新的归档
	_, err = e.works.Fire(ctx, w.ID, service.TransitionWithdraw, curatorID)
	require.NoError(t, err)
	_, err = e.works.Fire(ctx, w.ID, service.TransitionResubmit, curatorID)
	require.NoError(t, err)
	_, err = e.works.Approve(ctx, w.ID, curatorID)
	require.NoError(t, err)

	require.NoError(t, p.Preserve(ctx, w.ID, 0))
	assert.Equal(t, 2, e.countActivities(t, w.ID, model.ActivityPreservation, ""))
}
