package jobs_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/jobs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/internal/storage/db"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3/s3mem"
	"github.com/yeisme/curatevault/pkg/scheduler"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, string, any) error { return nil }

type reporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *reporter) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()

	client, err := db.Open(context.Background(), &configs.DBConfig{
		Type:         configs.SQLite,
		Database:     "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client.DB
}

func TestScanStalled(t *testing.T) {
	ctx := context.Background()
	gdb := openDB(t)
	rep := &reporter{}
	snapshots := service.NewSnapshotService(gdb, nopQueue{}, rep)

	w := &model.Work{State: model.StateDraft, DOI: "10.34770/st-1"}
	require.NoError(t, gdb.Create(w).Error)

	snap, err := snapshots.Create(ctx, w.ID, service.NewSnapshot{
		Kind:         model.KindUpload,
		Prefix:       w.Prefix(),
		TargetBucket: "pre",
		Files:        []model.FileRecord{{Key: w.Prefix() + "a.csv"}, {Key: w.Prefix() + "b.csv"}},
	})
	require.NoError(t, err)

	n, err := jobs.ScanStalled(ctx, snapshots, rep, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh snapshots are not stalled")

	n, err = jobs.ScanStalled(ctx, snapshots, rep, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rep.errs, 1)
	assert.ErrorIs(t, rep.errs[0], jobs.ErrStalledSnapshot)

	require.NoError(t, snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+"a.csv", "1"))
	require.NoError(t, snapshots.MarkError(ctx, snap.ID, w.Prefix()+"b.csv", "boom"))

	n, err = jobs.ScanStalled(ctx, snapshots, rep, -time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "settled files are not stalled")
}

func TestReleaseExpiredNothingToDo(t *testing.T) {
	gdb := openDB(t)
	snapshots := service.NewSnapshotService(gdb, nopQueue{}, &reporter{})
	works := service.NewWorkService(gdb, s3.NewGateway(s3mem.New()), snapshots, nopQueue{}, configs.BucketsConfig{
		Precuration: "pre", Postcuration: "post", Preservation: "preserve", Embargo: "embargo",
	})

	n, err := jobs.ReleaseExpired(context.Background(), works)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegisterCronJobs(t *testing.T) {
	sched, err := scheduler.NewScheduler()
	require.NoError(t, err)

	t.Cleanup(func() { _ = sched.Stop() })

	require.NoError(t, jobs.RegisterCronJobs(sched, jobs.Deps{}, configs.WorkerConfig{
		EmbargoSweepCron: "15 2 * * *",
		StalledScanCron:  "0 * * * *",
	}))
	sched.Start()

	infos := sched.GetJobInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, jobs.JobEmbargoRelease, infos[0].Name)
	assert.Equal(t, jobs.JobStalledScan, infos[1].Name)

	require.Error(t, jobs.RegisterCronJobs(nil, jobs.Deps{}, configs.WorkerConfig{}))
}
