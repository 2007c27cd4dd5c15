package worker_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	watermill "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/internal/storage/db"
	"github.com/yeisme/curatevault/pkg/internal/storage/kv"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3/s3mem"
	"github.com/yeisme/curatevault/pkg/internal/worker"
	"github.com/yeisme/curatevault/pkg/queue"
)

var buckets = configs.BucketsConfig{
	Precuration:  "pre",
	Postcuration: "post",
	Preservation: "preserve",
	Embargo:      "embargo",
	DSpace:       "dspace",
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.errs)
}

type env struct {
	mem       *s3mem.Store
	pubsub    *gochannel.GoChannel
	queue     *queue.Queue
	reporter  *recordingReporter
	snapshots *service.SnapshotService
	works     *service.WorkService
	dbc       *db.Client
}

func newEnv(t *testing.T, pcfg gochannel.Config, dedupe kv.KVStore, opts ...func(*configs.WorkerConfig)) *env {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())

	dbc, err := db.Open(context.Background(), &configs.DBConfig{
		Type:         configs.SQLite,
		Database:     "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbc.Close() })

	e := &env{
		mem:      s3mem.New(),
		pubsub:   gochannel.NewGoChannel(pcfg, watermill.NopLogger{}),
		reporter: &recordingReporter{},
		dbc:      dbc,
	}
	e.queue = queue.New(e.pubsub)

	gateway := s3.NewGateway(e.mem, s3.WithPartSize(1024))
	e.snapshots = service.NewSnapshotService(dbc.DB, e.queue, e.reporter)
	e.works = service.NewWorkService(dbc.DB, gateway, e.snapshots, e.queue, buckets)

	wcfg := configs.WorkerConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		HandlerTimeout:  10 * time.Second,
		DedupeTTL:       time.Hour,
	}
	for _, opt := range opts {
		opt(&wcfg)
	}

	runner, err := worker.New(worker.Deps{
		Publisher:  e.pubsub,
		Subscriber: e.pubsub,
		Logger:     watermill.NopLogger{},
		Store:      gateway,
		Snapshots:  e.snapshots,
		Preserver:  service.NewPreservationService(dbc.DB, gateway, e.snapshots, buckets, 2),
		Reporter:   e.reporter,
		Dedupe:     dedupe,
	}, wcfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- runner.Run(ctx) }()

	select {
	case <-runner.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-done
		_ = e.pubsub.Close()
	})

	return e
}

func (e *env) newWork(t *testing.T, state model.WorkState) *model.Work {
	t.Helper()

	w := &model.Work{
		State:     state,
		GroupID:   1,
		DOI:       "10.34770/xyz-9",
		Title:     "Worker dataset",
		Publisher: "Princeton University",
		Creators:  []model.Creator{{GivenName: "Grace", FamilyName: "Hopper"}},
	}
	require.NoError(t, e.dbc.Create(w).Error)

	return w
}

func TestApprovalMovesAndPreserves(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, gochannel.Config{}, nil)

	w := e.newWork(t, model.StateAwaitingApproval)
	require.NoError(t, e.works.AddCurator(ctx, w.GroupID, 9))

	prefix := w.Prefix()
	e.mem.Seed("pre", prefix+"a.csv", []byte("a"))
	e.mem.Seed("pre", prefix+"data/b.csv", []byte("bb"))

	_, err := e.works.Approve(ctx, w.ID, 9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snaps, err := e.snapshots.List(ctx, w.ID)
		return err == nil && len(snaps) == 1 && snaps[0].PreservedAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Empty(t, e.mem.Keys("pre"))

	dir := prefix + service.PreservationDir
	assert.Equal(t, []string{
		prefix + "a.csv",
		prefix + "data/b.csv",
		dir + "datacite.xml",
		dir + "metadata.json",
		dir + "provenance.json",
	}, e.mem.Keys("preserve"))
	assert.Zero(t, e.reporter.count())
}

func TestFatalCopyFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, gochannel.Config{}, nil)
	w := e.newWork(t, model.StateDraft)

	e.mem.Seed("dspace", "handle/7/a.csv", []byte("a"))
	e.mem.Seed("dspace", "handle/7/b.csv", []byte("b"))
	e.mem.FailCopy("pre", w.Prefix()+"b.csv", s3mem.FaultLost)

	snap, err := e.works.Migrate(ctx, w.ID, "handle/7")
	require.NoError(t, err)

	var got *model.UploadSnapshot

	require.Eventually(t, func() bool {
		got, err = e.snapshots.Get(ctx, snap.ID)
		return err == nil && !got.Pending()
	}, 5*time.Second, 20*time.Millisecond)

	status := map[string]model.FileRecord{}
	for _, f := range got.Files {
		status[f.Key] = f
	}

	assert.Equal(t, model.FileComplete, status[w.Prefix()+"a.csv"].Status)
	assert.Equal(t, model.FileError, status[w.Prefix()+"b.csv"].Status)
	assert.Contains(t, status[w.Prefix()+"b.csv"].ErrorMessage, "move verification failed")
	assert.Nil(t, got.FinalizedAt)
	assert.Equal(t, 1, e.reporter.count())

	// 源文件保留
	assert.Len(t, e.mem.Keys("dspace"), 2)
}

func TestExhaustedRetriesGoToFailedTopic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, gochannel.Config{}, nil)

	failed, err := e.pubsub.Subscribe(ctx, queue.TopicTaskFailed)
	require.NoError(t, err)

	e.mem.Seed("pre", "10.34770/gone/1/a.csv", []byte("a"))

	require.NoError(t, e.queue.Enqueue(ctx, queue.TopicFileMove, queue.FileTaskPayload{
		SnapshotID:   999,
		WorkID:       1,
		SourceBucket: "pre",
		SourceKey:    "10.34770/gone/1/a.csv",
		TargetBucket: "post",
		TargetKey:    "10.34770/gone/1/a.csv",
		Size:         1,
	}))

	select {
	case msg := <-failed:
		msg.Ack()
		assert.Contains(t, msg.Metadata.Get(middleware.ReasonForPoisonedKey), "snapshot not found")
	case <-time.After(5 * time.Second):
		t.Fatal("task was not forwarded to the failed topic")
	}

	_, ok := e.mem.Object("post", "10.34770/gone/1/a.csv")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, e.reporter.count(), 1)
}

func TestMoveRetriesUntilSnapshotIsVisible(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, gochannel.Config{}, nil, func(c *configs.WorkerConfig) {
		c.MaxRetries = 100
		c.InitialInterval = 10 * time.Millisecond
		c.MaxInterval = 20 * time.Millisecond
		c.Multiplier = 1
	})

	w := e.newWork(t, model.StateApproved)
	key := w.Prefix() + "a.csv"
	e.mem.Seed("post", key, []byte("a"))

	// 空库中第一个快照的 ID 为 1，任务先于快照行可见
	require.NoError(t, e.queue.Enqueue(ctx, queue.TopicFileMove, queue.FileTaskPayload{
		SnapshotID:   1,
		WorkID:       w.ID,
		SourceBucket: "post",
		SourceKey:    key,
		TargetBucket: "embargo",
		TargetKey:    key,
		Size:         1,
	}))

	require.Eventually(t, func() bool {
		_, ok := e.mem.Object("post", key)
		return !ok
	}, 5*time.Second, 5*time.Millisecond, "first attempt moves the object")

	snap, err := e.snapshots.Create(ctx, w.ID, service.NewSnapshot{
		Kind:         model.KindEmbargoEntry,
		Prefix:       w.Prefix(),
		SourceBucket: "post",
		TargetBucket: "embargo",
		Files:        []model.FileRecord{{Key: key, Size: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, uint(1), snap.ID)

	var got *model.UploadSnapshot

	require.Eventually(t, func() bool {
		got, err = e.snapshots.Get(ctx, snap.ID)
		return err == nil && got.FinalizedAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	require.Len(t, got.Files, 1)
	assert.Equal(t, model.FileComplete, got.Files[0].Status)
	assert.Empty(t, got.Files[0].ErrorMessage)
	assert.Zero(t, e.reporter.count(), "a late snapshot is not an error")

	_, ok := e.mem.Object("embargo", key)
	assert.True(t, ok)
}

func TestDuplicateDeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()

	dedupe, err := kv.NewKVStore(ctx, &configs.KVConfig{Type: string(kv.KVTypeMemory)})
	require.NoError(t, err)

	e := newEnv(t, gochannel.Config{BlockPublishUntilSubscriberAck: true}, dedupe)
	w := e.newWork(t, model.StateDraft)
	key := w.Prefix() + "a.csv"

	snap, err := e.snapshots.Create(ctx, w.ID, service.NewSnapshot{
		Kind:         model.KindMigration,
		Prefix:       w.Prefix(),
		SourceBucket: "dspace",
		TargetBucket: "pre",
		Files:        []model.FileRecord{{Key: key, Size: 1, Source: "handle/8/a.csv"}},
	})
	require.NoError(t, err)

	e.mem.Seed("dspace", "handle/8/a.csv", []byte("a"))

	msg, err := queue.NewWatermillMessage(queue.TopicFileMove, queue.FileTaskPayload{
		SnapshotID:   snap.ID,
		WorkID:       w.ID,
		SourceBucket: "dspace",
		SourceKey:    "handle/8/a.csv",
		TargetBucket: "pre",
		TargetKey:    key,
		Size:         1,
	})
	require.NoError(t, err)

	require.NoError(t, e.pubsub.Publish(queue.TopicFileMove, msg))

	_, ok := e.mem.Object("dspace", "handle/8/a.csv")
	require.False(t, ok, "first delivery moves the file")

	mark, err := dedupe.Get(ctx, worker.DedupeKey(msg.UUID))
	require.NoError(t, err)
	require.Equal(t, queue.TopicFileMove, string(mark))

	// 重新放回源文件，若重复投递被处理则会再次被移走
	e.mem.Seed("dspace", "handle/8/a.csv", []byte("a"))
	require.NoError(t, e.pubsub.Publish(queue.TopicFileMove, message.NewMessage(msg.UUID, msg.Payload)))

	_, ok = e.mem.Object("dspace", "handle/8/a.csv")
	assert.True(t, ok)

	got, err := e.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.FinalizedAt)
}

func TestInvalidPayloadIsReportedAndDropped(t *testing.T) {
	e := newEnv(t, gochannel.Config{BlockPublishUntilSubscriberAck: true}, nil)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"payload":{"snapshot_id":0}}`))
	require.NoError(t, e.pubsub.Publish(queue.TopicFileCopy, msg))

	assert.Equal(t, 1, e.reporter.count())
}
