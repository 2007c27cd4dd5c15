package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/storage/db"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3/s3mem"
)

var testBuckets = configs.BucketsConfig{
	Precuration:  "pre",
	Postcuration: "post",
	Preservation: "preserve",
	Embargo:      "embargo",
	DSpace:       "dspace",
}

type enqueued struct {
	topic   string
	payload any
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return q.err
	}

	q.tasks = append(q.tasks, enqueued{topic: topic, payload: payload})

	return nil
}

func (q *fakeQueue) topics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.topic)
	}

	return out
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

type fixture struct {
	db        *gorm.DB
	mem       *s3mem.Store
	gateway   *s3.Gateway
	queue     *fakeQueue
	reporter  *recordingReporter
	snapshots *SnapshotService
	works     *WorkService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "[", "", "]", "").Replace(t.Name())

	client, err := db.Open(context.Background(), &configs.DBConfig{
		Type:         configs.SQLite,
		Database:     "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:       newTestDB(t),
		mem:      s3mem.New(),
		queue:    &fakeQueue{},
		reporter: &recordingReporter{},
	}
	f.gateway = s3.NewGateway(f.mem, s3.WithPartSize(1024))
	f.snapshots = NewSnapshotService(f.db, f.queue, f.reporter)
	f.works = NewWorkService(f.db, f.gateway, f.snapshots, f.queue, testBuckets)

	return f
}

// newWork 创建一个处于给定状态的作品.
func (f *fixture) newWork(t *testing.T, state model.WorkState) *model.Work {
	t.Helper()

	w := &model.Work{
		State:           state,
		GroupID:         1,
		DOI:             "10.34770/abc-123",
		Title:           "Sample dataset",
		Publisher:       "Princeton University",
		PublicationYear: 2026,
		Creators:        []model.Creator{{GivenName: "Ada", FamilyName: "Lovelace"}},
	}
	require.NoError(t, f.db.Create(w).Error)

	return w
}

func records(prefix string, names ...string) []model.FileRecord {
	out := make([]model.FileRecord, 0, len(names))
	for _, n := range names {
		out = append(out, model.FileRecord{Key: prefix + n, Size: int64(len(n))})
	}

	return out
}

func (f *fixture) activities(t *testing.T, workID uint) []model.WorkActivity {
	t.Helper()

	acts, err := f.works.Activities(context.Background(), workID)
	require.NoError(t, err)

	return acts
}
