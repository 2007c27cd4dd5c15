package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/internal/storage/db"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3/s3mem"
)

const curatorID uint = 42

var buckets = configs.BucketsConfig{
	Precuration:  "pre",
	Postcuration: "post",
	Preservation: "preserve",
	Embargo:      "embargo",
	DSpace:       "dspace",
}

type task struct {
	topic   string
	payload any
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks []task
}

func (q *taskRecorder) Enqueue(_ context.Context, topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, task{topic: topic, payload: payload})

	return nil
}

func (q *taskRecorder) all() []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]task(nil), q.tasks...)
}

func (q *taskRecorder) count(topic string) int {
	n := 0
	for _, t := range q.all() {
		if t.topic == topic {
			n++
		}
	}

	return n
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

func (r *errorRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

type testEnv struct {
	db        *gorm.DB
	mem       *s3mem.Store
	gateway   *s3.Gateway
	queue     *taskRecorder
	reporter  *errorRecorder
	snapshots *service.SnapshotService
	works     *service.WorkService
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "[", "", "]", "").Replace(t.Name())

	client, err := db.Open(context.Background(), &configs.DBConfig{
		Type:         configs.SQLite,
		Database:     "file:x_" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	e := &testEnv{
		db:       client.DB,
		mem:      s3mem.New(),
		queue:    &taskRecorder{},
		reporter: &errorRecorder{},
	}
	e.gateway = s3.NewGateway(e.mem, s3.WithPartSize(1024))
	e.snapshots = service.NewSnapshotService(e.db, e.queue, e.reporter)
	e.works = service.NewWorkService(e.db, e.gateway, e.snapshots, e.queue, buckets)

	return e
}

func (e *testEnv) newWork(t *testing.T, state model.WorkState) *model.Work {
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
	require.NoError(t, e.db.Create(w).Error)

	return w
}

func (e *testEnv) activities(t *testing.T, workID uint) []model.WorkActivity {
	t.Helper()

	acts, err := e.works.Activities(context.Background(), workID)
	require.NoError(t, err)

	return acts
}

// countActivities 指定类型的活动数，message 为空时不比较内容.
func (e *testEnv) countActivities(t *testing.T, workID uint, typ model.ActivityType, message string) int {
	t.Helper()

	n := 0
	for _, a := range e.activities(t, workID) {
		if a.ActivityType == typ && (message == "" || a.Message == message) {
			n++
		}
	}

	return n
}
