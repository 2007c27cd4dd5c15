package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/queue"
)

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}

	var out [][]int

	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}

	return out
}

func TestCreateTagsOnlyNewFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateDraft)

	carried := records(w.Prefix(), "old.csv")
	carried[0].Status = model.FileComplete

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:    model.KindUpload,
		Prefix:  w.Prefix(),
		Files:   records(w.Prefix(), "a.csv", "b.csv"),
		Carried: carried,
	})
	require.NoError(t, err)
	require.Len(t, snap.Files, 3)

	got, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)

	for _, file := range got.Files {
		if file.Key == w.Prefix()+"old.csv" {
			assert.Nil(t, file.SnapshotID)
			assert.Empty(t, file.Status)

			continue
		}

		assert.True(t, file.BelongsTo(snap.ID))
		assert.Equal(t, model.FileStarted, file.Status)
	}

	assert.Equal(t, 2, got.BatchSize())
	assert.False(t, got.IsComplete())
}

func TestCreateRejectsEmptyBatch(t *testing.T) {
	f := newFixture(t)
	w := f.newWork(t, model.StateDraft)

	_, err := f.snapshots.Create(context.Background(), w.ID, NewSnapshot{Kind: model.KindUpload, Prefix: w.Prefix()})
	require.ErrorIs(t, err, ErrEmptyBatch)
}

// 任意完成顺序都只在最后一个文件完成时结算一次.
func TestCompletionIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	names := []string{"a.csv", "b.csv", "c.csv"}

	for _, perm := range permutations(len(names)) {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			f := newFixture(t)
			w := f.newWork(t, model.StateApproved)

			snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
				Kind:         model.KindApprovalMove,
				Prefix:       w.Prefix(),
				SourceBucket: "pre",
				TargetBucket: "post",
				Files:        records(w.Prefix(), names...),
			})
			require.NoError(t, err)

			for step, idx := range perm {
				require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+names[idx], "sum"))

				got, err := f.snapshots.Get(ctx, snap.ID)
				require.NoError(t, err)

				if step < len(perm)-1 {
					assert.Nil(t, got.FinalizedAt)
					assert.Empty(t, f.queue.topics())
				} else {
					assert.NotNil(t, got.FinalizedAt)
				}
			}

			assert.Equal(t, []string{queue.TopicWorkPreservation}, f.queue.topics())
			assert.Zero(t, f.reporter.count())
		})
	}
}

// 场景 1：三个文件全部成功，结算一次并记录提到 3 files 的活动.
func TestAllFilesSucceed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateDraft)

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:         model.KindUpload,
		Prefix:       w.Prefix(),
		TargetBucket: "pre",
		Files:        records(w.Prefix(), "a", "b", "c"),
	})
	require.NoError(t, err)

	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+n, "etag-"+n))
	}

	acts := f.activities(t, w.ID)
	require.Len(t, acts, 1)
	assert.Equal(t, model.ActivityFileChanges, acts[0].ActivityType)
	assert.Contains(t, acts[0].Message, "3 files")

	files, err := f.snapshots.CompletedFiles(ctx, snap.ID)
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Equal(t, "etag-a", files[0].Checksum)
}

// 重复的完成回调不会再次结算.
func TestRedundantMarkCompleteDoesNotRefinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateApproved)

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:   model.KindApprovalMove,
		Prefix: w.Prefix(),
		Files:  records(w.Prefix(), "only.bin"),
	})
	require.NoError(t, err)

	key := w.Prefix() + "only.bin"
	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, key, "x"))

	first, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, first.FinalizedAt)

	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, key, "x"))

	second, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, first.FinalizedAt.Equal(*second.FinalizedAt))
	assert.Len(t, f.activities(t, w.ID), 1)
	assert.Len(t, f.queue.topics(), 1, "preservation is requested once")
	assert.Equal(t, 1, f.reporter.count(), "the duplicate is reported as an anomaly")
}

// 场景 2：一个文件失败后没有 started 文件，批次为 complete with errors.
func TestCompleteWithErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateApproved)

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:   model.KindApprovalMove,
		Prefix: w.Prefix(),
		Files:  records(w.Prefix(), "a", "b", "c"),
	})
	require.NoError(t, err)

	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+"a", "1"))
	require.NoError(t, f.snapshots.MarkError(ctx, snap.ID, w.Prefix()+"b", ErrMoveVerificationFailed.Error()))
	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+"c", "3"))

	got, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)

	assert.False(t, got.IsComplete())
	assert.True(t, got.IsCompleteWithErrors())
	assert.False(t, got.Pending())
	assert.Nil(t, got.FinalizedAt)
	assert.Empty(t, f.activities(t, w.ID))
	assert.Empty(t, f.queue.topics())

	errored := got.FilesWithStatus(model.FileError)
	require.Len(t, errored, 1)
	assert.Equal(t, ErrMoveVerificationFailed.Error(), errored[0].ErrorMessage)
}

// 场景 4：不属于批次的 key 只产生异常上报，账本不变.
func TestUnknownKeyIsAnomaly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateDraft)

	carried := records(w.Prefix(), "carried.txt")

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:    model.KindUpload,
		Prefix:  w.Prefix(),
		Files:   records(w.Prefix(), "a"),
		Carried: carried,
	})
	require.NoError(t, err)

	before, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)

	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+"never-declared", "x"))
	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+"carried.txt", "x"))

	after, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, before.Files, after.Files)
	assert.Nil(t, after.FinalizedAt)
	require.Equal(t, 2, f.reporter.count())
	assert.ErrorIs(t, f.reporter.errs[0], ErrLedgerIntegrityAnomaly)
}

// 带过来的文件既不阻塞也不触发结算.
func TestCarriedFilesNeverBlockCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateDraft)

	carried := records(w.Prefix(), "x", "y")
	carried[0].Status = model.FileStarted
	carried[1].Status = model.FileError

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:    model.KindUpload,
		Prefix:  w.Prefix(),
		Files:   records(w.Prefix(), "new"),
		Carried: carried,
	})
	require.NoError(t, err)

	got, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.False(t, got.IsComplete())

	require.NoError(t, f.snapshots.MarkComplete(ctx, snap.ID, w.Prefix()+"new", "n"))

	got, err = f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.FinalizedAt)
	assert.Contains(t, f.activities(t, w.ID)[0].Message, "1 file was")
}

func TestMarkCompleteMissingSnapshot(t *testing.T) {
	f := newFixture(t)

	err := f.snapshots.MarkComplete(context.Background(), 999, "k", "x")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.True(t, IsTransient(err))
}

func TestRetryErrorsAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateApproved)

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{
		Kind:         model.KindApprovalMove,
		Prefix:       w.Prefix(),
		SourceBucket: "pre",
		TargetBucket: "post",
		Files:        records(w.Prefix(), "a", "b"),
	})
	require.NoError(t, err)

	require.NoError(t, f.snapshots.MarkError(ctx, snap.ID, w.Prefix()+"a", "boom"))

	n, err := f.snapshots.Requeue(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.snapshots.RetryErrors(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FilesWithStatus(model.FileError))
	assert.Len(t, got.FilesWithStatus(model.FileStarted), 2)

	require.Len(t, f.queue.tasks, 2)
	p, ok := f.queue.tasks[1].payload.(queue.FileTaskPayload)
	require.True(t, ok)
	assert.Equal(t, w.Prefix()+"a", p.SourceKey)
	assert.Equal(t, "post", p.TargetBucket)
}

func TestDeleteSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.newWork(t, model.StateDraft)

	snap, err := f.snapshots.Create(ctx, w.ID, NewSnapshot{Kind: model.KindUpload, Files: records(w.Prefix(), "a")})
	require.NoError(t, err)

	require.NoError(t, f.snapshots.Delete(ctx, snap.ID))
	require.ErrorIs(t, f.snapshots.Delete(ctx, snap.ID), ErrSnapshotNotFound)
}
