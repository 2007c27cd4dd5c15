package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/yeisme/curatevault/pkg/internal/model"
)

// Migrate 把 DSpace 桶中 sourcePrefix 下的文件拷贝到作品的预审前缀.
func (w *WorkService) Migrate(ctx context.Context, id uint, sourcePrefix string) (*model.UploadSnapshot, error) {
	work, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sourcePrefix != "" && !strings.HasSuffix(sourcePrefix, "/") {
		sourcePrefix += "/"
	}

	listed, err := w.store.List(ctx, w.buckets.DSpace, sourcePrefix)
	if err != nil {
		return nil, err
	}

	if len(listed) == 0 {
		return nil, fmt.Errorf("%w: nothing under %s/%s", ErrEmptyBatch, w.buckets.DSpace, sourcePrefix)
	}

	files := make([]model.FileRecord, 0, len(listed))
	for _, f := range listed {
		files = append(files, model.FileRecord{
			Key:    work.Prefix() + strings.TrimPrefix(f.Key, sourcePrefix),
			Size:   f.Size,
			Source: f.Key,
		})
	}

	var carried []model.FileRecord
	if prev, err := w.snapshots.Latest(ctx, id); err != nil {
		return nil, err
	} else if prev != nil {
		carried = prev.CompletedFiles()
	}

	snap, err := w.snapshots.Create(ctx, id, NewSnapshot{
		Kind:         model.KindMigration,
		Prefix:       work.Prefix(),
		SourceBucket: w.buckets.DSpace,
		TargetBucket: w.buckets.Precuration,
		Files:        files,
		Carried:      carried,
	})
	if err != nil {
		return nil, err
	}

	w.log.Info().Uint("work_id", id).Uint("snapshot_id", snap.ID).Int("files", len(files)).Msg("migration started")

	return snap, w.snapshots.enqueue(ctx, snap, files)
}
