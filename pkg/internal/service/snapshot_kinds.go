package service

import (
	"context"
	"fmt"

	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/queue"
)

// kindBehavior 每种快照的结算行为.
type kindBehavior struct {
	activity model.ActivityType
	message  func(snap *model.UploadSnapshot, n int) string
	// followUp 在结算事务提交后执行
	followUp func(ctx context.Context, s *SnapshotService, snap *model.UploadSnapshot) error
}

var kindBehaviors = map[model.SnapshotKind]kindBehavior{
	model.KindUpload: {
		activity: model.ActivityFileChanges,
		message: func(snap *model.UploadSnapshot, n int) string {
			return fmt.Sprintf("%s uploaded to %s", filesWere(n), snap.Prefix)
		},
	},
	model.KindMigration: {
		activity: model.ActivityMigrationComplete,
		message: func(_ *model.UploadSnapshot, n int) string {
			return filesWere(n) + " migrated from DSpace"
		},
	},
	model.KindApprovalMove: {
		activity: model.ActivitySystem,
		message: func(snap *model.UploadSnapshot, n int) string {
			return fmt.Sprintf("%s moved to %s", filesWere(n), snap.TargetBucket)
		},
		followUp: func(ctx context.Context, s *SnapshotService, snap *model.UploadSnapshot) error {
			return s.queue.Enqueue(ctx, queue.TopicWorkPreservation, queue.PreservationPayload{
				WorkID:     snap.WorkID,
				SnapshotID: snap.ID,
			})
		},
	},
	model.KindEmbargoEntry: {
		activity: model.ActivityEmbargo,
		message: func(_ *model.UploadSnapshot, n int) string {
			return filesWere(n) + " moved to the embargo bucket"
		},
	},
	model.KindEmbargoRelease: {
		activity: model.ActivityEmbargo,
		message: func(_ *model.UploadSnapshot, n int) string {
			return filesWere(n) + " released from embargo"
		},
	},
}

func behaviorOf(kind model.SnapshotKind) kindBehavior {
	if b, ok := kindBehaviors[kind]; ok {
		return b
	}

	return kindBehaviors[model.KindUpload]
}

func filesWere(n int) string {
	if n == 1 {
		return "1 file was"
	}

	return fmt.Sprintf("%d files were", n)
}

// taskFor 为批次中的一个文件构造任务.
func taskFor(snap *model.UploadSnapshot, f model.FileRecord) (string, any) {
	switch snap.Kind {
	case model.KindUpload:
		return queue.TopicFileUpload, queue.UploadTaskPayload{
			SnapshotID:   snap.ID,
			WorkID:       snap.WorkID,
			Bucket:       snap.TargetBucket,
			Key:          f.Key,
			StagedPath:   f.Source,
			Size:         f.Size,
			ChecksumHint: f.Checksum,
		}
	case model.KindMigration:
		return queue.TopicFileCopy, queue.FileTaskPayload{
			SnapshotID:   snap.ID,
			WorkID:       snap.WorkID,
			SourceBucket: snap.SourceBucket,
			SourceKey:    f.Source,
			TargetBucket: snap.TargetBucket,
			TargetKey:    f.Key,
			Size:         f.Size,
		}
	default:
		return queue.TopicFileMove, queue.FileTaskPayload{
			SnapshotID:   snap.ID,
			WorkID:       snap.WorkID,
			SourceBucket: snap.SourceBucket,
			SourceKey:    f.Key,
			TargetBucket: snap.TargetBucket,
			TargetKey:    f.Key,
			Size:         f.Size,
		}
	}
}
