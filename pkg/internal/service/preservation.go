package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	nlog "github.com/yeisme/curatevault/pkg/log"
)

// PreservationService 审批完成后生成归档副本.
type PreservationService struct {
	db          *gorm.DB
	store       ObjectStore
	snapshots   *SnapshotService
	buckets     configs.BucketsConfig
	concurrency int
	now         func() time.Time
	log         zerolog.Logger
}

// NewPreservationService 创建归档服务.
func NewPreservationService(db *gorm.DB, store ObjectStore, snapshots *SnapshotService,
	buckets configs.BucketsConfig, concurrency int) *PreservationService {
	if concurrency < 1 {
		concurrency = 1
	}

	return &PreservationService{
		db:          db,
		store:       store,
		snapshots:   snapshots,
		buckets:     buckets,
		concurrency: concurrency,
		now:         time.Now,
		log:         nlog.Component("preservation"),
	}
}

type provenanceEntry struct {
	Type      model.ActivityType `json:"type"`
	Message   string             `json:"message"`
	UserID    *uint              `json:"user_id,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Preserve 写入元数据、DataCite 记录与 provenance，并把作品文件拷贝到归档桶.
// snapshotID 非 0 时以该审批批次的 preserved_at 保证只执行一次；
// 为 0 时（审批无需移动文件）以最近一次审批之后是否已有 PRESERVATION 活动判断.
func (p *PreservationService) Preserve(ctx context.Context, workID, snapshotID uint) error {
	log := p.log.With().Uint("work_id", workID).Uint("snapshot_id", snapshotID).Logger()

	if snapshotID != 0 {
		snap, err := p.snapshots.Get(ctx, snapshotID)
		if err != nil {
			return err
		}

		if snap.PreservedAt != nil {
			log.Info().Msg("already preserved, skipping")
			return nil
		}

		if snap.FinalizedAt == nil {
			return fmt.Errorf("%w: %d", ErrSnapshotNotFinalized, snapshotID)
		}
	} else {
		done, err := preservedSinceApproval(p.db.WithContext(ctx), workID)
		if err != nil {
			return err
		}

		if done {
			log.Info().Msg("already preserved since last approval, skipping")
			return nil
		}
	}

	work, err := getWork(p.db.WithContext(ctx), workID)
	if err != nil {
		return err
	}

	prefix := work.Prefix()

	// 重新列举预审前缀，确认所有文件都已离开
	left, err := p.store.List(ctx, p.buckets.Precuration, prefix)
	if err != nil {
		return err
	}

	if len(left) > 0 {
		return fmt.Errorf("%w: %d files under %s/%s", ErrSourceNotEmpty, len(left), p.buckets.Precuration, prefix)
	}

	artifacts, err := p.writeArtifacts(ctx, work)
	if err != nil {
		return err
	}

	dataBucket := p.buckets.Postcuration
	if work.Embargoed(p.now()) {
		dataBucket = p.buckets.Embargo
	}

	listed, err := p.store.List(ctx, dataBucket, prefix)
	if err != nil {
		return err
	}

	files := DataFiles(listed)
	if err := p.copyAll(ctx, dataBucket, files); err != nil {
		return err
	}

	if err := p.copyAll(ctx, p.buckets.Postcuration, artifacts); err != nil {
		return err
	}

	if snapshotID != 0 {
		if _, err := p.snapshots.MarkPreserved(ctx, snapshotID, len(files)); err != nil {
			return err
		}
	} else if err := p.markDirect(ctx, workID, len(files)); err != nil {
		return err
	}

	log.Info().Int("files", len(files)).Str("bucket", p.buckets.Preservation).Msg("preservation copies created")

	return nil
}

// markDirect 在作品行锁内记录无批次审批的归档活动，并发调用只记录一次.
func (p *PreservationService) markDirect(ctx context.Context, workID uint, files int) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockWork(tx, workID); err != nil {
			return err
		}

		done, err := preservedSinceApproval(tx, workID)
		if err != nil || done {
			return err
		}

		if err := tx.Create(&model.WorkActivity{
			WorkID:       workID,
			ActivityType: model.ActivityPreservation,
			Message:      fmt.Sprintf("Preservation copies created for %d files", files),
		}).Error; err != nil {
			return fmt.Errorf("record preservation activity: %w", err)
		}

		return nil
	})
}

// preservedSinceApproval 最近一次审批活动之后是否已有归档活动.
func preservedSinceApproval(db *gorm.DB, workID uint) (bool, error) {
	var approval model.WorkActivity

	err := db.Where("work_id = ? AND activity_type = ? AND message = ?",
		workID, model.ActivitySystem, "marked as "+stateTitles[model.StateApproved]).
		Order("id DESC").Limit(1).Find(&approval).Error
	if err != nil {
		return false, fmt.Errorf("find approval activity: %w", err)
	}

	var n int64
	if err := db.Model(&model.WorkActivity{}).
		Where("work_id = ? AND activity_type = ? AND id > ?", workID, model.ActivityPreservation, approval.ID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("count preservation activities: %w", err)
	}

	return n > 0, nil
}

// writeArtifacts 在发布桶的归档子目录下写入三个归档文件.
func (p *PreservationService) writeArtifacts(ctx context.Context, work *model.Work) ([]model.FileRecord, error) {
	var acts []model.WorkActivity
	if err := p.db.WithContext(ctx).Where("work_id = ?", work.ID).Order("id ASC").Find(&acts).Error; err != nil {
		return nil, fmt.Errorf("load activities: %w", err)
	}

	provenance := make([]provenanceEntry, 0, len(acts))
	for _, a := range acts {
		provenance = append(provenance, provenanceEntry{
			Type:      a.ActivityType,
			Message:   a.Message,
			UserID:    a.CreatedByUserID,
			CreatedAt: a.CreatedAt.UTC(),
		})
	}

	metadata, err := sonic.Marshal(work)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	datacite, err := dataciteXML(work)
	if err != nil {
		return nil, fmt.Errorf("marshal datacite: %w", err)
	}

	prov, err := sonic.Marshal(provenance)
	if err != nil {
		return nil, fmt.Errorf("marshal provenance: %w", err)
	}

	dir := work.Prefix() + PreservationDir
	out := make([]model.FileRecord, 0, 3)

	for _, a := range []struct {
		name string
		body []byte
	}{
		{"metadata.json", metadata},
		{"datacite.xml", datacite},
		{"provenance.json", prov},
	} {
		key := dir + a.name

		sum, err := p.store.Put(ctx, p.buckets.Postcuration, key, bytes.NewReader(a.body), int64(len(a.body)), "")
		if err != nil {
			return nil, err
		}

		out = append(out, model.FileRecord{Key: key, Checksum: sum, Size: int64(len(a.body))})
	}

	return out, nil
}

// copyAll 并发拷贝到归档桶，键保持不变.
func (p *PreservationService) copyAll(ctx context.Context, bucket string, files []model.FileRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, f := range files {
		g.Go(func() error {
			_, err := p.store.Copy(gctx, bucket, f.Key, p.buckets.Preservation, f.Key, f.Size)
			return err
		})
	}

	return g.Wait()
}
