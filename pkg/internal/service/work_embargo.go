package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yeisme/curatevault/pkg/internal/model"
)

const (
	TransitionEnterEmbargo   Transition = "enter_embargo"
	TransitionReleaseEmbargo Transition = "release_embargo"
)

// EnterEmbargo 设置禁运日期；已审批的作品把发布桶中的文件移到禁运桶.
// 返回创建的快照，没有文件需要移动时为 nil.
func (w *WorkService) EnterEmbargo(ctx context.Context, id uint, until time.Time, userID uint) (*model.UploadSnapshot, error) {
	work, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !until.After(w.now()) {
		return nil, &InvalidTransitionError{
			Transition: TransitionEnterEmbargo,
			From:       work.State,
			Messages:   []string{"Embargo date must be in the future"},
		}
	}

	var files []model.FileRecord

	if work.State == model.StateApproved {
		listed, err := w.store.List(ctx, w.buckets.Postcuration, work.Prefix())
		if err != nil {
			return nil, err
		}

		files = DataFiles(listed)
	}

	return w.embargoBatch(ctx, work, userID, TransitionEnterEmbargo, &until, NewSnapshot{
		Kind:         model.KindEmbargoEntry,
		Prefix:       work.Prefix(),
		SourceBucket: w.buckets.Postcuration,
		TargetBucket: w.buckets.Embargo,
		Files:        files,
	})
}

// ReleaseEmbargo 禁运期结束后把禁运桶中的文件移回发布桶.
func (w *WorkService) ReleaseEmbargo(ctx context.Context, id uint, userID uint) (*model.UploadSnapshot, error) {
	work, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := w.checkRelease(w.db.WithContext(ctx), work); err != nil {
		return nil, err
	}

	files, err := w.store.List(ctx, w.buckets.Embargo, work.Prefix())
	if err != nil {
		return nil, err
	}

	return w.embargoBatch(ctx, work, userID, TransitionReleaseEmbargo, work.EmbargoDate, NewSnapshot{
		Kind:         model.KindEmbargoRelease,
		Prefix:       work.Prefix(),
		SourceBucket: w.buckets.Embargo,
		TargetBucket: w.buckets.Postcuration,
		Files:        files,
	})
}

// ReleaseExpired 释放所有禁运期已过且禁运桶中仍有文件的作品，返回创建的批次数.
// 已有未结算 release 批次的作品跳过.
func (w *WorkService) ReleaseExpired(ctx context.Context) (int, error) {
	var works []model.Work
	if err := w.db.WithContext(ctx).
		Where("state = ? AND embargo_date IS NOT NULL AND embargo_date <= ?", model.StateApproved, w.now()).
		Find(&works).Error; err != nil {
		return 0, fmt.Errorf("find expired embargoes: %w", err)
	}

	var (
		released int
		errs     []error
	)

	for _, work := range works {
		pending, err := pendingBatches(w.db.WithContext(ctx), work.ID, model.KindEmbargoRelease)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if pending > 0 {
			continue
		}

		snap, err := w.ReleaseEmbargo(ctx, work.ID, 0)

		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			// 手动释放或另一次扫描抢先了
			w.log.Debug().Uint("work_id", work.ID).Err(err).Msg("embargo release skipped")
			continue
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("release work %d: %w", work.ID, err))
			continue
		}

		if snap != nil {
			released++
		}
	}

	return released, errors.Join(errs...)
}

// checkRelease 在作品行锁内确认可以释放：已审批、禁运期已过、没有未结算的释放批次.
func (w *WorkService) checkRelease(tx *gorm.DB, work *model.Work) error {
	if work.State != model.StateApproved {
		return &InvalidTransitionError{Transition: TransitionReleaseEmbargo, From: work.State}
	}

	if work.Embargoed(w.now()) {
		return &InvalidTransitionError{
			Transition: TransitionReleaseEmbargo,
			From:       work.State,
			Messages:   []string{fmt.Sprintf("Work is embargoed until %s", work.EmbargoDate.Format(time.DateOnly))},
		}
	}

	pending, err := pendingBatches(tx, work.ID, model.KindEmbargoRelease)
	if err != nil {
		return err
	}

	if pending > 0 {
		return &InvalidTransitionError{
			Transition: TransitionReleaseEmbargo,
			From:       work.State,
			Messages:   []string{"Embargo release already in progress"},
		}
	}

	return nil
}

// pendingBatches 作品未结算的指定类型批次数.
func pendingBatches(db *gorm.DB, workID uint, kind model.SnapshotKind) (int64, error) {
	var n int64
	if err := db.Model(&model.UploadSnapshot{}).
		Where("work_id = ? AND kind = ? AND finalized_at IS NULL", workID, kind).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count pending %s batches: %w", kind, err)
	}

	return n, nil
}

// embargoBatch 记录禁运活动，有文件时创建批次并投递移动任务.
func (w *WorkService) embargoBatch(ctx context.Context, work *model.Work, userID uint, t Transition,
	date *time.Time, in NewSnapshot) (*model.UploadSnapshot, error) {
	if t == TransitionReleaseEmbargo && len(in.Files) == 0 {
		return nil, nil
	}

	var snap *model.UploadSnapshot

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockWork(tx, work.ID)
		if err != nil {
			return err
		}

		if t == TransitionReleaseEmbargo {
			if err := w.checkRelease(tx, locked); err != nil {
				return err
			}
		}

		if t == TransitionEnterEmbargo {
			if err := tx.Model(locked).Update("embargo_date", date).Error; err != nil {
				return fmt.Errorf("update embargo date: %w", err)
			}

			locked.EmbargoDate = date

			// 已有进行中的入库批次时只更新日期，文件由那个批次搬走
			pending, err := pendingBatches(tx, locked.ID, model.KindEmbargoEntry)
			if err != nil {
				return err
			}

			if pending > 0 {
				in.Files = nil
			}
		}

		*work = *locked

		var by *uint
		if userID != 0 {
			by = &userID
		}

		msg := "Embargo released"
		if t == TransitionEnterEmbargo {
			msg = "Embargoed until " + date.Format(time.DateOnly)
		}

		if err := tx.Create(&model.WorkActivity{
			WorkID:          work.ID,
			ActivityType:    model.ActivityEmbargo,
			Message:         msg,
			CreatedByUserID: by,
		}).Error; err != nil {
			return fmt.Errorf("record embargo activity: %w", err)
		}

		if len(in.Files) == 0 {
			return nil
		}

		snap, err = w.snapshots.create(tx, work.ID, in)

		return err
	})
	if err != nil || snap == nil {
		return nil, err
	}

	return snap, w.snapshots.enqueue(ctx, snap, snap.FilesWithStatus(model.FileStarted))
}
