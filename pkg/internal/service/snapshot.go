package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeisme/curatevault/pkg/internal/model"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/metrics"
	"github.com/yeisme/curatevault/pkg/queue"
)

// SnapshotService 批次账本.
// files 列的每次修改都在行锁事务内完成：加锁、重读、修改、写回.
type SnapshotService struct {
	db       *gorm.DB
	queue    TaskQueue
	reporter Reporter
	now      func() time.Time
	log      zerolog.Logger
}

// NewSnapshotService 创建账本服务.
func NewSnapshotService(db *gorm.DB, q TaskQueue, reporter Reporter) *SnapshotService {
	return &SnapshotService{
		db:       db,
		queue:    q,
		reporter: reporter,
		now:      time.Now,
		log:      nlog.Component("ledger"),
	}
}

// NewSnapshot 新批次的描述.
type NewSnapshot struct {
	Kind         model.SnapshotKind
	Prefix       string
	SourceBucket string
	TargetBucket string
	// Files 本批次要处理的文件，创建后均为 started
	Files []model.FileRecord
	// Carried 从上一个快照带过来的已结算文件，不参与完成判定
	Carried []model.FileRecord
}

// Create 持久化一个新批次.
func (s *SnapshotService) Create(ctx context.Context, workID uint, in NewSnapshot) (*model.UploadSnapshot, error) {
	var snap *model.UploadSnapshot

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		snap, err = s.create(tx, workID, in)

		return err
	})

	return snap, err
}

// create 在给定事务中创建批次，先插入拿到 ID，再给新文件打上批次标记.
func (s *SnapshotService) create(tx *gorm.DB, workID uint, in NewSnapshot) (*model.UploadSnapshot, error) {
	if len(in.Files) == 0 {
		return nil, ErrEmptyBatch
	}

	snap := &model.UploadSnapshot{
		WorkID:       workID,
		Kind:         in.Kind,
		Prefix:       in.Prefix,
		SourceBucket: in.SourceBucket,
		TargetBucket: in.TargetBucket,
	}

	if err := tx.Create(snap).Error; err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	files := make([]model.FileRecord, 0, len(in.Files)+len(in.Carried))

	for _, f := range in.Files {
		id := snap.ID
		f.Status = model.FileStarted
		f.SnapshotID = &id
		f.ErrorMessage = ""
		files = append(files, f)
	}

	for _, f := range in.Carried {
		files = append(files, f.CarriedForward())
	}

	snap.Files = files

	if err := tx.Save(snap).Error; err != nil {
		return nil, fmt.Errorf("save snapshot files: %w", err)
	}

	s.log.Info().Uint("snapshot_id", snap.ID).Uint("work_id", workID).
		Str("kind", string(in.Kind)).Int("files", len(in.Files)).Int("carried", len(in.Carried)).
		Msg("snapshot created")

	return snap, nil
}

// Get 读取快照.
func (s *SnapshotService) Get(ctx context.Context, id uint) (*model.UploadSnapshot, error) {
	var snap model.UploadSnapshot
	if err := s.db.WithContext(ctx).First(&snap, id).Error; err != nil {
		return nil, notFound(err, ErrSnapshotNotFound, id)
	}

	return &snap, nil
}

// List 作品的所有快照，按创建顺序.
func (s *SnapshotService) List(ctx context.Context, workID uint) ([]model.UploadSnapshot, error) {
	var snaps []model.UploadSnapshot

	q := s.db.WithContext(ctx).Order("id ASC")
	if workID != 0 {
		q = q.Where("work_id = ?", workID)
	}

	if err := q.Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	return snaps, nil
}

// Latest 作品最近的一个快照，没有返回 nil.
func (s *SnapshotService) Latest(ctx context.Context, workID uint) (*model.UploadSnapshot, error) {
	var snaps []model.UploadSnapshot
	if err := s.db.WithContext(ctx).Where("work_id = ?", workID).Order("id DESC").Limit(1).Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	if len(snaps) == 0 {
		return nil, nil
	}

	return &snaps[0], nil
}

// CompletedFiles 已结算的文件：带过来的与 complete 的.
func (s *SnapshotService) CompletedFiles(ctx context.Context, id uint) ([]model.FileRecord, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return snap.CompletedFiles(), nil
}

// Delete 删除快照.
func (s *SnapshotService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.UploadSnapshot{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete snapshot %d: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
	}

	s.log.Info().Uint("snapshot_id", id).Msg("snapshot removed")

	return nil
}

// withLock 在事务内对快照行加排他锁并重读后执行 fn.
func (s *SnapshotService) withLock(ctx context.Context, id uint,
	fn func(tx *gorm.DB, snap *model.UploadSnapshot) error) (*model.UploadSnapshot, error) {
	var snap model.UploadSnapshot

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&snap, id).Error; err != nil {
			return notFound(err, ErrSnapshotNotFound, id)
		}

		return fn(tx, &snap)
	})
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

// MarkComplete 将本批次 started 状态的 key 标记为 complete.
// 找不到对应文件时记录并上报完整性异常，不返回错误；全部完成时结算一次.
func (s *SnapshotService) MarkComplete(ctx context.Context, id uint, key, checksum string) error {
	var anomaly, finalized bool

	snap, err := s.withLock(ctx, id, func(tx *gorm.DB, snap *model.UploadSnapshot) error {
		i := snap.Find(key, model.FileStarted)
		if i < 0 {
			anomaly = true
			return nil
		}

		snap.Files[i].Status = model.FileComplete
		snap.Files[i].Checksum = checksum

		if snap.IsComplete() && snap.FinalizedAt == nil {
			if err := s.finalize(tx, snap); err != nil {
				return err
			}

			finalized = true
		}

		return saveFiles(tx, snap)
	})
	if err != nil {
		return err
	}

	if anomaly {
		s.anomaly(ctx, id, key, model.FileComplete)
		return nil
	}

	if finalized {
		s.afterFinalize(ctx, snap)
	}

	return nil
}

// MarkError 将本批次 started 状态的 key 标记为 error，不会触发结算.
func (s *SnapshotService) MarkError(ctx context.Context, id uint, key, message string) error {
	var anomaly bool

	snap, err := s.withLock(ctx, id, func(tx *gorm.DB, snap *model.UploadSnapshot) error {
		i := snap.Find(key, model.FileStarted)
		if i < 0 {
			anomaly = true
			return nil
		}

		snap.Files[i].Status = model.FileError
		snap.Files[i].ErrorMessage = message

		return saveFiles(tx, snap)
	})
	if err != nil {
		return err
	}

	if anomaly {
		s.anomaly(ctx, id, key, model.FileError)
		return nil
	}

	if snap.IsCompleteWithErrors() {
		s.log.Warn().Uint("snapshot_id", id).Int("errors", len(snap.FilesWithStatus(model.FileError))).
			Msg("snapshot complete with errors")
	}

	return nil
}

// RetryErrors 将本批次 error 的文件重置为 started 并重新入队，返回重试的文件数.
func (s *SnapshotService) RetryErrors(ctx context.Context, id uint) (int, error) {
	var retry []model.FileRecord

	snap, err := s.withLock(ctx, id, func(tx *gorm.DB, snap *model.UploadSnapshot) error {
		for i, f := range snap.Files {
			if f.Status != model.FileError || !f.BelongsTo(snap.ID) {
				continue
			}

			snap.Files[i].Status = model.FileStarted
			snap.Files[i].ErrorMessage = ""
			retry = append(retry, snap.Files[i])
		}

		if len(retry) == 0 {
			return nil
		}

		return saveFiles(tx, snap)
	})
	if err != nil {
		return 0, err
	}

	return len(retry), s.enqueue(ctx, snap, retry)
}

// Requeue 重新投递仍为 started 的文件；已结算但未归档的审批批次重新投递归档任务.
func (s *SnapshotService) Requeue(ctx context.Context, id uint) (int, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	if snap.Kind == model.KindApprovalMove && snap.FinalizedAt != nil && snap.PreservedAt == nil {
		return 1, s.queue.Enqueue(ctx, queue.TopicWorkPreservation, queue.PreservationPayload{
			WorkID:     snap.WorkID,
			SnapshotID: snap.ID,
		})
	}

	started := snap.FilesWithStatus(model.FileStarted)

	return len(started), s.enqueue(ctx, snap, started)
}

// Stalled 创建时间早于 before 且仍有 started 文件的快照.
func (s *SnapshotService) Stalled(ctx context.Context, before time.Time) ([]model.UploadSnapshot, error) {
	var snaps []model.UploadSnapshot
	if err := s.db.WithContext(ctx).
		Where("finalized_at IS NULL AND created_at < ?", before).
		Order("id ASC").Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("stalled snapshots: %w", err)
	}

	out := snaps[:0]

	for _, snap := range snaps {
		if snap.Pending() {
			out = append(out, snap)
		}
	}

	return out, nil
}

// MarkPreserved 归档完成，只生效一次；返回是否由本次调用标记.
func (s *SnapshotService) MarkPreserved(ctx context.Context, id uint, files int) (bool, error) {
	var marked bool

	_, err := s.withLock(ctx, id, func(tx *gorm.DB, snap *model.UploadSnapshot) error {
		if snap.PreservedAt != nil {
			return nil
		}

		now := s.now()
		snap.PreservedAt = &now
		marked = true

		if err := tx.Create(&model.WorkActivity{
			WorkID:       snap.WorkID,
			ActivityType: model.ActivityPreservation,
			Message:      fmt.Sprintf("Preservation copies created for %d files", files),
		}).Error; err != nil {
			return fmt.Errorf("record preservation activity: %w", err)
		}

		return tx.Model(snap).Update("preserved_at", now).Error
	})

	return marked, err
}

// enqueue 为文件逐个投递任务.
func (s *SnapshotService) enqueue(ctx context.Context, snap *model.UploadSnapshot, files []model.FileRecord) error {
	var errs []error

	for _, f := range files {
		topic, payload := taskFor(snap, f)
		if err := s.queue.Enqueue(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", f.Key, err))
		}
	}

	return errors.Join(errs...)
}

// finalize 记录活动并设置 finalized_at，在调用方的锁事务内执行.
func (s *SnapshotService) finalize(tx *gorm.DB, snap *model.UploadSnapshot) error {
	b := behaviorOf(snap.Kind)

	activity := model.WorkActivity{
		WorkID:       snap.WorkID,
		ActivityType: b.activity,
		Message:      b.message(snap, snap.BatchSize()),
	}
	if err := tx.Create(&activity).Error; err != nil {
		return fmt.Errorf("record finalize activity: %w", err)
	}

	now := s.now()
	snap.FinalizedAt = &now

	return nil
}

// afterFinalize 提交后执行后续动作，失败只上报，可通过 Requeue 补投.
func (s *SnapshotService) afterFinalize(ctx context.Context, snap *model.UploadSnapshot) {
	metrics.SnapshotsFinalized.WithLabelValues(string(snap.Kind)).Inc()
	s.log.Info().Uint("snapshot_id", snap.ID).Uint("work_id", snap.WorkID).
		Str("kind", string(snap.Kind)).Int("files", snap.BatchSize()).Msg("snapshot finalized")

	b := behaviorOf(snap.Kind)
	if b.followUp == nil {
		return
	}

	if err := b.followUp(ctx, s, snap); err != nil {
		s.reporter.Report(ctx, fmt.Errorf("snapshot %d follow-up: %w", snap.ID, err), map[string]any{
			"snapshot_id": snap.ID,
			"work_id":     snap.WorkID,
		})
	}
}

func (s *SnapshotService) anomaly(ctx context.Context, id uint, key string, to model.FileStatus) {
	err := fmt.Errorf("%w: snapshot %d has no started file %q", ErrLedgerIntegrityAnomaly, id, key)

	s.log.Warn().Err(err).Uint("snapshot_id", id).Str("key", key).Str("to", string(to)).Msg("ledger anomaly")
	s.reporter.Report(ctx, err, map[string]any{"snapshot_id": id, "key": key})
}

func saveFiles(tx *gorm.DB, snap *model.UploadSnapshot) error {
	if err := tx.Model(snap).Select("files", "finalized_at", "updated_at").Updates(snap).Error; err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.ID, err)
	}

	return nil
}

// notFound 将 gorm 的未找到转换为领域错误.
func notFound(err, sentinel error, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", sentinel, id)
	}

	return err
}
