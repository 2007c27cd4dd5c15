package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/queue"
)

// Transition 作品状态转换名.
type Transition string

const (
	TransitionDraftWork          Transition = "draft_work"
	TransitionCompleteSubmission Transition = "complete_submission"
	TransitionRevertToDraft      Transition = "revert_to_draft"
	TransitionApprove            Transition = "approve"
	TransitionWithdraw           Transition = "withdraw"
	TransitionResubmit           Transition = "resubmit"
)

type edge struct {
	from []model.WorkState
	to   model.WorkState
}

var workTransitions = map[Transition]edge{
	TransitionDraftWork:          {from: []model.WorkState{model.StateNone}, to: model.StateDraft},
	TransitionCompleteSubmission: {from: []model.WorkState{model.StateNone, model.StateDraft}, to: model.StateAwaitingApproval},
	TransitionRevertToDraft:      {from: []model.WorkState{model.StateAwaitingApproval}, to: model.StateDraft},
	TransitionApprove:            {from: []model.WorkState{model.StateAwaitingApproval}, to: model.StateApproved},
	TransitionWithdraw: {
		from: []model.WorkState{model.StateDraft, model.StateAwaitingApproval, model.StateApproved},
		to:   model.StateWithdrawn,
	},
	TransitionResubmit: {from: []model.WorkState{model.StateWithdrawn}, to: model.StateAwaitingApproval},
}

var stateTitles = map[model.WorkState]string{
	model.StateDraft:            "Draft",
	model.StateAwaitingApproval: "Awaiting Approval",
	model.StateApproved:         "Approved",
	model.StateWithdrawn:        "Withdrawn",
}

// PreservationDir 归档文件所在的子目录.
const PreservationDir = "princeton_data_commons/"

// WorkService 作品生命周期.
type WorkService struct {
	db        *gorm.DB
	store     ObjectStore
	snapshots *SnapshotService
	queue     TaskQueue
	buckets   configs.BucketsConfig
	now       func() time.Time
	log       zerolog.Logger
}

// NewWorkService 创建作品服务.
func NewWorkService(db *gorm.DB, store ObjectStore, snapshots *SnapshotService, q TaskQueue,
	buckets configs.BucketsConfig) *WorkService {
	return &WorkService{
		db:        db,
		store:     store,
		snapshots: snapshots,
		queue:     q,
		buckets:   buckets,
		now:       time.Now,
		log:       nlog.Component("work"),
	}
}

// Create 新建作品.policyAgreed 为真时直接进入 awaiting_approval.
func (w *WorkService) Create(ctx context.Context, work *model.Work, policyAgreed bool) error {
	work.State = model.StateNone

	t := TransitionDraftWork
	if policyAgreed {
		t = TransitionCompleteSubmission
	}

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(work).Error; err != nil {
			return fmt.Errorf("create work: %w", err)
		}

		return w.apply(tx, work, t, work.CreatedByUserID)
	})
}

// Get 读取作品.
func (w *WorkService) Get(ctx context.Context, id uint) (*model.Work, error) {
	return getWork(w.db.WithContext(ctx), id)
}

// Activities 作品的活动记录，按时间顺序.
func (w *WorkService) Activities(ctx context.Context, id uint) ([]model.WorkActivity, error) {
	var acts []model.WorkActivity
	if err := w.db.WithContext(ctx).Where("work_id = ?", id).Order("id ASC").Find(&acts).Error; err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}

	return acts, nil
}

// Fire 执行不涉及文件移动的状态转换.
func (w *WorkService) Fire(ctx context.Context, id uint, t Transition, userID uint) (*model.Work, error) {
	if t == TransitionApprove {
		return w.Approve(ctx, id, userID)
	}

	var work *model.Work

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if work, err = lockWork(tx, id); err != nil {
			return err
		}

		return w.apply(tx, work, t, userID)
	})
	if err != nil {
		return nil, err
	}

	return work, nil
}

// Approve 审批作品，并将预审桶中的文件移动到发布桶（禁运期内移到禁运桶）.
// 预审桶为空时不创建快照，直接投递归档任务.
func (w *WorkService) Approve(ctx context.Context, id, curatorID uint) (*model.Work, error) {
	work, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := checkEdge(work, TransitionApprove); err != nil {
		return nil, err
	}

	pre, err := w.store.List(ctx, w.buckets.Precuration, work.Prefix())
	if err != nil {
		return nil, err
	}

	post, err := w.store.List(ctx, w.buckets.Postcuration, work.Prefix())
	if err != nil {
		return nil, err
	}

	post = DataFiles(post)

	var msgs []string

	if strings.TrimSpace(work.DOI) == "" {
		msgs = append(msgs, "DOI must be present for a work to be approved")
	}

	curator, err := w.IsCurator(ctx, work.GroupID, curatorID)
	if err != nil {
		return nil, err
	}

	if !curator {
		msgs = append(msgs, "Unauthorized to Approve")
	}

	if len(pre) == 0 && len(post) == 0 {
		msgs = append(msgs, "Uploads must be present for a work to be approved")
	}

	if len(msgs) > 0 {
		return nil, &InvalidTransitionError{Transition: TransitionApprove, From: work.State, Messages: msgs}
	}

	target := w.buckets.Postcuration
	if work.Embargoed(w.now()) {
		target = w.buckets.Embargo
	}

	var snap *model.UploadSnapshot

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 加锁重读，并发审批只有一个能通过状态校验
		locked, err := lockWork(tx, id)
		if err != nil {
			return err
		}

		if err := w.apply(tx, locked, TransitionApprove, curatorID); err != nil {
			return err
		}

		work = locked

		if len(pre) == 0 {
			return nil
		}

		snap, err = w.snapshots.create(tx, work.ID, NewSnapshot{
			Kind:         model.KindApprovalMove,
			Prefix:       work.Prefix(),
			SourceBucket: w.buckets.Precuration,
			TargetBucket: target,
			Files:        pre,
			Carried:      post,
		})

		return err
	})
	if err != nil {
		return nil, err
	}

	if snap == nil {
		w.log.Info().Uint("work_id", work.ID).Msg("nothing to move, requesting preservation")

		return work, w.queue.Enqueue(ctx, queue.TopicWorkPreservation, queue.PreservationPayload{WorkID: work.ID})
	}

	return work, w.snapshots.enqueue(ctx, snap, pre)
}

// IsCurator 用户是否为组织的审批人.
func (w *WorkService) IsCurator(ctx context.Context, groupID, userID uint) (bool, error) {
	var n int64
	if err := w.db.WithContext(ctx).Model(&model.GroupCurator{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check curator: %w", err)
	}

	return n > 0, nil
}

// AddCurator 登记审批人，已存在时不报错.
func (w *WorkService) AddCurator(ctx context.Context, groupID, userID uint) error {
	return w.db.WithContext(ctx).
		Where(model.GroupCurator{GroupID: groupID, UserID: userID}).
		FirstOrCreate(&model.GroupCurator{}).Error
}

// apply 校验并写入状态转换，记录 SYSTEM 活动.
func (w *WorkService) apply(tx *gorm.DB, work *model.Work, t Transition, userID uint) error {
	if err := checkEdge(work, t); err != nil {
		return err
	}

	from := work.State
	to := workTransitions[t].to

	// 条件更新：读取之后状态已被其他事务改变时不覆盖
	res := tx.Model(&model.Work{}).Where("id = ? AND state = ?", work.ID, from).Update("state", to)
	if res.Error != nil {
		return fmt.Errorf("update work state: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return &InvalidTransitionError{
			Transition: t,
			From:       from,
			Messages:   []string{"Work state changed concurrently"},
		}
	}

	work.State = to

	var by *uint
	if userID != 0 {
		by = &userID
	}

	if err := tx.Create(&model.WorkActivity{
		WorkID:          work.ID,
		ActivityType:    model.ActivitySystem,
		Message:         "marked as " + stateTitles[work.State],
		CreatedByUserID: by,
	}).Error; err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	w.log.Info().Uint("work_id", work.ID).Str("transition", string(t)).
		Str("from", string(from)).Str("to", string(work.State)).Msg("work transitioned")

	return nil
}

func checkEdge(work *model.Work, t Transition) error {
	e, ok := workTransitions[t]
	if !ok {
		return &InvalidTransitionError{Transition: t, From: work.State, Messages: []string{"unknown transition"}}
	}

	if !slices.Contains(e.from, work.State) {
		return &InvalidTransitionError{Transition: t, From: work.State}
	}

	return nil
}

func getWork(db *gorm.DB, id uint) (*model.Work, error) {
	var work model.Work
	if err := db.First(&work, id).Error; err != nil {
		return nil, notFound(err, ErrWorkNotFound, id)
	}

	return &work, nil
}

// lockWork 在事务内对作品行加排他锁并读取.
func lockWork(tx *gorm.DB, id uint) (*model.Work, error) {
	return getWork(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

// DataFiles 去掉归档目录下的文件.
func DataFiles(files []model.FileRecord) []model.FileRecord {
	out := make([]model.FileRecord, 0, len(files))

	for _, f := range files {
		if !strings.Contains(f.Key, "/"+PreservationDir) {
			out = append(out, f)
		}
	}

	return out
}
