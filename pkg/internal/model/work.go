package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// WorkState 作品状态.
type WorkState string

const (
	StateNone             WorkState = "none"
	StateDraft            WorkState = "draft"
	StateAwaitingApproval WorkState = "awaiting_approval"
	StateApproved         WorkState = "approved"
	StateWithdrawn        WorkState = "withdrawn"
)

// Creator 作者信息，写入 DataCite 记录.
type Creator struct {
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	ORCID      string `json:"orcid,omitempty"`
}

// Work 数据集作品.
type Work struct {
	ID    uint      `gorm:"primaryKey"             json:"id"`
	State WorkState `gorm:"size:32;index;not null" json:"state"`
	// GroupID 所属组织，决定谁可以审批
	GroupID         uint                         `gorm:"index"              json:"group_id"`
	DOI             string                       `gorm:"size:255;index"     json:"doi"`
	ARK             string                       `gorm:"size:255"           json:"ark,omitempty"`
	Title           string                       `gorm:"size:1024"          json:"title"`
	Description     string                       `gorm:"type:text"          json:"description,omitempty"`
	Publisher       string                       `gorm:"size:255"           json:"publisher,omitempty"`
	PublicationYear int                          `json:"publication_year,omitempty"`
	Creators        datatypes.JSONSlice[Creator] `json:"creators"`
	EmbargoDate     *time.Time                   `gorm:"index"              json:"embargo_date,omitempty"`
	CreatedByUserID uint                         `json:"created_by_user_id"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// Prefix 作品在各个桶中的对象前缀.
func (w *Work) Prefix() string {
	return fmt.Sprintf("%s/%d/", w.DOI, w.ID)
}

// Embargoed 在给定时间点是否处于禁运期.
func (w *Work) Embargoed(now time.Time) bool {
	return w.EmbargoDate != nil && w.EmbargoDate.After(now)
}

// GroupCurator 组织的审批人.
type GroupCurator struct {
	ID      uint `gorm:"primaryKey"`
	GroupID uint `gorm:"uniqueIndex:idx_group_user"`
	UserID  uint `gorm:"uniqueIndex:idx_group_user"`
}

// ActivityType 作品活动类型.
type ActivityType string

const (
	ActivitySystem            ActivityType = "SYSTEM"
	ActivityFileChanges       ActivityType = "FILE-CHANGES"
	ActivityMigrationComplete ActivityType = "MIGRATION_COMPLETE"
	ActivityEmbargo           ActivityType = "EMBARGO"
	ActivityPreservation      ActivityType = "PRESERVATION"
)

// WorkActivity 作品的活动日志，用于 provenance.
type WorkActivity struct {
	ID              uint         `gorm:"primaryKey"     json:"id"`
	WorkID          uint         `gorm:"index;not null" json:"work_id"`
	ActivityType    ActivityType `gorm:"size:32;index"  json:"activity_type"`
	Message         string       `gorm:"type:text"      json:"message"`
	CreatedByUserID *uint        `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// All 返回需要迁移的模型.
func All() []any {
	return []any{&Work{}, &UploadSnapshot{}, &WorkActivity{}, &GroupCurator{}}
}
