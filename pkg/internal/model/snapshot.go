package model

import (
	"time"

	"gorm.io/datatypes"
)

// FileStatus 单个文件在批次中的状态.
type FileStatus string

const (
	FileStarted  FileStatus = "started"
	FileComplete FileStatus = "complete"
	FileError    FileStatus = "error"
)

// Terminal 是否为终态.
func (s FileStatus) Terminal() bool {
	return s == FileComplete || s == FileError
}

// FileRecord 批次中的一个文件.
// Status 为空表示从上一个快照带过来的已结算文件，SnapshotID 为空表示不属于本批次.
type FileRecord struct {
	Key          string     `json:"filename"`
	Checksum     string     `json:"checksum,omitempty"`
	Size         int64      `json:"size"`
	Status       FileStatus `json:"upload_status,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	UserID       *uint      `json:"user_id,omitempty"`
	SnapshotID   *uint      `json:"snapshot_id,omitempty"`
	// Source 任务的数据来源：upload 批次为本地暂存路径，migration 批次为 DSpace 桶中的键
	Source string `json:"source,omitempty"`
}

// Tracked 是否带状态（参与完成判定）.
func (f FileRecord) Tracked() bool {
	return f.Status != ""
}

// BelongsTo 文件是否由指定快照引入.
func (f FileRecord) BelongsTo(snapshotID uint) bool {
	return f.SnapshotID != nil && *f.SnapshotID == snapshotID
}

// CarriedForward 复制一份去掉状态与批次标记的记录.
func (f FileRecord) CarriedForward() FileRecord {
	return FileRecord{
		Key:      f.Key,
		Checksum: f.Checksum,
		Size:     f.Size,
		UserID:   f.UserID,
	}
}

// SnapshotKind 快照类型.
type SnapshotKind string

const (
	KindUpload         SnapshotKind = "upload"
	KindMigration      SnapshotKind = "migration"
	KindApprovalMove   SnapshotKind = "approval_move"
	KindEmbargoEntry   SnapshotKind = "embargo_entry"
	KindEmbargoRelease SnapshotKind = "embargo_release"
)

// UploadSnapshot 一个批次的文件账本.
type UploadSnapshot struct {
	ID     uint         `gorm:"primaryKey"           json:"id"`
	WorkID uint         `gorm:"index;not null"       json:"work_id"`
	Kind   SnapshotKind `gorm:"size:32;index"        json:"kind"`
	// Prefix 本批次关注的对象前缀，形如 {doi}/{work_id}/
	Prefix string `gorm:"size:1024" json:"url"`
	// SourceBucket / TargetBucket 批次的搬运方向，upload 批次无源桶
	SourceBucket string                         `gorm:"size:255" json:"source_bucket,omitempty"`
	TargetBucket string                         `gorm:"size:255" json:"target_bucket,omitempty"`
	Files        datatypes.JSONSlice[FileRecord] `json:"files"`
	FinalizedAt  *time.Time                     `json:"finalized_at,omitempty"`
	PreservedAt  *time.Time                     `json:"preserved_at,omitempty"`
	CreatedAt    time.Time                      `json:"created_at"`
	UpdatedAt    time.Time                      `json:"updated_at"`
}

// Find 返回本批次中 key 与状态都匹配的文件下标，没有返回 -1.
func (s *UploadSnapshot) Find(key string, status FileStatus) int {
	for i, f := range s.Files {
		if f.Key == key && f.Status == status && f.BelongsTo(s.ID) {
			return i
		}
	}

	return -1
}

// IsComplete 所有带状态的文件均已 complete.
func (s *UploadSnapshot) IsComplete() bool {
	for _, f := range s.Files {
		if f.Tracked() && f.Status != FileComplete {
			return false
		}
	}

	return true
}

// Pending 仍有 started 文件.
func (s *UploadSnapshot) Pending() bool {
	for _, f := range s.Files {
		if f.Status == FileStarted {
			return true
		}
	}

	return false
}

// IsCompleteWithErrors 没有 started 的文件，但至少有一个 error.
func (s *UploadSnapshot) IsCompleteWithErrors() bool {
	errored := false

	for _, f := range s.Files {
		switch f.Status {
		case FileStarted:
			return false
		case FileError:
			errored = true
		}
	}

	return errored
}

// CompletedFiles 已结算文件：无状态（带过来的）或 complete.
func (s *UploadSnapshot) CompletedFiles() []FileRecord {
	out := make([]FileRecord, 0, len(s.Files))

	for _, f := range s.Files {
		if !f.Tracked() || f.Status == FileComplete {
			out = append(out, f)
		}
	}

	return out
}

// FilesWithStatus 本批次中处于指定状态的文件.
func (s *UploadSnapshot) FilesWithStatus(status FileStatus) []FileRecord {
	var out []FileRecord

	for _, f := range s.Files {
		if f.Status == status && f.BelongsTo(s.ID) {
			out = append(out, f)
		}
	}

	return out
}

// BatchSize 本批次引入的文件数.
func (s *UploadSnapshot) BatchSize() int {
	n := 0

	for _, f := range s.Files {
		if f.BelongsTo(s.ID) {
			n++
		}
	}

	return n
}
