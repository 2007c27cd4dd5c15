package queue

import "time"

// EventHeader 定义所有任务的通用头部元数据.
type EventHeader struct {
	// Topic 冗余记录消息主题，便于转储后定位来源.
	Topic string `json:"topic"`
	// TraceID 关联 ID，优先取当前 span 的 trace id.
	TraceID string `json:"trace_id,omitempty"`
	// Producer 生产者服务名或节点标识.
	Producer string `json:"producer,omitempty"`
	// OccurredAt 入队时间（UTC）.
	OccurredAt time.Time `json:"occurred_at"`
	Version    string    `json:"version,omitempty"`
}

// Message 统一的消息封装，Header + Payload.
type Message[T any] struct {
	Header  EventHeader `json:"header"`
	Payload T           `json:"payload"`
}

// FileTaskPayload 移动或拷贝单个文件的任务，完成后回写到 SnapshotID 对应的账本.
type FileTaskPayload struct {
	SnapshotID   uint   `json:"snapshot_id"   rule:"required"`
	WorkID       uint   `json:"work_id"       rule:"required"`
	SourceBucket string `json:"source_bucket" rule:"required"`
	SourceKey    string `json:"source_key"    rule:"required,objectkey"`
	TargetBucket string `json:"target_bucket" rule:"required"`
	TargetKey    string `json:"target_key"    rule:"required,objectkey"`
	Size         int64  `json:"size"          rule:"min=0"`
}

// UploadTaskPayload 上传一个暂存文件.
type UploadTaskPayload struct {
	SnapshotID   uint   `json:"snapshot_id"   rule:"required"`
	WorkID       uint   `json:"work_id"       rule:"required"`
	Bucket       string `json:"bucket"        rule:"required"`
	Key          string `json:"key"           rule:"required,objectkey"`
	StagedPath   string `json:"staged_path"   rule:"required"`
	Size         int64  `json:"size"          rule:"min=0"`
	ChecksumHint string `json:"checksum_hint,omitempty"`
}

// PreservationPayload 生成作品归档.
// SnapshotID 为 0 表示审批时没有需要移动的文件，直接归档.
type PreservationPayload struct {
	WorkID     uint `json:"work_id"               rule:"required"`
	SnapshotID uint `json:"snapshot_id,omitempty"`
}
