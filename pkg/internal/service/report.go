package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/metrics"
)

// Reporter 接收异步流程中的运维告警.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
}

// LogReporter 以 error 日志和计数器的形式上报.
type LogReporter struct {
	log zerolog.Logger
}

// NewLogReporter 创建默认的上报器.
func NewLogReporter() *LogReporter {
	return &LogReporter{log: nlog.Component("report")}
}

// Report 记录一条告警.
func (r *LogReporter) Report(_ context.Context, err error, fields map[string]any) {
	kind := ReportKind(err)
	metrics.ErrorReports.WithLabelValues(kind).Inc()

	r.log.Error().Err(err).Str("kind", kind).Fields(fields).Msg("operational alert")
}

// ReportKind 告警分类，用作指标标签.
func ReportKind(err error) string {
	switch {
	case errors.Is(err, ErrLedgerIntegrityAnomaly):
		return "ledger_anomaly"
	case errors.Is(err, ErrMoveVerificationFailed):
		return "move_verification"
	case errors.Is(err, s3.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, s3.ErrSourceMissing):
		return "source_missing"
	case errors.Is(err, s3.ErrCopyFailed):
		return "copy_failed"
	case errors.Is(err, ErrSnapshotNotFound), errors.Is(err, ErrWorkNotFound):
		return "not_found"
	default:
		return "task_failed"
	}
}
