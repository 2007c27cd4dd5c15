package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/sony/gobreaker"

	"github.com/yeisme/curatevault/pkg/internal/model"
)

var (
	// ErrSnapshotNotFound 快照不存在，可能是入队事务尚未对当前连接可见.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrWorkNotFound 作品不存在.
	ErrWorkNotFound = errors.New("work not found")
	// ErrEmptyBatch 批次至少需要一个文件.
	ErrEmptyBatch = errors.New("snapshot requires at least one file")
	// ErrLedgerIntegrityAnomaly 完成回调中的文件不属于该批次的 started 文件.
	ErrLedgerIntegrityAnomaly = errors.New("ledger integrity anomaly")
	// ErrMoveVerificationFailed 拷贝报告成功但目标不存在.
	ErrMoveVerificationFailed = errors.New("move verification failed")
	// ErrSourceNotEmpty 预审前缀下仍有文件，归档需要等待.
	ErrSourceNotEmpty = errors.New("source prefix is not empty yet")
	// ErrSnapshotNotFinalized 快照尚未结算.
	ErrSnapshotNotFinalized = errors.New("snapshot not finalized")
	// ErrDuplicateFile 同一批次中出现重复的文件名.
	ErrDuplicateFile = errors.New("duplicate file name in batch")
)

// InvalidTransitionError 作品状态不允许执行该转换，或校验未通过.
type InvalidTransitionError struct {
	Transition Transition
	From       model.WorkState
	Messages   []string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %q from state %q", e.Transition, e.From)
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}

	return msg
}

// IsTransient 错误是否值得由队列重试.
// 行不可见、网络中断与熔断打开属于暂时性错误，其余一律按致命处理.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range []error{
		ErrSnapshotNotFound,
		ErrWorkNotFound,
		ErrSourceNotEmpty,
		ErrSnapshotNotFinalized,
		gobreaker.ErrOpenState,
		gobreaker.ErrTooManyRequests,
		context.DeadlineExceeded,
		io.ErrUnexpectedEOF,
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
