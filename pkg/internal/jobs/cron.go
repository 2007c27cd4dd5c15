// Package jobs 负责注册与实现业务定时任务（基于 scheduler）.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/scheduler"
)

// ErrStalledSnapshot 批次中的文件长时间停留在 started.
var ErrStalledSnapshot = errors.New("snapshot has stalled files")

// Deps 定时任务用到的服务.
type Deps struct {
	Works     *service.WorkService
	Snapshots *service.SnapshotService
	Reporter  service.Reporter
}

// RegisterCronJobs 配置业务定时任务：
//   - 按 embargo_sweep_cron 释放到期的禁运作品
//   - 按 stalled_scan_cron 上报长时间未结算的批次
func RegisterCronJobs(sched *scheduler.Scheduler, deps Deps, cfg configs.WorkerConfig) error {
	if sched == nil {
		return errors.New("scheduler is nil")
	}

	if err := sched.AddCron(JobEmbargoRelease, cfg.EmbargoSweepCron, func(ctx context.Context) error {
		_, err := ReleaseExpired(ctx, deps.Works)
		return err
	}); err != nil {
		return err
	}

	return sched.AddCron(JobStalledScan, cfg.StalledScanCron, func(ctx context.Context) error {
		_, err := ScanStalled(ctx, deps.Snapshots, deps.Reporter, cfg.StalledAfter)
		return err
	})
}

// ReleaseExpired 释放禁运期已过的作品.
func ReleaseExpired(ctx context.Context, works *service.WorkService) (int, error) {
	l := log.Logger().With().Str("job", JobEmbargoRelease).Logger()

	n, err := works.ReleaseExpired(ctx)
	if err != nil {
		l.Error().Err(err).Int("released", n).Msg("embargo release failed")
		return n, err
	}

	if n > 0 {
		l.Info().Int("released", n).Msg("embargoes released")
	}

	return n, nil
}

// ScanStalled 上报创建超过 after 仍有 started 文件的批次，返回批次数.
func ScanStalled(ctx context.Context, snapshots *service.SnapshotService, reporter service.Reporter,
	after time.Duration) (int, error) {
	l := log.Logger().With().Str("job", JobStalledScan).Logger()

	snaps, err := snapshots.Stalled(ctx, time.Now().Add(-after))
	if err != nil {
		l.Error().Err(err).Msg("stalled scan failed")
		return 0, err
	}

	for _, snap := range snaps {
		started := snap.FilesWithStatus(model.FileStarted)
		reporter.Report(ctx, fmt.Errorf("%w: snapshot %d", ErrStalledSnapshot, snap.ID), map[string]any{
			"snapshot_id": snap.ID,
			"work_id":     snap.WorkID,
			"kind":        snap.Kind,
			"started":     len(started),
			"created_at":  snap.CreatedAt,
		})
	}

	if len(snaps) > 0 {
		l.Warn().Int("snapshots", len(snaps)).Msg("stalled snapshots reported")
	}

	return len(snaps), nil
}
