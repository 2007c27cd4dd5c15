package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yeisme/curatevault/pkg/internal/model"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/rule"
)

// StagedFile 已暂存到本地磁盘、等待上传的文件.
type StagedFile struct {
	// Name 相对作品前缀的文件名
	Name string `rule:"required,objectkey"`
	Path string `rule:"required"`
	Size int64  `rule:"min=0"`
	// Checksum 暂存时计算的 MD5，上传时用于校验
	Checksum string
}

// UploadService 将本地暂存文件上传到预审桶.
type UploadService struct {
	works      *WorkService
	snapshots  *SnapshotService
	stagingDir string
	log        zerolog.Logger
}

// NewUploadService 创建上传服务.
func NewUploadService(works *WorkService, snapshots *SnapshotService, stagingDir string) *UploadService {
	return &UploadService{works: works, snapshots: snapshots, stagingDir: stagingDir, log: nlog.Component("upload")}
}

// StageLocal 把本地文件拷贝到暂存目录并计算 MD5，文件名取 base name.
func (u *UploadService) StageLocal(paths []string) ([]StagedFile, error) {
	if err := os.MkdirAll(u.stagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	staged := make([]StagedFile, 0, len(paths))

	for _, p := range paths {
		f, err := stageOne(u.stagingDir, p)
		if err != nil {
			for _, s := range staged {
				_ = os.Remove(s.Path)
			}

			return nil, err
		}

		staged = append(staged, f)
	}

	return staged, nil
}

func stageOne(dir, src string) (StagedFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return StagedFile{}, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(dir, uuid.NewString())

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return StagedFile{}, fmt.Errorf("create staged file: %w", err)
	}

	sum := md5.New()

	n, err := io.Copy(io.MultiWriter(out, sum), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = os.Remove(dst)
		return StagedFile{}, fmt.Errorf("stage %s: %w", src, err)
	}

	return StagedFile{
		Name:     filepath.Base(src),
		Path:     dst,
		Size:     n,
		Checksum: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// Stage 为暂存文件创建 upload 批次并投递上传任务.
// 上一个快照中已结算且未被本次覆盖的文件会被带入新快照.
func (u *UploadService) Stage(ctx context.Context, workID, userID uint, files []StagedFile) (*model.UploadSnapshot, error) {
	work, err := u.works.Get(ctx, workID)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}

	var (
		by      *uint
		records = make([]model.FileRecord, 0, len(files))
		keys    = make(map[string]struct{}, len(files))
		errs    []error
	)

	if userID != 0 {
		by = &userID
	}

	for _, f := range files {
		if err := rule.ValidateStruct(f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}

		key := work.Prefix() + f.Name
		if _, dup := keys[key]; dup {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, ErrDuplicateFile))
			continue
		}

		keys[key] = struct{}{}
		records = append(records, model.FileRecord{
			Key:      key,
			Checksum: f.Checksum,
			Size:     f.Size,
			UserID:   by,
			Source:   f.Path,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	carried, err := u.carried(ctx, workID, keys)
	if err != nil {
		return nil, err
	}

	snap, err := u.snapshots.Create(ctx, workID, NewSnapshot{
		Kind:         model.KindUpload,
		Prefix:       work.Prefix(),
		TargetBucket: u.works.buckets.Precuration,
		Files:        records,
		Carried:      carried,
	})
	if err != nil {
		return nil, err
	}

	u.log.Info().Uint("work_id", workID).Uint("snapshot_id", snap.ID).Int("files", len(records)).Msg("upload staged")

	return snap, u.snapshots.enqueue(ctx, snap, records)
}

// carried 上一个快照中已结算、且不会被本次上传覆盖的文件.
func (u *UploadService) carried(ctx context.Context, workID uint, replaced map[string]struct{}) ([]model.FileRecord, error) {
	prev, err := u.snapshots.Latest(ctx, workID)
	if err != nil || prev == nil {
		return nil, err
	}

	var out []model.FileRecord

	for _, f := range prev.CompletedFiles() {
		if _, ok := replaced[f.Key]; !ok {
			out = append(out, f)
		}
	}

	return out, nil
}
