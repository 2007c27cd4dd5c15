// Package s3mem 是 s3.ObjectAPI 的内存实现，用于单元测试与本地演示.
package s3mem

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
)

// Fault 注入到拷贝上的故障.
type Fault int

const (
	// FaultNone 正常拷贝.
	FaultNone Fault = iota
	// FaultFailBefore 拷贝未发生并返回错误.
	FaultFailBefore
	// FaultFailAfter 拷贝已完成，但应答丢失返回错误.
	FaultFailAfter
	// FaultLost 报告成功，但目标不可见.
	FaultLost
)

type object struct {
	data     []byte
	etag     string
	modified time.Time
}

type upload struct {
	bucket, key string
	parts       map[int][]byte
}

// Store 内存对象存储.
type Store struct {
	mu      sync.Mutex
	buckets map[string]map[string]object
	uploads map[string]*upload
	seq     int

	copyFaults map[string]Fault

	// 调用统计
	Puts       int
	Copies     int
	Composes   int
	Removes    int
	Multiparts [][]int // 每次 Complete 的分片号顺序
	Aborts     int
}

// New 创建空存储.
func New() *Store {
	return &Store{
		buckets:    map[string]map[string]object{},
		uploads:    map[string]*upload{},
		copyFaults: map[string]Fault{},
	}
}

// FailCopy 对目标 bucket/key 的下一次拷贝注入故障.
func (s *Store) FailCopy(bucket, key string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.copyFaults[bucket+"/"+key] = f
}

// Seed 直接写入对象.
func (s *Store) Seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store(bucket, key, data, md5Hex(data))
}

// Object 读取对象内容.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}

	return bytes.Clone(o.data), true
}

// Keys 返回 bucket 下所有键（已排序）.
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedKeys(bucket, "")
}

func (s *Store) store(bucket, key string, data []byte, etag string) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = map[string]object{}
		s.buckets[bucket] = b
	}

	b[key] = object{data: data, etag: etag, modified: time.Now()}
}

func (s *Store) sortedKeys(bucket, prefix string) []string {
	keys := make([]string, 0, len(s.buckets[bucket]))

	for k := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys
}

func noSuchKey(bucket, key string) error {
	return minio.ErrorResponse{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist.",
		BucketName: bucket,
		Key:        key,
		StatusCode: http.StatusNotFound,
	}
}

func internalError(msg string) error {
	return minio.ErrorResponse{Code: "InternalError", Message: msg, StatusCode: http.StatusInternalServerError}
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// ListObjects 按前缀列举.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	s.mu.Lock()

	infos := make([]minio.ObjectInfo, 0)

	for _, k := range s.sortedKeys(bucket, opts.Prefix) {
		o := s.buckets[bucket][k]
		infos = append(infos, minio.ObjectInfo{
			Key:          k,
			ETag:         `"` + o.etag + `"`,
			Size:         int64(len(o.data)),
			LastModified: o.modified,
		})
	}
	s.mu.Unlock()

	ch := make(chan minio.ObjectInfo)

	go func() {
		defer close(ch)

		for _, info := range infos {
			select {
			case ch <- info:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// StatObject 对象元信息.
func (s *Store) StatObject(_ context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.buckets[bucket][key]
	if !ok {
		return minio.ObjectInfo{}, noSuchKey(bucket, key)
	}

	return minio.ObjectInfo{Key: key, ETag: o.etag, Size: int64(len(o.data)), LastModified: o.modified}, nil
}

// CopyObject 服务端拷贝.
func (s *Store) CopyObject(_ context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Copies++

	return s.copyLocked(dst, src)
}

// ComposeObject 组合拷贝，这里只支持单个源.
func (s *Store) ComposeObject(_ context.Context, dst minio.CopyDestOptions, srcs ...minio.CopySrcOptions) (minio.UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(srcs) != 1 {
		return minio.UploadInfo{}, fmt.Errorf("s3mem: compose supports a single source, got %d", len(srcs))
	}

	s.Composes++

	return s.copyLocked(dst, srcs[0])
}

func (s *Store) copyLocked(dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	target := dst.Bucket + "/" + dst.Object
	fault := s.copyFaults[target]
	delete(s.copyFaults, target)

	if fault == FaultFailBefore {
		return minio.UploadInfo{}, internalError("injected copy failure")
	}

	o, ok := s.buckets[src.Bucket][src.Object]
	if !ok {
		return minio.UploadInfo{}, noSuchKey(src.Bucket, src.Object)
	}

	info := minio.UploadInfo{Bucket: dst.Bucket, Key: dst.Object, ETag: o.etag, Size: int64(len(o.data))}

	switch fault {
	case FaultLost:
		return info, nil
	case FaultFailAfter:
		s.store(dst.Bucket, dst.Object, bytes.Clone(o.data), o.etag)
		return minio.UploadInfo{}, internalError("injected lost response")
	}

	s.store(dst.Bucket, dst.Object, bytes.Clone(o.data), o.etag)

	return info, nil
}

// RemoveObject 删除对象，不存在时同 S3 一样返回 nil.
func (s *Store) RemoveObject(_ context.Context, bucket, key string, _ minio.RemoveObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Removes++
	delete(s.buckets[bucket], key)

	return nil
}

// PutObject 单次上传.
func (s *Store) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64,
	_ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := readExactly(r, size)
	if err != nil {
		return minio.UploadInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Puts++
	etag := md5Hex(data)
	s.store(bucket, key, data, etag)

	return minio.UploadInfo{Bucket: bucket, Key: key, ETag: etag, Size: int64(len(data))}, nil
}

// NewMultipartUpload 发起分片上传.
func (s *Store) NewMultipartUpload(_ context.Context, bucket, key string, _ minio.PutObjectOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("upload-%d", s.seq)
	s.uploads[id] = &upload{bucket: bucket, key: key, parts: map[int][]byte{}}

	return id, nil
}

// PutObjectPart 上传分片.
func (s *Store) PutObjectPart(_ context.Context, _, _ string, uploadID string, partID int, data io.Reader,
	size int64, _ minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	b, err := readExactly(data, size)
	if err != nil {
		return minio.ObjectPart{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		return minio.ObjectPart{}, minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: http.StatusNotFound}
	}

	u.parts[partID] = b

	return minio.ObjectPart{PartNumber: partID, ETag: `"` + md5Hex(b) + `"`, Size: int64(len(b))}, nil
}

// CompleteMultipartUpload 合并分片，要求分片号严格升序且 ETag 匹配.
func (s *Store) CompleteMultipartUpload(_ context.Context, bucket, key, uploadID string,
	parts []minio.CompletePart, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		return minio.UploadInfo{}, minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: http.StatusNotFound}
	}

	var (
		buf     bytes.Buffer
		digests []byte
		order   = make([]int, 0, len(parts))
	)

	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return minio.UploadInfo{}, minio.ErrorResponse{Code: "InvalidPartOrder", StatusCode: http.StatusBadRequest}
		}

		data, ok := u.parts[p.PartNumber]
		if !ok || strings.Trim(p.ETag, `"`) != md5Hex(data) {
			return minio.UploadInfo{}, minio.ErrorResponse{Code: "InvalidPart", StatusCode: http.StatusBadRequest}
		}

		sum := md5.Sum(data)
		digests = append(digests, sum[:]...)

		buf.Write(data)
		order = append(order, p.PartNumber)
	}

	etag := fmt.Sprintf("%s-%d", md5Hex(digests), len(parts))
	s.store(bucket, key, buf.Bytes(), etag)
	delete(s.uploads, uploadID)
	s.Multiparts = append(s.Multiparts, order)

	return minio.UploadInfo{Bucket: bucket, Key: key, ETag: `"` + etag + `"`, Size: int64(buf.Len())}, nil
}

// AbortMultipartUpload 放弃分片上传.
func (s *Store) AbortMultipartUpload(_ context.Context, _, _ string, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[uploadID]; !ok {
		return minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: http.StatusNotFound}
	}

	delete(s.uploads, uploadID)
	s.Aborts++

	return nil
}

// PendingUploads 未完成的分片上传数.
func (s *Store) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.uploads)
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return io.ReadAll(r)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("s3mem: read body: %w", err)
	}

	return buf, nil
}
