package s3_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	"github.com/yeisme/curatevault/pkg/internal/storage/s3/s3mem"
)

const threshold = 16

func newGateway() (*s3.Gateway, *s3mem.Store) {
	store := s3mem.New()
	return s3.NewGateway(store, s3.WithPartSize(threshold)), store
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}

	return b
}

func TestPutAtThresholdIsSingleShot(t *testing.T) {
	ctx := context.Background()
	gw, store := newGateway()
	data := payload(threshold)

	etag, err := gw.Put(ctx, "pre", "doi/1/a.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), etag)
	assert.Equal(t, 1, store.Puts)
	assert.Empty(t, store.Multiparts)

	got, ok := store.Object("pre", "doi/1/a.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestPutOverThresholdIsMultipart(t *testing.T) {
	ctx := context.Background()

	for _, size := range []int{threshold + 1, 3*threshold + 5, 4 * threshold} {
		gw, store := newGateway()
		data := payload(size)

		etag, err := gw.Put(ctx, "pre", "doi/1/big.bin", bytes.NewReader(data), int64(size), "")
		require.NoError(t, err)

		assert.Zero(t, store.Puts)
		require.Len(t, store.Multiparts, 1)

		want := make([]int, 0)
		for i := 1; i <= (size+threshold-1)/threshold; i++ {
			want = append(want, i)
		}

		assert.Equal(t, want, store.Multiparts[0], "parts must be completed in ascending order")
		assert.True(t, strings.HasSuffix(etag, "-"+strconv.Itoa(len(want))))

		got, ok := store.Object("pre", "doi/1/big.bin")
		require.True(t, ok)
		assert.Equal(t, data, got, "parts must reproduce the original stream")
		assert.Zero(t, store.PendingUploads())
	}
}

func TestPutShortStreamAbortsMultipart(t *testing.T) {
	gw, store := newGateway()
	data := payload(threshold + 4)

	_, err := gw.Put(context.Background(), "pre", "k", bytes.NewReader(data[:threshold+1]), int64(len(data)), "")
	require.Error(t, err)

	assert.Equal(t, 1, store.Aborts)
	assert.Zero(t, store.PendingUploads())

	_, ok := store.Object("pre", "k")
	assert.False(t, ok)
}

func TestPutChecksumHint(t *testing.T) {
	ctx := context.Background()
	gw, store := newGateway()
	data := payload(10)
	sum := md5.Sum(data)

	_, err := gw.Put(ctx, "pre", "ok", bytes.NewReader(data), 10, `"`+hex.EncodeToString(sum[:])+`"`)
	require.NoError(t, err)

	_, err = gw.Put(ctx, "pre", "bad", bytes.NewReader(data), 10, "00000000000000000000000000000000")
	require.ErrorIs(t, err, s3.ErrChecksumMismatch)

	_, ok := store.Object("pre", "bad")
	assert.False(t, ok, "mismatched upload must be removed")
}

func TestListSkipsFolderMarkers(t *testing.T) {
	gw, store := newGateway()
	store.Seed("pre", "doi/1/", nil)
	store.Seed("pre", "doi/1/data/", nil)
	store.Seed("pre", "doi/1/data/a.csv", []byte("a,b"))
	store.Seed("pre", "doi/1/readme.txt", []byte("hi"))
	store.Seed("pre", "doi/2/other.txt", []byte("x"))

	files, err := gw.List(context.Background(), "pre", "doi/1/")
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "doi/1/data/a.csv", files[0].Key)
	assert.Equal(t, int64(3), files[0].Size)
	assert.NotContains(t, files[0].Checksum, `"`)
	assert.Empty(t, files[0].Status)
}

func TestCopyErrors(t *testing.T) {
	ctx := context.Background()
	gw, store := newGateway()

	_, err := gw.Copy(ctx, "pre", "missing", "post", "missing", 1)
	require.ErrorIs(t, err, s3.ErrSourceMissing)

	store.Seed("pre", "k", []byte("v"))
	store.FailCopy("post", "k", s3mem.FaultFailBefore)

	_, err = gw.Copy(ctx, "pre", "k", "post", "k", 1)
	require.ErrorIs(t, err, s3.ErrCopyFailed)

	etag, err := gw.Copy(ctx, "pre", "k", "post", "k", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
}

func TestCopyOverThresholdComposes(t *testing.T) {
	gw, store := newGateway()
	store.Seed("pre", "big", payload(threshold*2))

	_, err := gw.Copy(context.Background(), "pre", "big", "post", "big", threshold*2)
	require.NoError(t, err)

	assert.Equal(t, 1, store.Composes)
	assert.Zero(t, store.Copies)
}

func TestDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	gw, store := newGateway()
	store.Seed("pre", "k", []byte("v"))

	ok, err := gw.Exists(ctx, "pre", "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, gw.Delete(ctx, "pre", "k"))
	require.NoError(t, gw.Delete(ctx, "pre", "k"))

	ok, err = gw.Exists(ctx, "pre", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
