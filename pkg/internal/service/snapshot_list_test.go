package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
)

func TestListIsOldestFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.newWork(t, model.StateDraft)

	var created []uint

	for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
		snap, err := e.snapshots.Create(ctx, w.ID, service.NewSnapshot{
			Kind:         model.KindUpload,
			Prefix:       w.Prefix(),
			TargetBucket: "pre",
			Files:        []model.FileRecord{{Key: w.Prefix() + name, Size: 1}},
		})
		require.NoError(t, err)

		created = append(created, snap.ID)
	}

	snaps, err := e.snapshots.List(ctx, w.ID)
	require.NoError(t, err)

	got := make([]uint, 0, len(snaps))
	for _, s := range snaps {
		got = append(got, s.ID)
	}

	assert.Equal(t, created, got)
	assert.Less(t, created[0], created[2])
}
