// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package collection_test

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_Layer(t *testing.T) {
	b := collection.NewBitmap(1, 2, 3)
	bg := context.Background()

	ctx, tx, err := txn.Begin(bg)
	require.NoError(t, err)

	assert.False(t, b.Add(ctx, 2))
	assert.True(t, b.Add(ctx, 7))
	assert.True(t, b.Remove(ctx, 1))
	assert.False(t, b.Remove(ctx, 1))
	assert.False(t, b.Remove(ctx, 100))
	assert.True(t, b.Add(ctx, 1), "re-adding a removed base id")
	assert.True(t, b.Remove(ctx, 3))

	assert.Equal(t, []uint32{1, 2, 7}, b.ToArray(ctx))
	assert.Equal(t, 3, b.Len(ctx))
	assert.True(t, b.Contains(ctx, 7))
	assert.False(t, b.Contains(ctx, 3))
	assert.Equal(t, []uint32{1, 2, 3}, b.ToArray(bg))

	lo, ok := b.Min(ctx)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), lo)
	hi, _ := b.Max(ctx)
	assert.Equal(t, uint32(7), hi)

	_, ok = b.ContentID(ctx)
	assert.False(t, ok, "layer content has no identity")
	id, ok := b.ContentID(bg)
	assert.True(t, ok)

	commit, err := tx.Commit()
	require.NoError(t, err)
	nb := txn.Committed(commit, b)
	assert.Equal(t, []uint32{1, 2, 7}, nb.ToArray(bg))
	nid, _ := nb.ContentID(bg)
	assert.NotEqual(t, id, nid)
}

func TestBitmap_SnapshotMemoized(t *testing.T) {
	b := collection.NewBitmap(1)
	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	b.Add(ctx, 2)
	s1 := b.Snapshot(ctx)
	assert.Same(t, s1, b.Snapshot(ctx))
	b.Add(ctx, 2)
	assert.Same(t, s1, b.Snapshot(ctx), "no-op add keeps the snapshot")
	b.Add(ctx, 3)
	s2 := b.Snapshot(ctx)
	assert.NotSame(t, s1, s2)
	assert.True(t, s2.Equals(roaring.BitmapOf(1, 2, 3)))
	assert.True(t, s1.Equals(roaring.BitmapOf(1, 2)))
}

func TestBitmap_Direct(t *testing.T) {
	bg := context.Background()
	b := collection.NewBitmap()
	assert.True(t, b.IsEmpty(bg))
	_, ok := b.Min(bg)
	assert.False(t, ok)

	id0, _ := b.ContentID(bg)
	held := b.Snapshot(bg)
	b.AddAll(bg, 5, 3, 9)
	id1, _ := b.ContentID(bg)
	assert.NotEqual(t, id0, id1, "direct mutation changes the content identity")
	assert.True(t, held.IsEmpty(), "handed out snapshots are never mutated")
	assert.True(t, b.Remove(bg, 3))

	var got []uint32
	b.Range(bg, func(id uint32) bool {
		got = append(got, id)
		return true
	})
	assert.Equal(t, []uint32{5, 9}, got)
	assert.True(t, b.IsDirty())
}

func TestBitmap_DirtyParts(t *testing.T) {
	bg := context.Background()
	a, b := collection.NewBitmap(1), collection.NewBitmap(1)
	ctx, tx, err := txn.Begin(bg)
	require.NoError(t, err)
	a.Add(ctx, 2)
	b.Add(ctx, 2)
	commit, err := tx.Commit()
	require.NoError(t, err)

	parts, err := commit.DirtyParts()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "bitmap", parts[0].Kind)
	assert.Equal(t, parts[0].Fingerprint, parts[1].Fingerprint, "equal content, equal fingerprint")
	assert.Equal(t, a.ID(), parts[0].PreviousID)
}
