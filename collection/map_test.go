// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package collection_test

import (
	"context"
	"sort"
	"testing"

	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/txn"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededMap(t *testing.T) *collection.Map[string, int] {
	t.Helper()
	m := collection.NewMap[string, int]()
	m.Put(context.Background(), "a", 1)
	m.Put(context.Background(), "b", 2)
	m.ResetDirty()
	return m
}

func TestMap_SnapshotIsolation(t *testing.T) {
	m := seededMap(t)
	bg := context.Background()

	ctx, tx, err := txn.Begin(bg)
	require.NoError(t, err)
	m.Put(ctx, "a", 3)
	m.Put(ctx, "c", 3)

	if diff := cmp.Diff(map[string]int{"a": 3, "b": 2, "c": 3}, m.Snapshot(ctx)); diff != "" {
		t.Fatalf("in-transaction view mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 2}, m.Snapshot(bg)); diff != "" {
		t.Fatalf("outside view mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, m.Len(ctx))
	assert.Equal(t, 2, m.Len(bg))

	commit, err := tx.Commit()
	require.NoError(t, err)
	nm := txn.Committed(commit, m)

	if diff := cmp.Diff(map[string]int{"a": 3, "b": 2, "c": 3}, nm.Snapshot(bg)); diff != "" {
		t.Fatalf("committed view mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 2}, m.Snapshot(bg)); diff != "" {
		t.Fatalf("original changed after commit (-want +got):\n%s", diff)
	}
	assert.NotEqual(t, m.ID(), nm.ID())
	assert.True(t, nm.IsDirty())
	assert.False(t, m.IsDirty())
}

func TestMap_RemoveAndReput(t *testing.T) {
	m := seededMap(t)
	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	v, ok := m.Remove(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.False(t, m.Contains(ctx, "a"))
	assert.Equal(t, 1, m.Len(ctx))

	_, ok = m.Remove(ctx, "a")
	assert.False(t, ok)

	prev, existed := m.Put(ctx, "a", 7)
	assert.False(t, existed)
	assert.Equal(t, 0, prev)
	assert.Equal(t, 2, m.Len(ctx))

	m.Put(ctx, "z", 1)
	m.Remove(ctx, "z")
	assert.Equal(t, 2, m.Len(ctx))
	assert.Equal(t, map[string]int{"a": 7, "b": 2}, m.Snapshot(ctx))
}

func TestMap_PutValueNoOp(t *testing.T) {
	m := seededMap(t)
	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	cur, ok := m.PutValue(ctx, "a", collection.NoOp[int]())
	assert.True(t, ok)
	assert.Equal(t, 1, cur)
	assert.Equal(t, 1, m.Len(ctx))
	assert.Equal(t, 0, tx.Touched(), "ignored placeholder must not create a layer")

	m.PutValue(ctx, "n", collection.NoOp[int]())
	v, ok := m.Get(ctx, "n")
	assert.True(t, ok)
	assert.Equal(t, 0, v)

	m.PutValue(ctx, "a", collection.Val(9))
	v, _ = m.Get(ctx, "a")
	assert.Equal(t, 9, v)
	assert.True(t, collection.NoOp[string]().IsNoOp())
}

func TestMap_ClearInTransaction(t *testing.T) {
	m := seededMap(t)
	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)

	m.Put(ctx, "c", 3)
	m.Clear(ctx)
	assert.True(t, m.IsEmpty(ctx))
	assert.Empty(t, m.Keys(ctx))

	m.Put(ctx, "b", 20)
	assert.Equal(t, map[string]int{"b": 20}, m.Snapshot(ctx))

	commit, err := tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 20}, txn.Committed(commit, m).Snapshot(context.Background()))
}

func TestMap_IterRemove(t *testing.T) {
	m := seededMap(t)
	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	m.Put(ctx, "c", 3)
	m.Put(ctx, "b", 22)

	var seen []string
	for it := m.Iter(ctx); it.Next(); {
		seen = append(seen, it.Key())
		if it.Value()%2 == 0 {
			it.Remove()
		}
	}
	sort.Strings(seen)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, map[string]int{"a": 1, "c": 3}, m.Snapshot(ctx))
	assert.Equal(t, 2, m.Len(ctx))
}

func TestMap_RangeStops(t *testing.T) {
	m := seededMap(t)
	n := 0
	m.Range(context.Background(), func(string, int) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}

func TestMap_DirectMutation(t *testing.T) {
	m := collection.NewMap[int, string]()
	bg := context.Background()
	m.Put(bg, 1, "x")
	m.Put(bg, 2, "y")
	m.Remove(bg, 1)
	assert.Equal(t, map[int]string{2: "y"}, m.Snapshot(bg))
	assert.True(t, m.IsDirty())
	m.Clear(bg)
	assert.True(t, m.IsEmpty(bg))
}

type key struct {
	entity string
	pk     int
}

func TestMap_StructKeys(t *testing.T) {
	m := collection.NewMap[key, int]()
	bg := context.Background()
	m.Put(bg, key{"product", 1}, 10)
	m.Put(bg, key{"product", 2}, 20)
	v, ok := m.Get(bg, key{"product", 2})
	assert.True(t, ok)
	assert.Equal(t, 20, v)
	assert.False(t, m.Contains(bg, key{"brand", 2}))
}

func TestMap_NestedResolution(t *testing.T) {
	bg := context.Background()
	outer := collection.NewMap[string, *collection.Bitmap]()
	inner := collection.NewBitmap(1, 2)
	untouched := collection.NewBitmap(5)
	outer.Put(bg, "x", inner)
	outer.Put(bg, "y", untouched)

	ctx, tx, err := txn.Begin(bg)
	require.NoError(t, err)
	inner.Add(ctx, 3)
	commit, err := tx.Commit()
	require.NoError(t, err)

	nouter := txn.Committed(commit, outer)
	require.NotSame(t, outer, nouter)
	nx, _ := nouter.Get(bg, "x")
	assert.Equal(t, []uint32{1, 2, 3}, nx.ToArray(bg))
	ny, _ := nouter.Get(bg, "y")
	assert.Same(t, untouched, ny)
	ox, _ := outer.Get(bg, "x")
	assert.Equal(t, []uint32{1, 2}, ox.ToArray(bg))
}
