// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package index_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/txn"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func product(pk uint32, color string, size int64, brands ...uint32) query.Entity {
	e := query.Entity{
		PrimaryKey: pk,
		Attributes: map[string]query.Value{"size": query.Int(size)},
	}
	if color != "" {
		e.Attributes["color"] = query.String(color)
	}
	if len(brands) > 0 {
		e.References = map[string][]uint32{"brand": brands}
	}
	return e
}

func seed(t *testing.T, ctx context.Context, c *index.Catalog) {
	t.Helper()
	c.Register(ctx, "product")
	for _, e := range []query.Entity{
		product(1, "red", 40, 10),
		product(2, "blue", 42, 10, 11),
		product(3, "red", 38, 11),
		product(4, "", 42),
		product(5, "red", 42, 10, 10),
	} {
		require.NoError(t, c.Upsert(ctx, "product", e))
	}
}

func records(t *testing.T, ctx context.Context, x *index.EntityIndex, attr string, v query.Value) []uint32 {
	t.Helper()
	a, ok := x.Attribute(ctx, attr)
	require.True(t, ok, "attribute %s", attr)
	bm, ok := a.Records(ctx, v)
	if !ok {
		return nil
	}
	return bm.ToArray(ctx)
}

func TestCatalog_CommitPublishesNewVersion(t *testing.T) {
	alloc := txn.NewAllocator()
	c := index.NewCatalog(index.OptAllocator(alloc))

	ctx, tx, err := txn.Begin(context.Background(), txn.WithAllocator(alloc))
	require.NoError(t, err)
	seed(t, ctx, c)

	x, ok := c.Entity(ctx, "product")
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 3, 5}, records(t, ctx, x, "color", query.String("red")))

	// Outside the transaction nothing is visible yet.
	_, ok = c.Entity(context.Background(), "product")
	assert.False(t, ok)

	commit, err := tx.Commit()
	require.NoError(t, err)
	committed := txn.Committed(commit, c)
	assert.NotEqual(t, c.ID(), committed.ID())

	bg := context.Background()
	x, ok = committed.Entity(bg, "product")
	require.True(t, ok)
	assert.Equal(t, 5, x.Len(bg))
	assert.Equal(t, []uint32{1, 3, 5}, records(t, bg, x, "color", query.String("red")))
	assert.Equal(t, []string{"product"}, committed.Types(bg))

	parts, err := commit.DirtyParts()
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, p := range parts {
		kinds[p.Kind]++
	}
	assert.Equal(t, 1, kinds["catalog"])
	assert.Equal(t, 1, kinds["entity-index"])
	assert.Equal(t, 2, kinds["reduced-entity-index"])
	assert.Greater(t, kinds["attribute-index"], 2)
}

func TestAttributeIndex(t *testing.T) {
	ctx := context.Background()
	c := index.NewCatalog()
	seed(t, ctx, c)
	x, _ := c.Entity(ctx, "product")

	size, ok := x.Attribute(ctx, "size")
	require.True(t, ok)
	assert.Equal(t, []uint32{3, 1, 2, 4, 5}, size.Sorted(ctx, false))
	assert.Equal(t, []uint32{2, 4, 5, 1, 3}, size.Sorted(ctx, true))
	if diff := cmp.Diff([]index.ValueCount{
		{Value: query.Int(38), Count: 1},
		{Value: query.Int(40), Count: 1},
		{Value: query.Int(42), Count: 3},
	}, size.Histogram(ctx), cmp.Comparer(func(a, b query.Value) bool { return a == b })); diff != "" {
		t.Fatalf("histogram mismatch (-want +got):\n%s", diff)
	}

	// Moving a record to another value maintains all three indexes.
	x.Upsert(ctx, product(2, "red", 38, 10, 11))
	assert.Equal(t, []uint32{2, 3, 1, 4, 5}, size.Sorted(ctx, false))
	assert.Equal(t, []uint32{1, 2, 3, 5}, records(t, ctx, x, "color", query.String("red")))
	assert.Nil(t, records(t, ctx, x, "color", query.String("blue")))
	color, _ := x.Attribute(ctx, "color")
	assert.Equal(t, 1, color.Distinct(ctx))

	assert.True(t, x.Remove(ctx, 4))
	assert.False(t, x.Remove(ctx, 4))
	assert.Equal(t, []uint32{2, 3, 1, 5}, size.Sorted(ctx, false))
	assert.Equal(t, 3, size.Distinct(ctx))
	v, ok := size.Value(ctx, 5)
	assert.True(t, ok)
	assert.Equal(t, query.Int(42), v)
}

func TestReducedIndexes(t *testing.T) {
	ctx := context.Background()
	c := index.NewCatalog()
	seed(t, ctx, c)
	x, _ := c.Entity(ctx, "product")

	assert.Equal(t, []index.Scope{{Reference: "brand", ID: 10}, {Reference: "brand", ID: 11}}, x.Scopes(ctx))
	r10, ok := x.Reduced(ctx, index.Scope{Reference: "brand", ID: 10})
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 5}, r10.All().ToArray(ctx))
	assert.Equal(t, []uint32{1, 5}, records(t, ctx, r10, "color", query.String("red")))
	s, ok := r10.Scope()
	assert.True(t, ok)
	assert.Equal(t, "brand=10", s.String())

	brand, ok := x.Reference(ctx, "brand")
	require.True(t, ok)
	assert.Equal(t, []uint32{10, 11}, brand.Referenced(ctx))
	bm, _ := brand.Referencing(ctx, 11)
	assert.Equal(t, []uint32{2, 3}, bm.ToArray(ctx))

	// The last referencing record gone, the reduced index goes too.
	x.Upsert(ctx, product(3, "red", 38, 10))
	x.Remove(ctx, 2)
	_, ok = x.Reduced(ctx, index.Scope{Reference: "brand", ID: 11})
	assert.False(t, ok)
	assert.Equal(t, []uint32{10}, brand.Referenced(ctx))

	_, err := r10.FetchEntities(ctx, []uint32{1}, nil)
	assert.Error(t, err)
	var iv error
	func() {
		defer errors.CatchInvariant(&iv)
		r10.Upsert(ctx, product(9, "red", 1))
	}()
	assert.True(t, errors.Is(iv, errors.ErrInvariant))
}

func TestFetchEntities(t *testing.T) {
	ctx := context.Background()
	c := index.NewCatalog()
	seed(t, ctx, c)
	x, _ := c.Entity(ctx, "product")

	got, err := x.FetchEntities(ctx, []uint32{5, 99, 1}, query.Requirements{query.SectionReferences})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(5), got[0].PrimaryKey)
	assert.Nil(t, got[0].Attributes)
	assert.Equal(t, []uint32{10}, got[0].References["brand"], "reference ids are deduplicated")

	e, ok := x.Get(ctx, 4)
	assert.True(t, ok)
	assert.Nil(t, e.References)
}

func TestCatalog_Rollback(t *testing.T) {
	c := index.NewCatalog()
	seed(t, context.Background(), c)

	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)
	x, _ := c.Entity(ctx, "product")
	x.Remove(ctx, 1)
	require.NoError(t, c.Upsert(ctx, "product", product(6, "green", 50, 12)))
	assert.Equal(t, 5, x.Len(ctx))
	tx.Rollback()

	bg := context.Background()
	assert.Equal(t, 5, x.Len(bg))
	_, ok := x.Reduced(bg, index.Scope{Reference: "brand", ID: 12})
	assert.False(t, ok)
	assert.Equal(t, []uint32{1, 3, 5}, records(t, bg, x, "color", query.String("red")))
}

func TestCatalog_UnknownType(t *testing.T) {
	c := index.NewCatalog()
	err := c.Upsert(context.Background(), "missing", product(1, "red", 1))
	assert.True(t, errors.Is(err, errors.ErrUnknownEntityType))
	_, err = c.Remove(context.Background(), "missing", 1)
	assert.True(t, errors.Is(err, errors.ErrUnknownEntityType))
}
