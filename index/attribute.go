// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package index

import (
	"context"
	"io"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/txn"
)

// ValueCount is a distinct attribute value and the number of records having
// it.
type ValueCount struct {
	Value query.Value
	Count int
}

func compareValueCounts(a, b ValueCount) int { return a.Value.Compare(b.Value) }

// AttributeIndex indexes one attribute of one entity type three ways: the
// filter index maps each value to the bitmap of records having it, the sort
// index lists primary keys in ascending (value, primary key) order and the
// cardinality index counts the records per distinct value.
type AttributeIndex struct {
	txn.Dirty
	id   uint64
	opts options
	name string

	values      *collection.Map[uint32, query.Value]
	filter      *collection.Map[query.Value, *collection.Bitmap]
	sort        *collection.List[uint32]
	cardinality *collection.ObjArray[ValueCount]
}

func newAttributeIndex(name string, o options) *AttributeIndex {
	return &AttributeIndex{
		id:     o.alloc.Next(),
		opts:   o,
		name:   name,
		values: collection.NewMap[uint32, query.Value](o.collection()),
		filter: collection.NewMap[query.Value, *collection.Bitmap](o.collection()),
		sort:   collection.NewList[uint32](nil, o.collection()),
		cardinality: collection.NewObjArray(compareValueCounts,
			collection.WithArrayAllocator[ValueCount](o.alloc),
			collection.WithProducer(func(existing, incoming ValueCount) ValueCount {
				existing.Count += incoming.Count
				return existing
			}),
			collection.WithReducer(func(existing, removed ValueCount) ValueCount {
				existing.Count -= removed.Count
				return existing
			}),
			collection.WithObsoleteChecker(func(vc ValueCount) bool { return vc.Count <= 0 }),
		),
	}
}

// ID implements txn.VersionedObject.
func (a *AttributeIndex) ID() uint64 { return a.id }

// Kind names the part in commit dirty parts.
func (a *AttributeIndex) Kind() string { return "attribute-index" }

// Name returns the attribute name.
func (a *AttributeIndex) Name() string { return a.name }

// Value returns the value of the attribute for pk.
func (a *AttributeIndex) Value(ctx context.Context, pk uint32) (query.Value, bool) {
	return a.values.Get(ctx, pk)
}

// Records returns the bitmap of records having v.
func (a *AttributeIndex) Records(ctx context.Context, v query.Value) (*collection.Bitmap, bool) {
	return a.filter.Get(ctx, v)
}

// Histogram returns the distinct values with their record counts, in value
// order.
func (a *AttributeIndex) Histogram(ctx context.Context) []ValueCount {
	return a.cardinality.Slice(ctx)
}

// Distinct returns the number of distinct values.
func (a *AttributeIndex) Distinct(ctx context.Context) int { return a.cardinality.Len(ctx) }

// Sorted returns the indexed primary keys ordered by value, then primary
// key. desc reverses the value order; ties stay in ascending primary key.
func (a *AttributeIndex) Sorted(ctx context.Context, desc bool) []uint32 {
	pks := a.sort.Slice(ctx)
	if !desc {
		return pks
	}
	out := make([]uint32, 0, len(pks))
	for end := len(pks); end > 0; {
		v, _ := a.values.Get(ctx, pks[end-1])
		start := end - 1
		for start > 0 {
			pv, _ := a.values.Get(ctx, pks[start-1])
			if pv != v {
				break
			}
			start--
		}
		out = append(out, pks[start:end]...)
		end = start
	}
	return out
}

// position returns where (v, pk) is or belongs in the sort index.
func (a *AttributeIndex) position(ctx context.Context, v query.Value, pk uint32) int {
	return sort.Search(a.sort.Len(ctx), func(i int) bool {
		other := a.sort.Get(ctx, i)
		ov, _ := a.values.Get(ctx, other)
		if c := ov.Compare(v); c != 0 {
			return c > 0
		}
		return other >= pk
	})
}

func (a *AttributeIndex) add(ctx context.Context, pk uint32, v query.Value) {
	a.sort.Insert(ctx, a.position(ctx, v, pk), pk)
	a.values.Put(ctx, pk, v)

	bm, ok := a.filter.Get(ctx, v)
	if !ok {
		bm = collection.NewBitmapOf(roaring.New(), a.opts.collection())
		a.filter.Put(ctx, v, bm)
	}
	bm.Add(ctx, pk)
	a.cardinality.Add(ctx, ValueCount{Value: v, Count: 1})
}

func (a *AttributeIndex) remove(ctx context.Context, pk uint32) {
	v, ok := a.values.Get(ctx, pk)
	if !ok {
		return
	}
	a.sort.RemoveAt(ctx, a.position(ctx, v, pk))
	a.values.Remove(ctx, pk)

	if bm, ok := a.filter.Get(ctx, v); ok {
		bm.Remove(ctx, pk)
		if bm.IsEmpty(ctx) {
			a.filter.Remove(ctx, v)
		}
	}
	a.cardinality.Remove(ctx, ValueCount{Value: v, Count: 1})
}

// Merge implements txn.Mergeable.
func (a *AttributeIndex) Merge(mc *txn.MergeContext) txn.VersionedObject {
	changed := false
	n := &AttributeIndex{
		opts:        a.opts,
		name:        a.name,
		values:      resolve(mc, a.values, &changed),
		filter:      resolve(mc, a.filter, &changed),
		sort:        resolve(mc, a.sort, &changed),
		cardinality: resolve(mc, a.cardinality, &changed),
	}
	if !changed {
		return a
	}
	n.id = a.opts.alloc.Next()
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (a *AttributeIndex) WriteFingerprint(w io.Writer) error {
	return writeParts(w, "attribute "+a.name, a.values, a.filter, a.sort, a.cardinality)
}
