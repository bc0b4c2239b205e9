// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package index

import (
	"context"
	"io"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/txn"
)

// ReferenceIndex maps every entity referenced through one reference to the
// bitmap of records referencing it.
type ReferenceIndex struct {
	txn.Dirty
	id   uint64
	opts options
	name string

	referencing *collection.Map[uint32, *collection.Bitmap]
}

func newReferenceIndex(name string, o options) *ReferenceIndex {
	return &ReferenceIndex{
		id:          o.alloc.Next(),
		opts:        o,
		name:        name,
		referencing: collection.NewMap[uint32, *collection.Bitmap](o.collection()),
	}
}

// ID implements txn.VersionedObject.
func (r *ReferenceIndex) ID() uint64 { return r.id }

// Kind names the part in commit dirty parts.
func (r *ReferenceIndex) Kind() string { return "reference-index" }

// Name returns the reference name.
func (r *ReferenceIndex) Name() string { return r.name }

// Referencing returns the records referencing id.
func (r *ReferenceIndex) Referencing(ctx context.Context, id uint32) (*collection.Bitmap, bool) {
	return r.referencing.Get(ctx, id)
}

// Referenced returns the referenced ids in ascending order.
func (r *ReferenceIndex) Referenced(ctx context.Context) []uint32 {
	ids := r.referencing.Keys(ctx)
	slices.Sort(ids)
	return ids
}

func (r *ReferenceIndex) add(ctx context.Context, id, pk uint32) {
	bm, ok := r.referencing.Get(ctx, id)
	if !ok {
		bm = collection.NewBitmapOf(roaring.New(), r.opts.collection())
		r.referencing.Put(ctx, id, bm)
	}
	bm.Add(ctx, pk)
}

func (r *ReferenceIndex) remove(ctx context.Context, id, pk uint32) {
	bm, ok := r.referencing.Get(ctx, id)
	if !ok {
		return
	}
	bm.Remove(ctx, pk)
	if bm.IsEmpty(ctx) {
		r.referencing.Remove(ctx, id)
	}
}

// Merge implements txn.Mergeable.
func (r *ReferenceIndex) Merge(mc *txn.MergeContext) txn.VersionedObject {
	changed := false
	referencing := resolve(mc, r.referencing, &changed)
	if !changed {
		return r
	}
	n := &ReferenceIndex{
		id:          r.opts.alloc.Next(),
		opts:        r.opts,
		name:        r.name,
		referencing: referencing,
	}
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (r *ReferenceIndex) WriteFingerprint(w io.Writer) error {
	return writeParts(w, "reference "+r.name, r.referencing)
}
