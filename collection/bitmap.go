// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package collection

import (
	"context"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/txn"
)

// Bitmap is a transactional set of record ids.
type Bitmap struct {
	txn.Dirty
	id      uint64
	content uint64
	alloc   *txn.Allocator
	base    *roaring.Bitmap
}

// bitmapLayer holds mutually exclusive insertions and removals against the
// base. insertions never intersects the base, removals is a subset of it.
type bitmapLayer struct {
	insertions *roaring.Bitmap
	removals   *roaring.Bitmap

	revision uint64

	mu          sync.Mutex // guards the memoized snapshot, shared by readers
	snapshot    *roaring.Bitmap
	snapshotRev uint64
}

// NewBitmap returns a bitmap holding ids.
func NewBitmap(ids ...uint32) *Bitmap {
	return NewBitmapOf(roaring.BitmapOf(ids...))
}

// NewBitmapOf returns a bitmap holding a copy of rb.
func NewBitmapOf(rb *roaring.Bitmap, opts ...Option) *Bitmap {
	c := newConfig(opts)
	id := c.alloc.Next()
	return &Bitmap{id: id, content: id, alloc: c.alloc, base: rb.Clone()}
}

// ID implements txn.VersionedObject.
func (b *Bitmap) ID() uint64 { return b.id }

// Kind names the part in commit dirty parts.
func (b *Bitmap) Kind() string { return "bitmap" }

// CreateLayer implements txn.LayerCreator.
func (b *Bitmap) CreateLayer() *bitmapLayer {
	return &bitmapLayer{insertions: roaring.New(), removals: roaring.New()}
}

func (b *Bitmap) layer(ctx context.Context) (*bitmapLayer, bool) {
	return txn.GetLayerIfExists[*bitmapLayer](ctx, b)
}

func (b *Bitmap) writeLayer(ctx context.Context) (*bitmapLayer, bool) {
	return txn.GetOrCreateLayer[*bitmapLayer](ctx, b)
}

func (l *bitmapLayer) contains(base *roaring.Bitmap, id uint32) bool {
	if l.insertions.Contains(id) {
		return true
	}
	return base.Contains(id) && !l.removals.Contains(id)
}

func (l *bitmapLayer) addRecord(base *roaring.Bitmap, id uint32) bool {
	var changed bool
	if base.Contains(id) {
		changed = l.removals.CheckedRemove(id)
	} else {
		changed = l.insertions.CheckedAdd(id)
	}
	if changed {
		l.revision++
	}
	return changed
}

// removeRecord removes id from the merged view. The id must be present.
func (l *bitmapLayer) removeRecord(base *roaring.Bitmap, id uint32) {
	switch {
	case l.insertions.CheckedRemove(id):
	case base.Contains(id) && l.removals.CheckedAdd(id):
	default:
		errors.Invariantf("record %d is not present in the bitmap and cannot be removed", id)
	}
	l.revision++
}

func (l *bitmapLayer) merged(base *roaring.Bitmap) *roaring.Bitmap {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snapshot == nil || l.snapshotRev != l.revision {
		rb := roaring.Or(base, l.insertions)
		rb.AndNot(l.removals)
		l.snapshot, l.snapshotRev = rb, l.revision
	}
	return l.snapshot
}

// Add inserts id and reports whether it was absent.
func (b *Bitmap) Add(ctx context.Context, id uint32) bool {
	if l, ok := b.writeLayer(ctx); ok {
		return l.addRecord(b.base, id)
	}
	if b.base.Contains(id) {
		return false
	}
	rb := b.base.Clone()
	rb.Add(id)
	b.replaceBase(rb)
	return true
}

// AddAll inserts every id.
func (b *Bitmap) AddAll(ctx context.Context, ids ...uint32) {
	if l, ok := b.writeLayer(ctx); ok {
		for _, id := range ids {
			l.addRecord(b.base, id)
		}
		return
	}
	rb := b.base.Clone()
	rb.AddMany(ids)
	b.replaceBase(rb)
}

// Remove deletes id and reports whether it was present.
func (b *Bitmap) Remove(ctx context.Context, id uint32) bool {
	if !b.Contains(ctx, id) {
		return false
	}
	if l, ok := b.writeLayer(ctx); ok {
		l.removeRecord(b.base, id)
		return true
	}
	rb := b.base.Clone()
	rb.Remove(id)
	b.replaceBase(rb)
	return true
}

// replaceBase installs a directly mutated base, which gets a new content
// identity.
func (b *Bitmap) replaceBase(rb *roaring.Bitmap) {
	b.base = rb
	b.content = b.alloc.Next()
	b.MarkDirty()
}

// Contains reports whether id is present.
func (b *Bitmap) Contains(ctx context.Context, id uint32) bool {
	if l, ok := b.layer(ctx); ok {
		return l.contains(b.base, id)
	}
	return b.base.Contains(id)
}

// Len returns the number of ids without materializing the merged view.
func (b *Bitmap) Len(ctx context.Context) int {
	n := b.base.GetCardinality()
	if l, ok := b.layer(ctx); ok {
		n = n + l.insertions.GetCardinality() - l.removals.GetCardinality()
	}
	return int(n)
}

// IsEmpty reports whether the bitmap holds no id.
func (b *Bitmap) IsEmpty(ctx context.Context) bool { return b.Len(ctx) == 0 }

// Min returns the lowest id.
func (b *Bitmap) Min(ctx context.Context) (uint32, bool) {
	rb := b.Snapshot(ctx)
	if rb.IsEmpty() {
		return 0, false
	}
	return rb.Minimum(), true
}

// Max returns the highest id.
func (b *Bitmap) Max(ctx context.Context) (uint32, bool) {
	rb := b.Snapshot(ctx)
	if rb.IsEmpty() {
		return 0, false
	}
	return rb.Maximum(), true
}

// ToArray returns the ids in ascending order.
func (b *Bitmap) ToArray(ctx context.Context) []uint32 {
	return b.Snapshot(ctx).ToArray()
}

// Range calls fn for every id in ascending order. Returning false stops.
func (b *Bitmap) Range(ctx context.Context, fn func(id uint32) bool) {
	b.Snapshot(ctx).Iterate(fn)
}

// Snapshot returns the merged view. The result is shared and must not be
// modified; it is memoized until the layer changes.
func (b *Bitmap) Snapshot(ctx context.Context) *roaring.Bitmap {
	if l, ok := b.layer(ctx); ok {
		return l.merged(b.base)
	}
	return b.base
}

// ContentID returns an identity that changes whenever the content the
// context observes changes. It is unavailable while ctx holds a layer for
// the bitmap, since the layer's content has no identity of its own.
func (b *Bitmap) ContentID(ctx context.Context) (uint64, bool) {
	if _, ok := b.layer(ctx); ok {
		return 0, false
	}
	return b.content, true
}

// Merge implements txn.Mergeable.
func (b *Bitmap) Merge(mc *txn.MergeContext) txn.VersionedObject {
	l, ok := txn.Layer[*bitmapLayer](mc, b)
	if !ok {
		return b
	}
	rb := roaring.Or(b.base, l.insertions)
	rb.AndNot(l.removals)
	rb.RunOptimize()
	id := b.alloc.Next()
	n := &Bitmap{id: id, content: id, alloc: b.alloc, base: rb}
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (b *Bitmap) WriteFingerprint(w io.Writer) error {
	_, err := b.base.WriteTo(w)
	return err
}
