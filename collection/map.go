// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package collection

import (
	"context"
	"hash/maphash"
	"io"

	"github.com/benbjohnson/immutable"
	"github.com/featurebasedb/bitplan/txn"
)

// comparableHasher hashes any comparable key for immutable.Map, which only
// ships hashers for builtin kinds.
type comparableHasher[K comparable] struct {
	seed maphash.Seed
}

func (h comparableHasher[K]) Hash(k K) uint32 {
	v := maphash.Comparable(h.seed, k)
	return uint32(v ^ v>>32)
}

func (h comparableHasher[K]) Equal(a, b K) bool { return a == b }

// Value is a value handed to Map.PutValue: either a real value or the no-op
// placeholder returned by NoOp.
type Value[V any] struct {
	v    V
	noop bool
}

// Val wraps v.
func Val[V any](v V) Value[V] { return Value[V]{v: v} }

// NoOp returns the placeholder value. Putting it on a key that exists in the
// merged view is silently ignored; on a missing key it stores the zero value.
func NoOp[V any]() Value[V] { return Value[V]{noop: true} }

// IsNoOp reports whether v is the placeholder.
func (v Value[V]) IsNoOp() bool { return v.noop }

// Map is a transactional hash map.
type Map[K comparable, V any] struct {
	txn.Dirty
	id        uint64
	alloc     *txn.Allocator
	hasher    comparableHasher[K]
	base      *immutable.Map[K, V]
	versioned bool
}

// mapLayer holds the deltas of one transaction. removed only holds base keys,
// values holds created and modified keys, and the two never overlap. created
// counts the keys of values absent from the base.
type mapLayer[K comparable, V any] struct {
	removed map[K]struct{}
	values  map[K]V
	created int
}

// NewMap returns an empty map.
func NewMap[K comparable, V any](opts ...Option) *Map[K, V] {
	c := newConfig(opts)
	h := comparableHasher[K]{seed: maphash.MakeSeed()}
	return &Map[K, V]{
		id:        c.alloc.Next(),
		alloc:     c.alloc,
		hasher:    h,
		base:      immutable.NewMap[K, V](h),
		versioned: holdsVersioned[V](),
	}
}

// ID implements txn.VersionedObject.
func (m *Map[K, V]) ID() uint64 { return m.id }

// Kind names the part in commit dirty parts.
func (m *Map[K, V]) Kind() string { return "map" }

// CreateLayer implements txn.LayerCreator.
func (m *Map[K, V]) CreateLayer() *mapLayer[K, V] {
	return &mapLayer[K, V]{
		removed: make(map[K]struct{}),
		values:  make(map[K]V),
	}
}

func (m *Map[K, V]) layer(ctx context.Context) (*mapLayer[K, V], bool) {
	return txn.GetLayerIfExists[*mapLayer[K, V]](ctx, m)
}

func (m *Map[K, V]) writeLayer(ctx context.Context) (*mapLayer[K, V], bool) {
	return txn.GetOrCreateLayer[*mapLayer[K, V]](ctx, m)
}

func (l *mapLayer[K, V]) get(base *immutable.Map[K, V], k K) (V, bool) {
	if v, ok := l.values[k]; ok {
		return v, true
	}
	if _, ok := l.removed[k]; ok {
		var zero V
		return zero, false
	}
	return base.Get(k)
}

// Get returns the value stored under k.
func (m *Map[K, V]) Get(ctx context.Context, k K) (V, bool) {
	if l, ok := m.layer(ctx); ok {
		return l.get(m.base, k)
	}
	return m.base.Get(k)
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(ctx context.Context, k K) bool {
	_, ok := m.Get(ctx, k)
	return ok
}

// Put stores v under k and returns the previous value, if any.
func (m *Map[K, V]) Put(ctx context.Context, k K, v V) (V, bool) {
	l, ok := m.writeLayer(ctx)
	if !ok {
		prev, existed := m.base.Get(k)
		m.base = m.base.Set(k, v)
		m.MarkDirty()
		return prev, existed
	}
	prev, existed := l.get(m.base, k)
	if _, inBase := m.base.Get(k); inBase {
		delete(l.removed, k)
	} else if _, inLayer := l.values[k]; !inLayer {
		l.created++
	}
	l.values[k] = v
	return prev, existed
}

// PutValue is Put accepting the no-op placeholder. A placeholder put on an
// existing key returns the current value and changes nothing.
func (m *Map[K, V]) PutValue(ctx context.Context, k K, v Value[V]) (V, bool) {
	if v.noop {
		if cur, ok := m.Get(ctx, k); ok {
			return cur, true
		}
		var zero V
		return m.Put(ctx, k, zero)
	}
	return m.Put(ctx, k, v.v)
}

// Remove deletes k and returns its value, if it was present.
func (m *Map[K, V]) Remove(ctx context.Context, k K) (V, bool) {
	var zero V
	if !m.Contains(ctx, k) {
		return zero, false
	}
	l, ok := m.writeLayer(ctx)
	if !ok {
		prev, _ := m.base.Get(k)
		m.base = m.base.Delete(k)
		m.MarkDirty()
		return prev, true
	}
	prev, _ := l.get(m.base, k)
	_, inBase := m.base.Get(k)
	if _, inLayer := l.values[k]; inLayer {
		delete(l.values, k)
		if !inBase {
			l.created--
		}
	}
	if inBase {
		l.removed[k] = struct{}{}
	}
	return prev, true
}

// Len returns the number of keys without materializing the merged view.
func (m *Map[K, V]) Len(ctx context.Context) int {
	if l, ok := m.layer(ctx); ok {
		return m.base.Len() - len(l.removed) + l.created
	}
	return m.base.Len()
}

// IsEmpty reports whether the map holds no key.
func (m *Map[K, V]) IsEmpty(ctx context.Context) bool { return m.Len(ctx) == 0 }

// Clear removes every key. Inside a transaction every base key is recorded
// as removed and the created and modified entries are dropped.
func (m *Map[K, V]) Clear(ctx context.Context) {
	l, ok := m.writeLayer(ctx)
	if !ok {
		m.base = immutable.NewMap[K, V](m.hasher)
		m.MarkDirty()
		return
	}
	itr := m.base.Iterator()
	for !itr.Done() {
		k, _, _ := itr.Next()
		l.removed[k] = struct{}{}
	}
	l.values = make(map[K]V)
	l.created = 0
}

// Range calls fn for every entry of the merged view in no particular order.
// Returning false stops the iteration.
func (m *Map[K, V]) Range(ctx context.Context, fn func(k K, v V) bool) {
	for it := m.Iter(ctx); it.Next(); {
		if !fn(it.Key(), it.Value()) {
			return
		}
	}
}

// Keys returns the keys of the merged view in no particular order.
func (m *Map[K, V]) Keys(ctx context.Context) []K {
	keys := make([]K, 0, m.Len(ctx))
	m.Range(ctx, func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Snapshot returns a plain copy of the merged view.
func (m *Map[K, V]) Snapshot(ctx context.Context) map[K]V {
	out := make(map[K]V, m.Len(ctx))
	m.Range(ctx, func(k K, v V) bool {
		out[k] = v
		return true
	})
	return out
}

// Iter returns an iterator over the merged view.
func (m *Map[K, V]) Iter(ctx context.Context) *MapIterator[K, V] {
	it := &MapIterator[K, V]{ctx: ctx, m: m, base: m.base.Iterator()}
	if l, ok := m.layer(ctx); ok {
		it.l = l
	}
	return it
}

// MapIterator walks the base entries that survive the layer, then the keys
// created by the layer.
type MapIterator[K comparable, V any] struct {
	ctx  context.Context
	m    *Map[K, V]
	l    *mapLayer[K, V]
	base *immutable.MapIterator[K, V]

	created []K
	pos     int
	inLayer bool

	key K
	val V
}

// Next advances the iterator and reports whether an entry is available.
func (it *MapIterator[K, V]) Next() bool {
	for !it.base.Done() {
		k, v, _ := it.base.Next()
		if it.l != nil {
			if _, ok := it.l.removed[k]; ok {
				continue
			}
			if lv, ok := it.l.values[k]; ok {
				v = lv
			}
		}
		it.key, it.val = k, v
		return true
	}
	if it.l == nil {
		return false
	}
	if !it.inLayer {
		it.inLayer = true
		for k := range it.l.values {
			if _, ok := it.m.base.Get(k); !ok {
				it.created = append(it.created, k)
			}
		}
	}
	for it.pos < len(it.created) {
		k := it.created[it.pos]
		it.pos++
		if v, ok := it.l.values[k]; ok {
			it.key, it.val = k, v
			return true
		}
	}
	return false
}

// Key returns the current key.
func (it *MapIterator[K, V]) Key() K { return it.key }

// Value returns the current value.
func (it *MapIterator[K, V]) Value() V { return it.val }

// Remove deletes the current entry through the map, so the removal is
// recorded in the same layer as any other write.
func (it *MapIterator[K, V]) Remove() {
	it.m.Remove(it.ctx, it.key)
	if it.l == nil {
		if l, ok := it.m.layer(it.ctx); ok {
			it.l = l
		}
	}
}

// Merge implements txn.Mergeable.
func (m *Map[K, V]) Merge(mc *txn.MergeContext) txn.VersionedObject {
	base := m.base
	l, changed := txn.Layer[*mapLayer[K, V]](mc, m)
	if changed {
		for k := range l.removed {
			base = base.Delete(k)
		}
		for k, v := range l.values {
			base = base.Set(k, v)
		}
	}
	if m.versioned {
		itr := base.Iterator()
		for !itr.Done() {
			k, v, _ := itr.Next()
			if nv, ok := txn.ResolveValue(mc, v); ok {
				base = base.Set(k, nv)
				changed = true
			}
		}
	}
	if !changed {
		return m
	}
	n := &Map[K, V]{
		id:        m.alloc.Next(),
		alloc:     m.alloc,
		hasher:    m.hasher,
		base:      base,
		versioned: m.versioned,
	}
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (m *Map[K, V]) WriteFingerprint(w io.Writer) error {
	return writeSortedEntries(w, m.base.Len(), func(fn func(k, v any)) {
		itr := m.base.Iterator()
		for !itr.Done() {
			k, v, _ := itr.Next()
			fn(k, v)
		}
	})
}
