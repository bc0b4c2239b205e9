// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package collection

import (
	"context"
	"io"
	"slices"

	"github.com/featurebasedb/bitplan/txn"
)

// List is a transactional positional list.
type List[V any] struct {
	txn.Dirty
	id        uint64
	alloc     *txn.Allocator
	base      []V
	versioned bool
}

// piece is a run of n consecutive values starting at start, either in the
// base slice or in the layer's append-only value buffer.
type piece struct {
	added bool
	start int
	n     int
}

// listLayer is a piece table over the base slice. Base values are never
// copied before commit.
type listLayer[V any] struct {
	pieces []piece
	adds   []V
	length int
}

// NewList returns a list holding a copy of values.
func NewList[V any](values []V, opts ...Option) *List[V] {
	c := newConfig(opts)
	return &List[V]{
		id:        c.alloc.Next(),
		alloc:     c.alloc,
		base:      slices.Clone(values),
		versioned: holdsVersioned[V](),
	}
}

// ID implements txn.VersionedObject.
func (l *List[V]) ID() uint64 { return l.id }

// Kind names the part in commit dirty parts.
func (l *List[V]) Kind() string { return "list" }

// CreateLayer implements txn.LayerCreator.
func (l *List[V]) CreateLayer() *listLayer[V] {
	ll := &listLayer[V]{length: len(l.base)}
	if len(l.base) > 0 {
		ll.pieces = []piece{{start: 0, n: len(l.base)}}
	}
	return ll
}

func (ll *listLayer[V]) value(base []V, p piece, off int) V {
	if p.added {
		return ll.adds[p.start+off]
	}
	return base[p.start+off]
}

// locate returns the piece holding position pos and the offset within it.
func (ll *listLayer[V]) locate(pos int) (int, int) {
	off := 0
	for i, p := range ll.pieces {
		if pos < off+p.n {
			return i, pos - off
		}
		off += p.n
	}
	return len(ll.pieces), 0
}

// split makes pos the first position of a piece and returns that piece's
// index.
func (ll *listLayer[V]) split(pos int) int {
	i, off := ll.locate(pos)
	if off == 0 {
		return i
	}
	p := ll.pieces[i]
	ll.pieces[i] = piece{added: p.added, start: p.start, n: off}
	ll.pieces = slices.Insert(ll.pieces, i+1, piece{added: p.added, start: p.start + off, n: p.n - off})
	return i + 1
}

func (ll *listLayer[V]) insert(pos int, v V) {
	ll.adds = append(ll.adds, v)
	idx := len(ll.adds) - 1
	if pos == ll.length && len(ll.pieces) > 0 {
		last := &ll.pieces[len(ll.pieces)-1]
		if last.added && last.start+last.n == idx {
			last.n++
			ll.length++
			return
		}
	}
	i := ll.split(pos)
	ll.pieces = slices.Insert(ll.pieces, i, piece{added: true, start: idx, n: 1})
	ll.length++
}

func (ll *listLayer[V]) remove(pos int) {
	i := ll.split(pos)
	if ll.pieces[i].n == 1 {
		ll.pieces = slices.Delete(ll.pieces, i, i+1)
	} else {
		ll.pieces[i].start++
		ll.pieces[i].n--
	}
	ll.length--
}

func (ll *listLayer[V]) set(pos int, v V) {
	i, off := ll.locate(pos)
	if p := ll.pieces[i]; p.added {
		ll.adds[p.start+off] = v
		return
	}
	ll.adds = append(ll.adds, v)
	i = ll.split(pos)
	ll.split(pos + 1)
	ll.pieces[i] = piece{added: true, start: len(ll.adds) - 1, n: 1}
}

func (ll *listLayer[V]) materialize(base []V) []V {
	out := make([]V, 0, ll.length)
	for _, p := range ll.pieces {
		if p.added {
			out = append(out, ll.adds[p.start:p.start+p.n]...)
		} else {
			out = append(out, base[p.start:p.start+p.n]...)
		}
	}
	return out
}

func (l *List[V]) layer(ctx context.Context) (*listLayer[V], bool) {
	return txn.GetLayerIfExists[*listLayer[V]](ctx, l)
}

func (l *List[V]) writeLayer(ctx context.Context) (*listLayer[V], bool) {
	return txn.GetOrCreateLayer[*listLayer[V]](ctx, l)
}

// Len returns the number of values.
func (l *List[V]) Len(ctx context.Context) int {
	if ll, ok := l.layer(ctx); ok {
		return ll.length
	}
	return len(l.base)
}

// IsEmpty reports whether the list holds no value.
func (l *List[V]) IsEmpty(ctx context.Context) bool { return l.Len(ctx) == 0 }

// Get returns the value at position i. It panics when i is out of range.
func (l *List[V]) Get(ctx context.Context, i int) V {
	if n := l.Len(ctx); i < 0 || i >= n {
		outOfRange(i, n)
	}
	if ll, ok := l.layer(ctx); ok {
		p, off := ll.locate(i)
		return ll.value(l.base, ll.pieces[p], off)
	}
	return l.base[i]
}

// Set replaces the value at position i and returns the previous one.
func (l *List[V]) Set(ctx context.Context, i int, v V) V {
	prev := l.Get(ctx, i)
	if ll, ok := l.writeLayer(ctx); ok {
		ll.set(i, v)
		return prev
	}
	base := slices.Clone(l.base)
	base[i] = v
	l.base = base
	l.MarkDirty()
	return prev
}

// Insert inserts v at position i, shifting later values. i may equal Len.
func (l *List[V]) Insert(ctx context.Context, i int, v V) {
	if n := l.Len(ctx); i < 0 || i > n {
		outOfRange(i, n)
	}
	if ll, ok := l.writeLayer(ctx); ok {
		ll.insert(i, v)
		return
	}
	l.base = slices.Insert(slices.Clone(l.base), i, v)
	l.MarkDirty()
}

// Append adds v at the end of the list.
func (l *List[V]) Append(ctx context.Context, v V) {
	l.Insert(ctx, l.Len(ctx), v)
}

// RemoveAt removes the value at position i and returns it.
func (l *List[V]) RemoveAt(ctx context.Context, i int) V {
	prev := l.Get(ctx, i)
	if ll, ok := l.writeLayer(ctx); ok {
		ll.remove(i)
		return prev
	}
	l.base = slices.Delete(slices.Clone(l.base), i, i+1)
	l.MarkDirty()
	return prev
}

// Clear removes every value.
func (l *List[V]) Clear(ctx context.Context) {
	if ll, ok := l.writeLayer(ctx); ok {
		ll.pieces, ll.length = nil, 0
		return
	}
	l.base = nil
	l.MarkDirty()
}

// IndexOf returns the first position holding a value equal to v, or -1.
func (l *List[V]) IndexOf(ctx context.Context, v V, eq func(a, b V) bool) int {
	found := -1
	l.Range(ctx, func(i int, x V) bool {
		if eq(x, v) {
			found = i
			return false
		}
		return true
	})
	return found
}

// Range calls fn for every value in order. Returning false stops.
func (l *List[V]) Range(ctx context.Context, fn func(i int, v V) bool) {
	ll, ok := l.layer(ctx)
	if !ok {
		for i, v := range l.base {
			if !fn(i, v) {
				return
			}
		}
		return
	}
	i := 0
	for _, p := range ll.pieces {
		for off := 0; off < p.n; off++ {
			if !fn(i, ll.value(l.base, p, off)) {
				return
			}
			i++
		}
	}
}

// Slice returns a copy of the merged view.
func (l *List[V]) Slice(ctx context.Context) []V {
	if ll, ok := l.layer(ctx); ok {
		return ll.materialize(l.base)
	}
	return slices.Clone(l.base)
}

// Iter returns a positional iterator over the merged view.
func (l *List[V]) Iter(ctx context.Context) *ListIterator[V] {
	return &ListIterator[V]{ctx: ctx, l: l, pos: -1}
}

// ListIterator walks a list by position. Removing the current value keeps
// the iterator on the value that followed it.
type ListIterator[V any] struct {
	ctx context.Context
	l   *List[V]
	pos int
	val V
}

// Next advances the iterator and reports whether a value is available.
func (it *ListIterator[V]) Next() bool {
	it.pos++
	if it.pos >= it.l.Len(it.ctx) {
		return false
	}
	it.val = it.l.Get(it.ctx, it.pos)
	return true
}

// Index returns the position of the current value.
func (it *ListIterator[V]) Index() int { return it.pos }

// Value returns the current value.
func (it *ListIterator[V]) Value() V { return it.val }

// Remove removes the current value through the list.
func (it *ListIterator[V]) Remove() {
	it.l.RemoveAt(it.ctx, it.pos)
	it.pos--
}

// Merge implements txn.Mergeable.
func (l *List[V]) Merge(mc *txn.MergeContext) txn.VersionedObject {
	base := l.base
	ll, changed := txn.Layer[*listLayer[V]](mc, l)
	if changed {
		base = ll.materialize(l.base)
	}
	if l.versioned {
		cloned := changed
		for i, v := range base {
			nv, ok := txn.ResolveValue(mc, v)
			if !ok {
				continue
			}
			if !cloned {
				base, cloned = slices.Clone(base), true
			}
			base[i] = nv
			changed = true
		}
	}
	if !changed {
		return l
	}
	n := &List[V]{
		id:        l.alloc.Next(),
		alloc:     l.alloc,
		base:      base,
		versioned: l.versioned,
	}
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (l *List[V]) WriteFingerprint(w io.Writer) error {
	for _, v := range l.base {
		if err := writeValue(w, v); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
