// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package collection

import (
	"context"
	"io"
	"slices"
	"sort"

	"github.com/featurebasedb/bitplan/txn"
)

type arrayPolicy[T any] struct {
	cmp      func(a, b T) int
	producer func(existing, incoming T) T
	reducer  func(existing, removed T) T
	obsolete func(T) bool
	alloc    *txn.Allocator

	// versioned is set when elements can be versioned objects, resolved
	// to their committed copies on merge.
	versioned bool
}

// ObjArrayOption configures an ObjArray.
type ObjArrayOption[T any] func(*arrayPolicy[T])

// WithProducer sets the function combining an existing element with an
// incoming element of equal key. Without a producer adding an existing key
// changes nothing.
func WithProducer[T any](fn func(existing, incoming T) T) ObjArrayOption[T] {
	return func(p *arrayPolicy[T]) { p.producer = fn }
}

// WithReducer sets the function reducing an existing element by a removed
// element of equal key. The reduced element stays in place unless the
// obsolete checker reports it obsolete. Without a reducer removal is
// physical.
func WithReducer[T any](fn func(existing, removed T) T) ObjArrayOption[T] {
	return func(p *arrayPolicy[T]) { p.reducer = fn }
}

// WithObsoleteChecker sets the predicate telling elements that must not be
// kept: obsolete incoming elements are never inserted, and elements that
// become obsolete through the producer or the reducer are removed.
func WithObsoleteChecker[T any](fn func(T) bool) ObjArrayOption[T] {
	return func(p *arrayPolicy[T]) { p.obsolete = fn }
}

// WithArrayAllocator sets the identity allocator of the array.
func WithArrayAllocator[T any](a *txn.Allocator) ObjArrayOption[T] {
	return func(p *arrayPolicy[T]) { p.alloc = a }
}

func (p *arrayPolicy[T]) isObsolete(v T) bool {
	return p.obsolete != nil && p.obsolete(v)
}

// ObjArray is a transactional array of unique elements kept in ascending
// order of cmp. Every lookup is a binary search.
type ObjArray[T any] struct {
	txn.Dirty
	id     uint64
	policy *arrayPolicy[T]
	base   []T
}

// arrayLayer records the deltas of one transaction against the base array.
// added is sorted and never holds a key present at a live base position,
// removed is the sorted list of removed base positions, modified maps live
// base positions to their replacement.
type arrayLayer[T any] struct {
	added    []T
	removed  []int
	modified map[int]T
}

// NewObjArray returns an empty array ordered by cmp.
func NewObjArray[T any](cmp func(a, b T) int, opts ...ObjArrayOption[T]) *ObjArray[T] {
	p := &arrayPolicy[T]{cmp: cmp, alloc: txn.DefaultAllocator, versioned: holdsVersioned[T]()}
	for _, opt := range opts {
		opt(p)
	}
	return &ObjArray[T]{id: p.alloc.Next(), policy: p}
}

// ID implements txn.VersionedObject.
func (a *ObjArray[T]) ID() uint64 { return a.id }

// Kind names the part in commit dirty parts.
func (a *ObjArray[T]) Kind() string { return "objarray" }

// CreateLayer implements txn.LayerCreator.
func (a *ObjArray[T]) CreateLayer() *arrayLayer[T] {
	return &arrayLayer[T]{modified: make(map[int]T)}
}

func (a *ObjArray[T]) layer(ctx context.Context) (*arrayLayer[T], bool) {
	return txn.GetLayerIfExists[*arrayLayer[T]](ctx, a)
}

func (a *ObjArray[T]) writeLayer(ctx context.Context) (*arrayLayer[T], bool) {
	return txn.GetOrCreateLayer[*arrayLayer[T]](ctx, a)
}

func (a *ObjArray[T]) searchBase(v T) (int, bool) {
	return slices.BinarySearchFunc(a.base, v, a.policy.cmp)
}

func (a *ObjArray[T]) searchAdded(l *arrayLayer[T], v T) (int, bool) {
	return slices.BinarySearchFunc(l.added, v, a.policy.cmp)
}

func (l *arrayLayer[T]) isRemoved(pos int) bool {
	_, ok := slices.BinarySearch(l.removed, pos)
	return ok
}

// removedBefore counts removed base positions lower than pos.
func (l *arrayLayer[T]) removedBefore(pos int) int {
	i, _ := slices.BinarySearch(l.removed, pos)
	return i
}

// slot locates an element in the merged view.
type slot struct {
	found bool
	added bool
	pos   int // base position or index in added
}

func (a *ObjArray[T]) find(l *arrayLayer[T], v T) (slot, T) {
	var zero T
	bp, inBase := a.searchBase(v)
	if l == nil {
		if inBase {
			return slot{found: true, pos: bp}, a.base[bp]
		}
		return slot{pos: bp}, zero
	}
	if inBase && !l.isRemoved(bp) {
		if m, ok := l.modified[bp]; ok {
			return slot{found: true, pos: bp}, m
		}
		return slot{found: true, pos: bp}, a.base[bp]
	}
	ap, inAdded := a.searchAdded(l, v)
	if inAdded {
		return slot{found: true, added: true, pos: ap}, l.added[ap]
	}
	return slot{pos: ap}, zero
}

// Add inserts v, merging it into an element of equal key through the
// producer. It reports whether the merged view changed.
func (a *ObjArray[T]) Add(ctx context.Context, v T) bool {
	l, ok := a.writeLayer(ctx)
	if !ok {
		return a.addBase(v)
	}
	s, existing := a.find(l, v)
	if s.found {
		if a.policy.producer == nil {
			return false
		}
		n := a.policy.producer(existing, v)
		if a.policy.isObsolete(n) {
			a.physicalRemove(l, s)
			return true
		}
		a.replace(l, s, n)
		return true
	}
	if a.policy.isObsolete(v) {
		return false
	}
	if bp, inBase := a.searchBase(v); inBase {
		// Re-adding a key removed in this layer revives its base slot.
		i, _ := slices.BinarySearch(l.removed, bp)
		l.removed = slices.Delete(l.removed, i, i+1)
		l.modified[bp] = v
		return true
	}
	l.added = slices.Insert(l.added, s.pos, v)
	return true
}

func (a *ObjArray[T]) addBase(v T) bool {
	pos, found := a.searchBase(v)
	if found {
		if a.policy.producer == nil {
			return false
		}
		n := a.policy.producer(a.base[pos], v)
		if a.policy.isObsolete(n) {
			a.base = slices.Delete(slices.Clone(a.base), pos, pos+1)
		} else {
			base := slices.Clone(a.base)
			base[pos] = n
			a.base = base
		}
		a.MarkDirty()
		return true
	}
	if a.policy.isObsolete(v) {
		return false
	}
	a.base = slices.Insert(slices.Clone(a.base), pos, v)
	a.MarkDirty()
	return true
}

func (a *ObjArray[T]) replace(l *arrayLayer[T], s slot, v T) {
	if s.added {
		l.added[s.pos] = v
		return
	}
	l.modified[s.pos] = v
}

func (a *ObjArray[T]) physicalRemove(l *arrayLayer[T], s slot) {
	if s.added {
		l.added = slices.Delete(l.added, s.pos, s.pos+1)
		return
	}
	delete(l.modified, s.pos)
	i, _ := slices.BinarySearch(l.removed, s.pos)
	l.removed = slices.Insert(l.removed, i, s.pos)
}

// Remove removes the element of v's key. With a reducer the element is
// reduced in place and only dropped once obsolete. It reports whether the
// merged view changed.
func (a *ObjArray[T]) Remove(ctx context.Context, v T) bool {
	if !a.Contains(ctx, v) {
		return false
	}
	l, ok := a.writeLayer(ctx)
	if !ok {
		pos, _ := a.searchBase(v)
		base := slices.Clone(a.base)
		if n, keep := a.reduce(base[pos], v); keep {
			base[pos] = n
		} else {
			base = slices.Delete(base, pos, pos+1)
		}
		a.base = base
		a.MarkDirty()
		return true
	}
	s, existing := a.find(l, v)
	if n, keep := a.reduce(existing, v); keep {
		a.replace(l, s, n)
	} else {
		a.physicalRemove(l, s)
	}
	return true
}

func (a *ObjArray[T]) reduce(existing, removed T) (T, bool) {
	if a.policy.reducer == nil {
		return existing, false
	}
	n := a.policy.reducer(existing, removed)
	return n, !a.policy.isObsolete(n)
}

// Contains reports whether an element of v's key is present.
func (a *ObjArray[T]) Contains(ctx context.Context, v T) bool {
	l, _ := a.layer(ctx)
	s, _ := a.find(l, v)
	return s.found
}

// Find returns the element of v's key.
func (a *ObjArray[T]) Find(ctx context.Context, v T) (T, bool) {
	l, _ := a.layer(ctx)
	s, e := a.find(l, v)
	return e, s.found
}

// IndexOf returns the position of v's key in the merged view, or -1.
func (a *ObjArray[T]) IndexOf(ctx context.Context, v T) int {
	l, ok := a.layer(ctx)
	if !ok {
		if pos, found := a.searchBase(v); found {
			return pos
		}
		return -1
	}
	s, _ := a.find(l, v)
	if !s.found {
		return -1
	}
	if s.added {
		bp, _ := a.searchBase(v)
		return s.pos + bp - l.removedBefore(bp)
	}
	ap, _ := a.searchAdded(l, v)
	return s.pos - l.removedBefore(s.pos) + ap
}

// Len returns the number of elements.
func (a *ObjArray[T]) Len(ctx context.Context) int {
	if l, ok := a.layer(ctx); ok {
		return len(a.base) - len(l.removed) + len(l.added)
	}
	return len(a.base)
}

// IsEmpty reports whether the array holds no element.
func (a *ObjArray[T]) IsEmpty(ctx context.Context) bool { return a.Len(ctx) == 0 }

// Get returns the element at position i of the merged view.
func (a *ObjArray[T]) Get(ctx context.Context, i int) T {
	l, ok := a.layer(ctx)
	if !ok {
		if i < 0 || i >= len(a.base) {
			outOfRange(i, len(a.base))
		}
		return a.base[i]
	}
	if n := len(a.base) - len(l.removed) + len(l.added); i < 0 || i >= n {
		outOfRange(i, n)
	}
	// The element at i is either added[j] with j added elements before it,
	// or a live base element; binary search the number of added elements
	// preceding position i.
	j := sort.Search(len(l.added), func(j int) bool {
		bp, _ := a.searchBase(l.added[j])
		return j+bp-l.removedBefore(bp) > i
	})
	if j > 0 {
		bp, _ := a.searchBase(l.added[j-1])
		if j-1+bp-l.removedBefore(bp) == i {
			return l.added[j-1]
		}
	}
	// The i-j-th live base position.
	live := i - j
	pos := sort.Search(len(a.base), func(p int) bool {
		return p+1-l.removedBefore(p+1) > live
	})
	if m, ok := l.modified[pos]; ok {
		return m
	}
	return a.base[pos]
}

// Range calls fn for every element in ascending order. Returning false stops.
func (a *ObjArray[T]) Range(ctx context.Context, fn func(i int, v T) bool) {
	l, ok := a.layer(ctx)
	if !ok {
		for i, v := range a.base {
			if !fn(i, v) {
				return
			}
		}
		return
	}
	a.mergeWalk(l, fn)
}

func (a *ObjArray[T]) mergeWalk(l *arrayLayer[T], fn func(i int, v T) bool) {
	bi, ai, ri, out := 0, 0, 0, 0
	for bi < len(a.base) || ai < len(l.added) {
		if bi < len(a.base) && ri < len(l.removed) && l.removed[ri] == bi {
			bi++
			ri++
			continue
		}
		var v T
		if ai >= len(l.added) || (bi < len(a.base) && a.policy.cmp(a.base[bi], l.added[ai]) < 0) {
			v = a.base[bi]
			if m, ok := l.modified[bi]; ok {
				v = m
			}
			bi++
		} else {
			v = l.added[ai]
			ai++
		}
		if !fn(out, v) {
			return
		}
		out++
	}
}

// Slice returns a copy of the merged view.
func (a *ObjArray[T]) Slice(ctx context.Context) []T {
	out := make([]T, 0, a.Len(ctx))
	a.Range(ctx, func(_ int, v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Iter returns an iterator over the merged view in ascending order.
func (a *ObjArray[T]) Iter(ctx context.Context) *ObjArrayIterator[T] {
	return &ObjArrayIterator[T]{ctx: ctx, a: a, pos: -1}
}

// ObjArrayIterator walks an ObjArray by position.
type ObjArrayIterator[T any] struct {
	ctx context.Context
	a   *ObjArray[T]
	pos int
	val T
}

// Next advances the iterator and reports whether an element is available.
func (it *ObjArrayIterator[T]) Next() bool {
	it.pos++
	if it.pos >= it.a.Len(it.ctx) {
		return false
	}
	it.val = it.a.Get(it.ctx, it.pos)
	return true
}

// Value returns the current element.
func (it *ObjArrayIterator[T]) Value() T { return it.val }

// Remove removes the current element through the array. A reduced element
// that stays in place is not visited again.
func (it *ObjArrayIterator[T]) Remove() {
	before := it.a.Len(it.ctx)
	it.a.Remove(it.ctx, it.val)
	if it.a.Len(it.ctx) < before {
		it.pos--
	}
}

// Merge implements txn.Mergeable. Elements holding versioned objects are
// replaced by their committed copies, even when the array itself has no
// layer.
func (a *ObjArray[T]) Merge(mc *txn.MergeContext) txn.VersionedObject {
	base := a.base
	l, changed := txn.Layer[*arrayLayer[T]](mc, a)
	if changed {
		base = make([]T, 0, len(a.base)-len(l.removed)+len(l.added))
		a.mergeWalk(l, func(_ int, v T) bool {
			base = append(base, v)
			return true
		})
	}
	if a.policy.versioned {
		cloned, resolved := changed, false
		for i, v := range base {
			nv, ok := txn.ResolveValue(mc, v)
			if !ok {
				continue
			}
			if !cloned {
				base, cloned = slices.Clone(base), true
			}
			base[i] = nv
			resolved = true
		}
		if resolved {
			// Committed copies carry new identities; keep cmp order.
			slices.SortStableFunc(base, a.policy.cmp)
			changed = true
		}
	}
	if !changed {
		return a
	}
	n := &ObjArray[T]{id: a.policy.alloc.Next(), policy: a.policy, base: base}
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (a *ObjArray[T]) WriteFingerprint(w io.Writer) error {
	for _, v := range a.base {
		if err := writeValue(w, v); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
