// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/featurebasedb/bitplan/errors"
	"github.com/zeebo/blake3"
)

// MergeContext is the arena used while building committed copies. It maps an
// old identity to the committed instance that replaces it, so every object
// reachable from several parents is merged exactly once and all parents end
// up pointing at the same committed copy.
type MergeContext struct {
	txID     uint64
	layers   map[uint64]*layerEntry
	consumed map[uint64]bool
	resolved map[uint64]VersionedObject
	pending  map[uint64]bool
	parts    []*mergedPart
}

type mergedPart struct {
	previous VersionedObject
	current  VersionedObject
}

func newMergeContext(txID uint64, layers map[uint64]*layerEntry) *MergeContext {
	return &MergeContext{
		txID:     txID,
		layers:   layers,
		consumed: make(map[uint64]bool),
		resolved: make(map[uint64]VersionedObject),
		pending:  make(map[uint64]bool),
	}
}

// Resolve returns the committed version of obj. Objects that are not
// Mergeable are their own committed version.
func (mc *MergeContext) Resolve(obj VersionedObject) VersionedObject {
	if isNil(obj) {
		return nil
	}
	id := obj.ID()
	if r, ok := mc.resolved[id]; ok {
		return r
	}
	m, ok := obj.(Mergeable)
	if !ok {
		return obj
	}
	if mc.pending[id] {
		errors.Invariantf("cycle detected while merging object %d (%T)", id, obj)
	}
	mc.pending[id] = true
	r := m.Merge(mc)
	delete(mc.pending, id)
	if r == nil {
		errors.Invariantf("merge of object %d (%T) produced nil", id, obj)
	}
	mc.resolved[id] = r
	if r.ID() != id {
		mc.parts = append(mc.parts, &mergedPart{previous: obj, current: r})
	}
	return r
}

// Layer returns the layer registered for owner in the committed transaction
// and marks it consumed. A layer is consumed exactly once.
func Layer[L any](mc *MergeContext, owner VersionedObject) (L, bool) {
	var zero L
	e, ok := mc.layers[owner.ID()]
	if !ok {
		return zero, false
	}
	if mc.consumed[owner.ID()] {
		errors.Invariantf("layer of object %d consumed twice in transaction %d", owner.ID(), mc.txID)
	}
	mc.consumed[owner.ID()] = true
	return e.layer.(L), true
}

// ResolveValue resolves v when it holds a versioned object and reports
// whether the committed version differs from v.
func ResolveValue[V any](mc *MergeContext, v V) (V, bool) {
	vo, ok := any(v).(VersionedObject)
	if !ok || isNil(vo) {
		return v, false
	}
	r := mc.Resolve(vo)
	if r.ID() == vo.ID() {
		return v, false
	}
	nv, ok := r.(V)
	if !ok {
		errors.Invariantf("committed version of %T is %T", v, r)
	}
	return nv, true
}

func isNil(vo VersionedObject) bool {
	if vo == nil {
		return true
	}
	rv := reflect.ValueOf(vo)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func (mc *MergeContext) unconsumed() int {
	n := 0
	for id := range mc.layers {
		if !mc.consumed[id] {
			n++
		}
	}
	return n
}

// Commit is the outcome of a committed transaction.
type Commit struct {
	mu sync.Mutex
	mc *MergeContext
}

// Resolve returns the committed version of obj. Objects that were not touched
// and have no touched descendants resolve to themselves.
func (c *Commit) Resolve(obj VersionedObject) VersionedObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mc.Resolve(obj)
}

// Committed is the typed form of Commit.Resolve.
func Committed[T VersionedObject](c *Commit, obj T) T {
	r := c.Resolve(obj)
	t, ok := r.(T)
	if !ok {
		errors.Invariantf("committed version of %T is %T", obj, r)
	}
	return t
}

// Kinder is optionally implemented by versioned objects to name the kind of
// part they represent in DirtyParts.
type Kinder interface {
	Kind() string
}

// Fingerprinter is optionally implemented by versioned objects to write a
// canonical rendering of their content, digested into DirtyPart.Fingerprint.
type Fingerprinter interface {
	WriteFingerprint(w io.Writer) error
}

// DirtyPart describes one new version produced by a commit.
type DirtyPart struct {
	ID          uint64
	PreviousID  uint64
	Kind        string
	Fingerprint [16]byte
	Object      VersionedObject
}

// DirtyParts enumerates, in ascending new identity, the committed versions
// that are still dirty.
func (c *Commit) DirtyParts() ([]DirtyPart, error) {
	c.mu.Lock()
	parts := make([]*mergedPart, len(c.mc.parts))
	copy(parts, c.mc.parts)
	c.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].current.ID() < parts[j].current.ID() })

	out := make([]DirtyPart, 0, len(parts))
	for _, p := range parts {
		if d, ok := p.current.(Dirtier); ok && !d.IsDirty() {
			continue
		}
		dp := DirtyPart{
			ID:         p.current.ID(),
			PreviousID: p.previous.ID(),
			Kind:       fmt.Sprintf("%T", p.current),
			Object:     p.current,
		}
		if k, ok := p.current.(Kinder); ok {
			dp.Kind = k.Kind()
		}
		if f, ok := p.current.(Fingerprinter); ok {
			h := blake3.New()
			if err := f.WriteFingerprint(h); err != nil {
				return nil, errors.Wrapf(err, "fingerprinting part %d", dp.ID)
			}
			_, _ = h.Digest().Read(dp.Fingerprint[:])
		}
		out = append(out, dp)
	}
	return out, nil
}

// ResetDirty clears the dirty flag of every version produced by the commit.
func (c *Commit) ResetDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.mc.parts {
		if d, ok := p.current.(Dirtier); ok {
			d.ResetDirty()
		}
	}
}
