// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package index

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/txn"
)

// Scope identifies a reduced index: the entities referencing ID through
// Reference.
type Scope struct {
	Reference string
	ID        uint32
}

func (s Scope) String() string { return fmt.Sprintf("%s=%d", s.Reference, s.ID) }

// Ensure EntityIndex implements interface.
var _ query.EntityFetcher = &EntityIndex{}

// EntityIndex holds the indexes of one entity type. The global index also
// keeps the entity bodies and the reduced indexes; a reduced index only
// holds the bitmaps of its scope.
type EntityIndex struct {
	txn.Dirty
	id         uint64
	opts       options
	entityType string
	scope      *Scope

	all        *collection.Bitmap
	attributes *collection.Map[string, *AttributeIndex]
	references *collection.Map[string, *ReferenceIndex]

	// global index only
	bodies  *collection.Map[uint32, query.Entity]
	reduced *collection.Map[Scope, *EntityIndex]
}

func newEntityIndex(entityType string, scope *Scope, o options) *EntityIndex {
	idx := &EntityIndex{
		id:         o.alloc.Next(),
		opts:       o,
		entityType: entityType,
		scope:      scope,
		all:        collection.NewBitmapOf(roaring.New(), o.collection()),
		attributes: collection.NewMap[string, *AttributeIndex](o.collection()),
		references: collection.NewMap[string, *ReferenceIndex](o.collection()),
	}
	if scope == nil {
		idx.bodies = collection.NewMap[uint32, query.Entity](o.collection())
		idx.reduced = collection.NewMap[Scope, *EntityIndex](o.collection())
	}
	return idx
}

// ID implements txn.VersionedObject.
func (x *EntityIndex) ID() uint64 { return x.id }

// Kind names the part in commit dirty parts.
func (x *EntityIndex) Kind() string {
	if x.scope != nil {
		return "reduced-entity-index"
	}
	return "entity-index"
}

// Type returns the entity type.
func (x *EntityIndex) Type() string { return x.entityType }

// Scope returns the scope of a reduced index.
func (x *EntityIndex) Scope() (Scope, bool) {
	if x.scope == nil {
		return Scope{}, false
	}
	return *x.scope, true
}

// All returns the bitmap of every record in scope.
func (x *EntityIndex) All() *collection.Bitmap { return x.all }

// Len returns the number of records in scope.
func (x *EntityIndex) Len(ctx context.Context) int { return x.all.Len(ctx) }

// Attribute returns the index of an attribute that at least one record in
// scope has, or had.
func (x *EntityIndex) Attribute(ctx context.Context, name string) (*AttributeIndex, bool) {
	return x.attributes.Get(ctx, name)
}

// Reference returns the index of a reference.
func (x *EntityIndex) Reference(ctx context.Context, name string) (*ReferenceIndex, bool) {
	return x.references.Get(ctx, name)
}

// Reduced returns the reduced index of scope s. Reduced indexes have no
// reduced indexes of their own.
func (x *EntityIndex) Reduced(ctx context.Context, s Scope) (*EntityIndex, bool) {
	if x.reduced == nil {
		return nil, false
	}
	return x.reduced.Get(ctx, s)
}

// Scopes returns the scopes of the reduced indexes, ordered.
func (x *EntityIndex) Scopes(ctx context.Context) []Scope {
	if x.reduced == nil {
		return nil
	}
	scopes := x.reduced.Keys(ctx)
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].Reference != scopes[j].Reference {
			return scopes[i].Reference < scopes[j].Reference
		}
		return scopes[i].ID < scopes[j].ID
	})
	return scopes
}

// Get returns the body of the entity pk.
func (x *EntityIndex) Get(ctx context.Context, pk uint32) (query.Entity, bool) {
	if x.bodies == nil {
		return query.Entity{}, false
	}
	return x.bodies.Get(ctx, pk)
}

// FetchEntities implements query.EntityFetcher over the entity bodies kept
// by the global index.
func (x *EntityIndex) FetchEntities(ctx context.Context, pks []uint32, req query.Requirements) ([]query.Entity, error) {
	if x.bodies == nil {
		return nil, fmt.Errorf("reduced index %s of %s keeps no entity bodies", x.scope, x.entityType)
	}
	out := make([]query.Entity, 0, len(pks))
	for _, pk := range pks {
		if e, ok := x.bodies.Get(ctx, pk); ok {
			out = append(out, e.Trimmed(req))
		}
	}
	return out, nil
}

// normalize copies e with sorted, deduplicated reference ids.
func normalize(e query.Entity) query.Entity {
	out := query.Entity{PrimaryKey: e.PrimaryKey, Attributes: make(map[string]query.Value, len(e.Attributes))}
	for k, v := range e.Attributes {
		if !v.IsZero() {
			out.Attributes[k] = v
		}
	}
	if len(e.References) > 0 {
		out.References = make(map[string][]uint32, len(e.References))
		for k, ids := range e.References {
			ids = slices.Clone(ids)
			slices.Sort(ids)
			out.References[k] = slices.Compact(ids)
		}
	}
	return out
}

// Upsert indexes e, replacing the previous version of the same primary key.
// Only the global index accepts writes; reduced indexes follow it.
func (x *EntityIndex) Upsert(ctx context.Context, e query.Entity) {
	if x.bodies == nil {
		errors.Invariantf("upsert into reduced index %s of %s", x.scope, x.entityType)
	}
	e = normalize(e)
	if old, ok := x.bodies.Get(ctx, e.PrimaryKey); ok {
		x.unindex(ctx, old)
	}
	x.bodies.Put(ctx, e.PrimaryKey, e)
	x.index(ctx, e)
}

// Remove unindexes the entity pk and reports whether it existed.
func (x *EntityIndex) Remove(ctx context.Context, pk uint32) bool {
	if x.bodies == nil {
		errors.Invariantf("remove from reduced index %s of %s", x.scope, x.entityType)
	}
	old, ok := x.bodies.Remove(ctx, pk)
	if ok {
		x.unindex(ctx, old)
	}
	return ok
}

func (x *EntityIndex) attribute(ctx context.Context, name string) *AttributeIndex {
	a, ok := x.attributes.Get(ctx, name)
	if !ok {
		a = newAttributeIndex(name, x.opts)
		x.attributes.Put(ctx, name, a)
	}
	return a
}

func (x *EntityIndex) reference(ctx context.Context, name string) *ReferenceIndex {
	r, ok := x.references.Get(ctx, name)
	if !ok {
		r = newReferenceIndex(name, x.opts)
		x.references.Put(ctx, name, r)
	}
	return r
}

func (x *EntityIndex) index(ctx context.Context, e query.Entity) {
	x.all.Add(ctx, e.PrimaryKey)
	for name, v := range e.Attributes {
		x.attribute(ctx, name).add(ctx, e.PrimaryKey, v)
	}
	for name, ids := range e.References {
		ref := x.reference(ctx, name)
		for _, id := range ids {
			ref.add(ctx, id, e.PrimaryKey)
			if x.reduced == nil {
				continue
			}
			s := Scope{Reference: name, ID: id}
			r, ok := x.reduced.Get(ctx, s)
			if !ok {
				r = newEntityIndex(x.entityType, &s, x.opts)
				x.reduced.Put(ctx, s, r)
			}
			r.index(ctx, e)
		}
	}
}

func (x *EntityIndex) unindex(ctx context.Context, e query.Entity) {
	x.all.Remove(ctx, e.PrimaryKey)
	for name := range e.Attributes {
		if a, ok := x.attributes.Get(ctx, name); ok {
			a.remove(ctx, e.PrimaryKey)
		}
	}
	for name, ids := range e.References {
		ref, ok := x.references.Get(ctx, name)
		if !ok {
			continue
		}
		for _, id := range ids {
			ref.remove(ctx, id, e.PrimaryKey)
			if x.reduced == nil {
				continue
			}
			s := Scope{Reference: name, ID: id}
			if r, ok := x.reduced.Get(ctx, s); ok {
				r.unindex(ctx, e)
				if r.all.IsEmpty(ctx) {
					x.reduced.Remove(ctx, s)
				}
			}
		}
	}
}

// Merge implements txn.Mergeable.
func (x *EntityIndex) Merge(mc *txn.MergeContext) txn.VersionedObject {
	changed := false
	n := &EntityIndex{
		opts:       x.opts,
		entityType: x.entityType,
		scope:      x.scope,
		all:        resolve(mc, x.all, &changed),
		attributes: resolve(mc, x.attributes, &changed),
		references: resolve(mc, x.references, &changed),
	}
	if x.scope == nil {
		n.bodies = resolve(mc, x.bodies, &changed)
		n.reduced = resolve(mc, x.reduced, &changed)
	}
	if !changed {
		return x
	}
	n.id = x.opts.alloc.Next()
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (x *EntityIndex) WriteFingerprint(w io.Writer) error {
	header := "entity " + x.entityType
	parts := []txn.VersionedObject{x.all, x.attributes, x.references}
	if x.scope != nil {
		header += " " + x.scope.String()
	} else {
		parts = append(parts, x.bodies, x.reduced)
	}
	return writeParts(w, header, parts...)
}
