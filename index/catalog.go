// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package index

import (
	"context"
	"io"
	"sort"

	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/txn"
)

// Catalog is the versioned root of all entity indexes. Resolving a catalog
// through a txn.Commit yields the catalog every committed index is
// reachable from.
type Catalog struct {
	txn.Dirty
	id       uint64
	opts     options
	entities *collection.Map[string, *EntityIndex]
}

// NewCatalog returns an empty catalog.
func NewCatalog(opts ...Option) *Catalog {
	o := options{alloc: txn.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	return &Catalog{
		id:       o.alloc.Next(),
		opts:     o,
		entities: collection.NewMap[string, *EntityIndex](o.collection()),
	}
}

// ID implements txn.VersionedObject.
func (c *Catalog) ID() uint64 { return c.id }

// Kind names the part in commit dirty parts.
func (c *Catalog) Kind() string { return "catalog" }

// Register returns the index of entityType, creating it if needed.
func (c *Catalog) Register(ctx context.Context, entityType string) *EntityIndex {
	x, ok := c.entities.Get(ctx, entityType)
	if !ok {
		x = newEntityIndex(entityType, nil, c.opts)
		c.entities.Put(ctx, entityType, x)
	}
	return x
}

// Entity returns the index of entityType.
func (c *Catalog) Entity(ctx context.Context, entityType string) (*EntityIndex, bool) {
	return c.entities.Get(ctx, entityType)
}

// Types returns the registered entity types, sorted.
func (c *Catalog) Types(ctx context.Context) []string {
	types := c.entities.Keys(ctx)
	sort.Strings(types)
	return types
}

// Upsert indexes e as an entity of a registered type.
func (c *Catalog) Upsert(ctx context.Context, entityType string, e query.Entity) error {
	x, ok := c.entities.Get(ctx, entityType)
	if !ok {
		return errors.Newf(errors.ErrUnknownEntityType, "entity type '%s' is not registered", entityType)
	}
	x.Upsert(ctx, e)
	return nil
}

// Remove unindexes an entity of a registered type and reports whether it
// existed.
func (c *Catalog) Remove(ctx context.Context, entityType string, pk uint32) (bool, error) {
	x, ok := c.entities.Get(ctx, entityType)
	if !ok {
		return false, errors.Newf(errors.ErrUnknownEntityType, "entity type '%s' is not registered", entityType)
	}
	return x.Remove(ctx, pk), nil
}

// Merge implements txn.Mergeable.
func (c *Catalog) Merge(mc *txn.MergeContext) txn.VersionedObject {
	changed := false
	entities := resolve(mc, c.entities, &changed)
	if !changed {
		return c
	}
	n := &Catalog{id: c.opts.alloc.Next(), opts: c.opts, entities: entities}
	n.MarkDirty()
	return n
}

// WriteFingerprint implements txn.Fingerprinter.
func (c *Catalog) WriteFingerprint(w io.Writer) error {
	return writeParts(w, "catalog", c.entities)
}
