// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package index maintains the bitmap indexes the planner builds formulas
// from. A Catalog holds one EntityIndex per entity type; an EntityIndex holds
// the all-records bitmap, one AttributeIndex per attribute, one
// ReferenceIndex per reference and, for every referenced entity, a reduced
// EntityIndex restricted to the entities referencing it.
//
// Every index is a graph of transactional collections. Mutations follow the
// transaction bound to the context they receive; committing it yields a new
// version of every index whose collections changed.
package index

import (
	"fmt"
	"io"

	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/txn"
)

type options struct {
	alloc *txn.Allocator
}

// Option configures a Catalog.
type Option func(o *options)

// OptAllocator sets the allocator every index and collection of the catalog
// draws its identities from.
func OptAllocator(a *txn.Allocator) Option {
	return func(o *options) { o.alloc = a }
}

func (o options) collection() collection.Option { return collection.WithAllocator(o.alloc) }

func resolve[T txn.VersionedObject](mc *txn.MergeContext, v T, changed *bool) T {
	nv, ok := txn.ResolveValue(mc, v)
	if ok {
		*changed = true
	}
	return nv
}

// writeParts fingerprints a composite index by the identities of its parts.
func writeParts(w io.Writer, header string, parts ...txn.VersionedObject) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(w, " @%d", p.ID()); err != nil {
			return err
		}
	}
	return nil
}
