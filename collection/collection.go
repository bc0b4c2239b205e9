// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package collection contains the transactional collections every index is
// built from: Map, List, ObjArray and Bitmap.
//
// Each collection owns an immutable base structure. Inside a transaction
// (see package txn) writes go to a private layer holding only the deltas of
// that transaction; reads merge the layer with the base on the fly. At commit
// the layer is applied to a copy of the base, yielding a new version with a
// new identity. With no transaction in the context, writes replace the base
// directly; that mode assumes a single writer.
package collection

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/featurebasedb/bitplan/txn"
)

type config struct {
	alloc *txn.Allocator
}

// Option configures a collection.
type Option func(*config)

// WithAllocator sets the allocator identities of the collection and of its
// committed versions are drawn from.
func WithAllocator(a *txn.Allocator) Option {
	return func(c *config) { c.alloc = a }
}

func newConfig(opts []Option) config {
	c := config{alloc: txn.DefaultAllocator}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

var versionedType = reflect.TypeOf((*txn.VersionedObject)(nil)).Elem()

// holdsVersioned reports whether values of type V can be versioned objects
// that must be resolved to their committed copy on merge.
func holdsVersioned[V any]() bool {
	t := reflect.TypeFor[V]()
	return t.Kind() == reflect.Interface || t.Implements(versionedType)
}

// writeValue renders v for fingerprints. Nested versioned objects are
// rendered by identity since their content is fingerprinted separately.
func writeValue(w io.Writer, v any) error {
	if vo, ok := v.(txn.VersionedObject); ok {
		_, err := fmt.Fprintf(w, "@%d", vo.ID())
		return err
	}
	_, err := fmt.Fprintf(w, "%v", v)
	return err
}

// writeSortedEntries writes "key=value" lines in key rendering order.
func writeSortedEntries(w io.Writer, n int, each func(fn func(k, v any))) error {
	entries := make([]string, 0, n)
	each(func(k, v any) {
		var b strings.Builder
		_ = writeValue(&b, k)
		b.WriteByte('=')
		_ = writeValue(&b, v)
		entries = append(entries, b.String())
	})
	sort.Strings(entries)
	for _, e := range entries {
		if _, err := io.WriteString(w, e+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func outOfRange(i, n int) {
	panic(fmt.Sprintf("collection: index %d out of range [0:%d]", i, n))
}
