// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import "sync/atomic"

// Allocator hands out process-wide unique identities for versioned objects
// and transactions. Identities are monotonic and never reused unless Reset is
// called, which only tests should do.
type Allocator struct {
	seq atomic.Uint64
}

// NewAllocator returns an allocator whose first identity is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// DefaultAllocator is the shared allocator used when no other one is
// injected.
var DefaultAllocator = NewAllocator()

// Next returns a fresh identity.
func (a *Allocator) Next() uint64 {
	return a.seq.Add(1)
}

// Last returns the most recently allocated identity, 0 if none.
func (a *Allocator) Last() uint64 {
	return a.seq.Load()
}

// Reset restarts the sequence. Objects allocated before the reset must not be
// mixed with objects allocated after it.
func (a *Allocator) Reset() {
	a.seq.Store(0)
}

// VersionedObject is anything that participates in the transactional model.
// ID is its identity, unrelated to the equality of the value it represents.
type VersionedObject interface {
	ID() uint64
}
