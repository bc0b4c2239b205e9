// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import "sync/atomic"

// Dirty is an embeddable Dirtier.
type Dirty struct {
	dirty atomic.Bool
}

// IsDirty reports whether the object changed since the last ResetDirty.
func (d *Dirty) IsDirty() bool { return d.dirty.Load() }

// ResetDirty marks the object as persisted.
func (d *Dirty) ResetDirty() { d.dirty.Store(false) }

// MarkDirty flags the object as changed.
func (d *Dirty) MarkDirty() { d.dirty.Store(true) }
