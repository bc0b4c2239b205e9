// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package txn implements the transactional memory model: transactions bound to
// a context.Context, private per-collection layers holding the deltas of one
// transaction, and the merge that turns those layers into new immutable
// versions at commit.
//
// A collection that finds no transaction in its context operates on its base
// structure directly. That mode is only safe with a single writer.
package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/logger"
	"github.com/featurebasedb/bitplan/metrics"
)

// Mergeable is implemented by every transactional collection. Merge returns
// the committed copy of the receiver: a brand new object with the layer
// registered in mc applied and every nested versioned object resolved to its
// committed copy. When there is nothing to apply, Merge returns the receiver.
type Mergeable interface {
	VersionedObject
	Merge(mc *MergeContext) VersionedObject
}

// LayerCreator is a Mergeable that knows how to create an empty layer of
// type L for itself.
type LayerCreator[L any] interface {
	Mergeable
	CreateLayer() L
}

// Dirtier is the storage boundary toggle. Committed copies start dirty; the
// storage layer resets them once persisted.
type Dirtier interface {
	IsDirty() bool
	ResetDirty()
}

type state int

const (
	stateOpen state = iota
	stateCommitted
	stateRolledBack
)

func (s state) String() string {
	return [...]string{"open", "committed", "rolled back"}[s]
}

var disabled atomic.Bool

// Disable turns transactional layers off process-wide: writes then always go
// to the base structures. Layers that already exist keep being read.
func Disable() { disabled.Store(true) }

// Enable reverts Disable.
func Enable() { disabled.Store(false) }

// Enabled reports whether writes inside a transaction create layers.
func Enabled() bool { return !disabled.Load() }

// Transaction is the diff holder of one unit of work. It is bound to a
// context by Begin; every collection operation receiving that context routes
// its writes into this transaction's layers.
type Transaction struct {
	id     uint64
	logger logger.Logger

	mu      sync.Mutex
	state   state
	layers  map[uint64]*layerEntry
	touched []*layerEntry
}

type layerEntry struct {
	owner Mergeable
	layer any
}

type options struct {
	logger    logger.Logger
	allocator *Allocator
}

// Option configures a transaction.
type Option func(*options)

// WithLogger sets the logger used for commit and rollback diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAllocator sets the allocator the transaction identity is drawn from.
func WithAllocator(a *Allocator) Option {
	return func(o *options) { o.allocator = a }
}

type contextKey struct{}

// Begin starts a transaction and returns a context carrying it. Beginning a
// transaction inside a context that already carries an open one fails with
// ErrTransactionActive.
func Begin(ctx context.Context, opts ...Option) (context.Context, *Transaction, error) {
	if cur, ok := ctx.Value(contextKey{}).(*Transaction); ok && cur.open() {
		return ctx, nil, errors.Newf(errors.ErrTransactionActive, "transaction %d is already active", cur.id)
	}
	o := options{
		logger:    logger.NopLogger,
		allocator: DefaultAllocator,
	}
	for _, opt := range opts {
		opt(&o)
	}
	tx := &Transaction{
		id:     o.allocator.Next(),
		logger: o.logger,
		layers: make(map[uint64]*layerEntry),
	}
	return context.WithValue(ctx, contextKey{}, tx), tx, nil
}

// FromContext returns the transaction bound to ctx, or nil. It panics when
// the bound transaction was already committed or rolled back: operating on
// a finished transaction is a programming error.
func FromContext(ctx context.Context) *Transaction {
	if ctx == nil {
		return nil
	}
	tx, ok := ctx.Value(contextKey{}).(*Transaction)
	if !ok {
		return nil
	}
	if !tx.open() {
		errors.InvariantCodef(errors.ErrTransactionClosed, "transaction %d used after it was %s", tx.id, tx.stateString())
	}
	return tx
}

// ID returns the transaction identity.
func (tx *Transaction) ID() uint64 { return tx.id }

// Touched returns the number of collections holding a layer in this
// transaction.
func (tx *Transaction) Touched() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.touched)
}

func (tx *Transaction) open() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == stateOpen
}

func (tx *Transaction) stateString() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state.String()
}

// Commit merges every layer of the transaction into new versions of the
// touched collections, in the order they were first touched. The returned
// Commit resolves any object, touched or not, to its committed version.
// The transaction's layers are released.
func (tx *Transaction) Commit() (*Commit, error) {
	tx.mu.Lock()
	if tx.state != stateOpen {
		st := tx.state
		tx.mu.Unlock()
		return nil, errors.Newf(errors.ErrTransactionClosed, "cannot commit transaction %d: already %s", tx.id, st)
	}
	layers, touched := tx.layers, tx.touched
	tx.layers, tx.touched = nil, nil
	tx.state = stateCommitted
	tx.mu.Unlock()

	mc := newMergeContext(tx.id, layers)
	for _, e := range touched {
		mc.Resolve(e.owner)
	}
	if n := mc.unconsumed(); n > 0 {
		errors.Invariantf("transaction %d committed with %d unmerged layers", tx.id, n)
	}

	metrics.CounterTxnCommits.Inc()
	metrics.CounterTxnLayersMerged.Add(float64(len(touched)))
	tx.logger.Debugf("transaction %d committed: %d layers merged, %d new versions", tx.id, len(touched), len(mc.parts))
	return &Commit{mc: mc}, nil
}

// Rollback discards every layer. It is safe to call Rollback multiple times
// and after Commit, so 'defer tx.Rollback()' right after Begin is the usual
// idiom.
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	if tx.state != stateOpen {
		tx.mu.Unlock()
		return
	}
	n := len(tx.touched)
	tx.layers, tx.touched = nil, nil
	tx.state = stateRolledBack
	tx.mu.Unlock()

	metrics.CounterTxnRollbacks.Inc()
	tx.logger.Debugf("transaction %d rolled back: %d layers discarded", tx.id, n)
}

// GetOrCreateLayer returns the layer of the transaction bound to ctx for
// owner, creating it on first use. It returns false when there is no
// transaction, or when layers are disabled process-wide and owner has none
// yet; callers then mutate their base structure directly.
func GetOrCreateLayer[L any](ctx context.Context, owner LayerCreator[L]) (L, bool) {
	var zero L
	tx := FromContext(ctx)
	if tx == nil {
		return zero, false
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if e, ok := tx.layers[owner.ID()]; ok {
		return e.layer.(L), true
	}
	if disabled.Load() {
		return zero, false
	}
	l := owner.CreateLayer()
	e := &layerEntry{owner: owner, layer: l}
	tx.layers[owner.ID()] = e
	tx.touched = append(tx.touched, e)
	return l, true
}

// GetLayerIfExists returns the layer of the transaction bound to ctx for
// owner without creating one.
func GetLayerIfExists[L any](ctx context.Context, owner VersionedObject) (L, bool) {
	var zero L
	tx := FromContext(ctx)
	if tx == nil {
		return zero, false
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e, ok := tx.layers[owner.ID()]
	if !ok {
		return zero, false
	}
	return e.layer.(L), true
}
