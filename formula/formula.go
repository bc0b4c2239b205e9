// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package formula implements the bitmap query algebra. A Formula is an
// immutable tree of set operations over record id bitmaps. Results are
// computed lazily and at most once per node, every node carries a structural
// hash usable as a cache key, and cost estimates let the planner compare
// alternative trees before anything is evaluated.
//
// Bitmaps returned by Compute are shared between every holder of the node
// and must never be modified.
package formula

import (
	"encoding/binary"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/featurebasedb/bitplan/metrics"
)

// Class is the stable identifier of an operator, mixed into every hash.
type Class uint64

const (
	ClassConstant Class = iota + 1
	ClassIndexed
	ClassEmpty
	ClassAnd
	ClassOr
	ClassNot
	ClassUserFilter
	ClassDeferred
	ClassFetched
	ClassSelection
	ClassGroupCounts
)

var classNames = map[Class]string{
	ClassConstant:    "CONSTANT",
	ClassIndexed:     "INDEXED",
	ClassEmpty:       "EMPTY",
	ClassAnd:         "AND",
	ClassOr:          "OR",
	ClassNot:         "NOT",
	ClassUserFilter:  "USER_FILTER",
	ClassDeferred:    "DEFERRED",
	ClassFetched:     "FETCHED",
	ClassSelection:   "SELECTION",
	ClassGroupCounts: "GROUP_COUNTS",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// Formula is a node of a bitmap expression tree.
type Formula interface {
	// Class identifies the operator.
	Class() Class

	// Children returns the operands in construction order.
	Children() []Formula

	// WithChildren returns an equivalent node over the given operands, used
	// to substitute subtrees. Leaves return themselves.
	WithChildren(children []Formula) Formula

	// Compute evaluates the node once and returns the memoized result.
	Compute() *roaring.Bitmap

	// Computed reports whether Compute already ran.
	Computed() bool

	// Hash is the structural hash: equal for equivalent trees, commutative
	// operand order ignored.
	Hash() uint64

	// EstimatedCardinality is an upper bound of the result size, known
	// without evaluating anything.
	EstimatedCardinality() uint64

	// EstimatedCost is a pessimistic cost known without evaluating anything.
	EstimatedCost() int64

	// Cost is the cost of the evaluation, from actual cardinalities. It
	// evaluates the node when needed.
	Cost() int64

	// CostToPerformanceRatio relates the cost of the node to the size of its
	// result; memoizing nodes with a high ratio saves the most work per
	// retained element.
	CostToPerformanceRatio() float64

	String() string
}

// Counter records computations. It is meant for tests asserting which parts
// of a tree were evaluated.
type Counter struct {
	mu      sync.Mutex
	byClass map[Class]int
	total   int
}

// NewCounter returns an empty counter.
func NewCounter() *Counter {
	return &Counter{byClass: make(map[Class]int)}
}

func (c *Counter) add(class Class) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byClass[class]++
	c.total++
}

// Computations returns the number of nodes computed.
func (c *Counter) Computations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Of returns the number of nodes of class computed.
func (c *Counter) Of(class Class) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byClass[class]
}

// ComputedChildren returns how many direct children of f were computed.
func ComputedChildren(f Formula) int {
	n := 0
	for _, c := range f.Children() {
		if c.Computed() {
			n++
		}
	}
	return n
}

// node is the shared implementation of every operator.
type node struct {
	b        *Builder
	class    Class
	children []Formula
	coeff    int64
	hash     uint64
	estCard  uint64
	estCost  int64
	label    string

	eval    func(n *node) *roaring.Bitmap
	cost    func(n *node) int64
	rebuild func(children []Formula) Formula

	once   sync.Once
	done   atomic.Bool
	result *roaring.Bitmap
}

func (n *node) Class() Class        { return n.class }
func (n *node) Children() []Formula { return n.children }
func (n *node) Hash() uint64        { return n.hash }
func (n *node) Computed() bool      { return n.done.Load() }

func (n *node) EstimatedCardinality() uint64 { return n.estCard }
func (n *node) EstimatedCost() int64         { return n.estCost }

func (n *node) WithChildren(children []Formula) Formula {
	if n.rebuild == nil || sameFormulas(n.children, children) {
		return n
	}
	return n.rebuild(children)
}

func (n *node) Compute() *roaring.Bitmap {
	n.once.Do(func() {
		n.result = n.eval(n)
		n.done.Store(true)
		n.b.counter.add(n.class)
		metrics.CounterFormulaComputations.WithLabelValues(n.class.String()).Inc()
	})
	return n.result
}

func (n *node) Cost() int64 {
	if n.cost != nil {
		return n.cost(n)
	}
	n.Compute()
	var cost int64
	var card uint64
	for _, c := range n.children {
		if !c.Computed() {
			continue
		}
		cost += c.Cost()
		card += c.Compute().GetCardinality()
	}
	return cost + n.coeff*int64(card)
}

func (n *node) CostToPerformanceRatio() float64 {
	return float64(n.Cost()) / float64(n.Compute().GetCardinality()+1)
}

func (n *node) String() string {
	if len(n.children) == 0 {
		return n.label
	}
	return render(n.class.String(), n.children)
}

// composite estimates a node over children: its cost is the children's cost
// plus its coefficient for every element the children are estimated to hold.
func (b *Builder) composite(class Class, children []Formula, estCard uint64, payload ...uint64) *node {
	coeff := b.costs.coefficient(class)
	n := &node{
		b:        b,
		class:    class,
		children: children,
		coeff:    coeff,
		estCard:  estCard,
	}
	var sumCard uint64
	for _, c := range children {
		n.estCost += c.EstimatedCost()
		sumCard += c.EstimatedCardinality()
	}
	n.estCost += coeff * int64(sumCard)
	n.hash = hashOf(class, childHashes(children, commutative(class)), payload)
	return n
}

func commutative(c Class) bool {
	switch c {
	case ClassAnd, ClassOr, ClassUserFilter:
		return true
	}
	return false
}

func childHashes(children []Formula, sorted bool) []uint64 {
	hs := make([]uint64, len(children))
	for i, c := range children {
		hs[i] = c.Hash()
	}
	if sorted {
		slices.Sort(hs)
	}
	return hs
}

// hashOf digests the class, the children hashes and the payload, in that
// order.
func hashOf(class Class, children []uint64, payload []uint64) uint64 {
	buf := make([]byte, 0, 8*(2+len(children)+len(payload)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(class))
	for _, h := range children {
		buf = binary.LittleEndian.AppendUint64(buf, h)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(payload)))
	for _, p := range payload {
		buf = binary.LittleEndian.AppendUint64(buf, p)
	}
	return xxhash.Sum64(buf)
}

// contentHash hashes the ids held by rb.
func contentHash(rb *roaring.Bitmap) uint64 {
	d := xxhash.New()
	var buf [4]byte
	rb.Iterate(func(x uint32) bool {
		binary.LittleEndian.PutUint32(buf[:], x)
		_, _ = d.Write(buf[:])
		return true
	})
	return d.Sum64()
}

func sameFormulas(a, b []Formula) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
