// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package formula

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/errors"
)

// Builder constructs formulas estimated with one cost model.
type Builder struct {
	costs   CostModel
	counter *Counter
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCounter records every computation of the built formulas in c.
func WithCounter(c *Counter) BuilderOption {
	return func(b *Builder) { b.counter = c }
}

// NewBuilder returns a builder using costs.
func NewBuilder(costs CostModel, opts ...BuilderOption) *Builder {
	b := &Builder{costs: costs}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Costs returns the cost model of the builder.
func (b *Builder) Costs() CostModel { return b.costs }

var defaultBuilder = NewBuilder(DefaultCostModel())

var emptyBitmap = roaring.New()

// Constant wraps a materialized bitmap. It is hashed by content.
func (b *Builder) Constant(rb *roaring.Bitmap) Formula {
	n := &node{
		b:       b,
		class:   ClassConstant,
		estCard: rb.GetCardinality(),
		label:   renderBitmap(rb),
		eval:    func(*node) *roaring.Bitmap { return rb },
		cost:    func(*node) int64 { return 0 },
	}
	n.hash = hashOf(ClassConstant, nil, []uint64{contentHash(rb)})
	return n
}

// Indexed wraps the bitmap of an index whose content is identified by id,
// typically the versioned identity of the bitmap. Equal ids must mean equal
// content.
func (b *Builder) Indexed(id uint64, rb *roaring.Bitmap) Formula {
	n := &node{
		b:       b,
		class:   ClassIndexed,
		estCard: rb.GetCardinality(),
		label:   fmt.Sprintf("#%d[%d]", id, rb.GetCardinality()),
		eval:    func(*node) *roaring.Bitmap { return rb },
		cost:    func(*node) int64 { return 0 },
	}
	n.hash = hashOf(ClassIndexed, nil, []uint64{id})
	return n
}

// Empty returns the empty formula.
func (b *Builder) Empty() Formula {
	n := &node{
		b:     b,
		class: ClassEmpty,
		label: "EMPTY",
		eval:  func(*node) *roaring.Bitmap { return emptyBitmap },
		cost:  func(*node) int64 { return 0 },
	}
	n.hash = hashOf(ClassEmpty, nil, nil)
	return n
}

// And intersects children. Children are computed in order and the first
// empty result stops the evaluation.
func (b *Builder) And(children ...Formula) (Formula, error) {
	if len(children) == 0 {
		return nil, errors.New(errors.ErrFormulaArity, "AND requires at least one operand")
	}
	n := b.composite(ClassAnd, children, minCardinality(children))
	n.eval = intersect
	n.rebuild = func(c []Formula) Formula { return b.MustAnd(c...) }
	return n, nil
}

// UserFilter is a conjunction scope holding the constraints the user
// selected explicitly.
func (b *Builder) UserFilter(children ...Formula) (Formula, error) {
	if len(children) == 0 {
		return nil, errors.New(errors.ErrFormulaArity, "USER_FILTER requires at least one operand")
	}
	n := b.composite(ClassUserFilter, children, minCardinality(children))
	n.eval = intersect
	n.rebuild = func(c []Formula) Formula { return b.MustUserFilter(c...) }
	return n, nil
}

// Or unites children.
func (b *Builder) Or(children ...Formula) (Formula, error) {
	if len(children) == 0 {
		return nil, errors.New(errors.ErrFormulaArity, "OR requires at least one operand")
	}
	var card uint64
	for _, c := range children {
		card += c.EstimatedCardinality()
	}
	n := b.composite(ClassOr, children, card)
	n.eval = func(n *node) *roaring.Bitmap {
		if len(n.children) == 1 {
			return n.children[0].Compute()
		}
		bms := make([]*roaring.Bitmap, len(n.children))
		for i, c := range n.children {
			bms[i] = c.Compute()
		}
		return roaring.FastOr(bms...)
	}
	n.rebuild = func(c []Formula) Formula { return b.MustOr(c...) }
	return n, nil
}

// Not computes superset minus subtracted.
func (b *Builder) Not(subtracted, superset Formula) (Formula, error) {
	if subtracted == nil || superset == nil {
		return nil, errors.New(errors.ErrFormulaArity, "NOT requires both the subtracted and the superset operand")
	}
	n := b.composite(ClassNot, []Formula{subtracted, superset}, superset.EstimatedCardinality())
	n.eval = func(n *node) *roaring.Bitmap {
		sup := n.children[1].Compute()
		if sup.IsEmpty() {
			return emptyBitmap
		}
		return roaring.AndNot(sup, n.children[0].Compute())
	}
	n.rebuild = func(c []Formula) Formula { return b.MustNot(c[0], c[1]) }
	return n, nil
}

// Deferred is a leaf whose bitmap is only retrieved by supplier when the
// formula is computed. key identifies the retrieved content and
// estimatedCardinality must bound its size.
func (b *Builder) Deferred(key uint64, estimatedCardinality uint64, supplier func() *roaring.Bitmap) Formula {
	n := &node{
		b:       b,
		class:   ClassDeferred,
		coeff:   b.costs.Deferred,
		estCard: estimatedCardinality,
		estCost: b.costs.Deferred * int64(estimatedCardinality),
		label:   fmt.Sprintf("DEFERRED#%x[~%d]", key, estimatedCardinality),
		eval:    func(*node) *roaring.Bitmap { return supplier() },
	}
	n.cost = func(n *node) int64 { return n.coeff * int64(n.Compute().GetCardinality()) }
	n.hash = hashOf(ClassDeferred, nil, []uint64{key})
	return n
}

// Fetched is a leaf computed by supplier at a fixed cost known upfront,
// e.g. fetching and filtering full entities.
func (b *Builder) Fetched(key uint64, estimatedCardinality uint64, cost int64, supplier func() *roaring.Bitmap) Formula {
	n := &node{
		b:       b,
		class:   ClassFetched,
		estCard: estimatedCardinality,
		estCost: cost,
		label:   fmt.Sprintf("FETCHED#%x[~%d]", key, estimatedCardinality),
		eval:    func(*node) *roaring.Bitmap { return supplier() },
		cost:    func(*node) int64 { return cost },
	}
	n.hash = hashOf(ClassFetched, nil, []uint64{key})
	return n
}

func (b *Builder) MustAnd(children ...Formula) Formula        { return must(b.And(children...)) }
func (b *Builder) MustOr(children ...Formula) Formula         { return must(b.Or(children...)) }
func (b *Builder) MustUserFilter(children ...Formula) Formula { return must(b.UserFilter(children...)) }
func (b *Builder) MustNot(subtracted, superset Formula) Formula {
	return must(b.Not(subtracted, superset))
}

func must(f Formula, err error) Formula {
	if err != nil {
		panic(err)
	}
	return f
}

func intersect(n *node) *roaring.Bitmap {
	acc := n.children[0].Compute()
	for _, c := range n.children[1:] {
		if acc.IsEmpty() {
			return emptyBitmap
		}
		acc = roaring.And(acc, c.Compute())
	}
	if acc.IsEmpty() {
		return emptyBitmap
	}
	return acc
}

func minCardinality(children []Formula) uint64 {
	m := children[0].EstimatedCardinality()
	for _, c := range children[1:] {
		m = min(m, c.EstimatedCardinality())
	}
	return m
}

// Constant wraps rb using the default cost model.
func Constant(rb *roaring.Bitmap) Formula { return defaultBuilder.Constant(rb) }

// Of wraps the given ids.
func Of(ids ...uint32) Formula { return defaultBuilder.Constant(roaring.BitmapOf(ids...)) }

// Indexed wraps the bitmap identified by id using the default cost model.
func Indexed(id uint64, rb *roaring.Bitmap) Formula { return defaultBuilder.Indexed(id, rb) }

// Empty returns the empty formula.
func Empty() Formula { return defaultBuilder.Empty() }

// And intersects children using the default cost model.
func And(children ...Formula) (Formula, error) { return defaultBuilder.And(children...) }

// Or unites children using the default cost model.
func Or(children ...Formula) (Formula, error) { return defaultBuilder.Or(children...) }

// Not subtracts using the default cost model.
func Not(subtracted, superset Formula) (Formula, error) {
	return defaultBuilder.Not(subtracted, superset)
}

// UserFilter builds a user filter scope using the default cost model.
func UserFilter(children ...Formula) (Formula, error) { return defaultBuilder.UserFilter(children...) }

// Deferred builds a deferred leaf using the default cost model.
func Deferred(key uint64, estimatedCardinality uint64, supplier func() *roaring.Bitmap) Formula {
	return defaultBuilder.Deferred(key, estimatedCardinality, supplier)
}

func MustAnd(children ...Formula) Formula        { return defaultBuilder.MustAnd(children...) }
func MustOr(children ...Formula) Formula         { return defaultBuilder.MustOr(children...) }
func MustUserFilter(children ...Formula) Formula { return defaultBuilder.MustUserFilter(children...) }
func MustNot(subtracted, superset Formula) Formula {
	return defaultBuilder.MustNot(subtracted, superset)
}

const renderedIDs = 8

func renderBitmap(rb *roaring.Bitmap) string {
	var sb strings.Builder
	sb.WriteByte('{')
	it := rb.Iterator()
	for i := 0; it.HasNext(); i++ {
		if i == renderedIDs {
			fmt.Fprintf(&sb, ",…+%d", rb.GetCardinality()-renderedIDs)
			break
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", it.Next())
	}
	sb.WriteByte('}')
	return sb.String()
}

func render(name string, children []Formula) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	for i, c := range children {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
