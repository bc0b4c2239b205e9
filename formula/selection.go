// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package formula

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/errors"
)

// Selection holds two strategies computing the same logical result and the
// decision which one is evaluated. The decision is taken once, when the node
// is built, before either branch is evaluated.
type Selection struct {
	standard    Formula
	alternative Formula
	useAlt      bool
	hash        uint64
}

// Selection builds a selection node. choose is called exactly once and
// reports whether the alternative branch is evaluated instead of the
// standard one.
func (b *Builder) Selection(standard, alternative Formula, choose func(standard, alternative Formula) bool) (*Selection, error) {
	if standard == nil || alternative == nil {
		return nil, errors.New(errors.ErrFormulaArity, "SELECTION requires both strategies")
	}
	return newSelection(standard, alternative, choose(standard, alternative)), nil
}

func newSelection(standard, alternative Formula, useAlt bool) *Selection {
	return &Selection{
		standard:    standard,
		alternative: alternative,
		useAlt:      useAlt,
		hash:        hashOf(ClassSelection, []uint64{standard.Hash(), alternative.Hash()}, nil),
	}
}

// UsesAlternative reports the frozen decision.
func (s *Selection) UsesAlternative() bool { return s.useAlt }

// Standard returns the standard strategy.
func (s *Selection) Standard() Formula { return s.standard }

// Alternative returns the alternative strategy.
func (s *Selection) Alternative() Formula { return s.alternative }

// Chosen returns the branch that is evaluated.
func (s *Selection) Chosen() Formula {
	if s.useAlt {
		return s.alternative
	}
	return s.standard
}

func (s *Selection) Class() Class        { return ClassSelection }
func (s *Selection) Children() []Formula { return []Formula{s.standard, s.alternative} }
func (s *Selection) Hash() uint64        { return s.hash }

func (s *Selection) WithChildren(children []Formula) Formula {
	if sameFormulas(s.Children(), children) {
		return s
	}
	return newSelection(children[0], children[1], s.useAlt)
}

func (s *Selection) Compute() *roaring.Bitmap        { return s.Chosen().Compute() }
func (s *Selection) Computed() bool                  { return s.Chosen().Computed() }
func (s *Selection) EstimatedCardinality() uint64    { return s.Chosen().EstimatedCardinality() }
func (s *Selection) EstimatedCost() int64            { return s.Chosen().EstimatedCost() }
func (s *Selection) Cost() int64                     { return s.Chosen().Cost() }
func (s *Selection) CostToPerformanceRatio() float64 { return s.Chosen().CostToPerformanceRatio() }

func (s *Selection) String() string {
	chosen := "standard"
	if s.useAlt {
		chosen = "alternative"
	}
	return fmt.Sprintf("SELECTION[%s](%s, %s)", chosen, s.standard, s.alternative)
}
