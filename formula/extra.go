// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package formula

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/featurebasedb/bitplan/metrics"
)

// ExtraResultComputer computes an aggregate alongside the main result of a
// query, from the filter formula.
type ExtraResultComputer interface {
	Hash() uint64
	Filter() Formula
	Compute() any
	Computed() bool
	EstimatedCost() int64
}

// Group is a group bitmap keyed by the id it stands for, e.g. the entities
// referencing one referenced entity.
type Group struct {
	Key     uint32
	Formula Formula
}

// GroupCount is the number of filtered records in one group.
type GroupCount struct {
	Key   uint32
	Count uint64
}

// GroupCounts counts, for every group, the records of the filter result
// belonging to it, like a facet summary. Groups with no such record are
// omitted.
type GroupCounts struct {
	b      *Builder
	filter Formula
	groups []Group
	hash   uint64

	once   sync.Once
	result []GroupCount
	done   atomic.Bool
}

// GroupCounts builds a group counting computer over filter.
func (b *Builder) GroupCounts(filter Formula, groups []Group) *GroupCounts {
	groups = slices.Clone(groups)
	slices.SortFunc(groups, func(x, y Group) int { return cmp.Compare(x.Key, y.Key) })
	payload := make([]uint64, 0, 2*len(groups))
	for _, g := range groups {
		payload = append(payload, uint64(g.Key), g.Formula.Hash())
	}
	return &GroupCounts{
		b:      b,
		filter: filter,
		groups: groups,
		hash:   hashOf(ClassGroupCounts, []uint64{filter.Hash()}, payload),
	}
}

// NewGroupCounts builds a group counting computer using the default cost
// model.
func NewGroupCounts(filter Formula, groups []Group) *GroupCounts {
	return defaultBuilder.GroupCounts(filter, groups)
}

func (g *GroupCounts) Hash() uint64    { return g.hash }
func (g *GroupCounts) Filter() Formula { return g.filter }
func (g *GroupCounts) Groups() []Group { return g.groups }

// WithFilter returns an equivalent computer over another filter node.
func (g *GroupCounts) WithFilter(f Formula) *GroupCounts {
	if f == g.filter {
		return g
	}
	return g.b.GroupCounts(f, g.groups)
}

// EstimatedCost charges one conjunction per group over the filter result.
func (g *GroupCounts) EstimatedCost() int64 {
	var cost int64
	for _, gr := range g.groups {
		cost += gr.Formula.EstimatedCost() + g.b.costs.And*int64(min(g.filter.EstimatedCardinality(), gr.Formula.EstimatedCardinality()))
	}
	return cost
}

// Compute returns the []GroupCount result.
func (g *GroupCounts) Compute() any { return g.Counts() }

// Computed reports whether the counts were computed.
func (g *GroupCounts) Computed() bool { return g.done.Load() }

// Counts computes the counts once, in ascending key order.
func (g *GroupCounts) Counts() []GroupCount {
	g.once.Do(func() {
		rb := g.filter.Compute()
		out := make([]GroupCount, 0, len(g.groups))
		if !rb.IsEmpty() {
			for _, gr := range g.groups {
				if n := rb.AndCardinality(gr.Formula.Compute()); n > 0 {
					out = append(out, GroupCount{Key: gr.Key, Count: n})
				}
			}
		}
		g.result = out
		g.done.Store(true)
		g.b.counter.add(ClassGroupCounts)
		metrics.CounterFormulaComputations.WithLabelValues(ClassGroupCounts.String()).Inc()
	})
	return g.result
}
