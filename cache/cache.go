// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package cache implements a formula.Supervisor that memoizes evaluated
// formulas across queries, keyed by their structural hash.
package cache

import (
	"sort"
	"sync"

	"github.com/featurebasedb/bitplan/config"
	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/logger"
	"github.com/featurebasedb/bitplan/metrics"
	"github.com/zhangyunhao116/skipmap"
)

// Ensure Supervisor implements interface.
var _ formula.Supervisor = &Supervisor{}

const (
	defaultMinCost    = 10000
	defaultMaxEntries = 4096
)

// Supervisor substitutes formulas and extra result computers by already
// computed instances with the same hash. Computed instances are only
// retained when they were expensive enough, see Retain.
type Supervisor struct {
	logger     logger.Logger
	minCost    int64
	maxEntries int

	formulas *skipmap.FuncMap[uint64, *entry]
	extras   *skipmap.FuncMap[uint64, formula.ExtraResultComputer]

	// serializes eviction; lookups never take it
	mu sync.Mutex
}

type entry struct {
	formula formula.Formula
	ratio   float64
}

// Option configures a Supervisor.
type Option func(s *Supervisor)

// OptSupervisorLogger sets the logger used for retention diagnostics.
func OptSupervisorLogger(l logger.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// OptSupervisorMinCost sets the cost a computed formula must reach to be
// retained.
func OptSupervisorMinCost(c int64) Option {
	return func(s *Supervisor) { s.minCost = c }
}

// OptSupervisorMaxEntries bounds the number of retained formulas. Zero
// means unbounded.
func OptSupervisorMaxEntries(n int) Option {
	return func(s *Supervisor) { s.maxEntries = n }
}

func lessUint64(a, b uint64) bool { return a < b }

// NewSupervisor returns an empty supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:     logger.NopLogger,
		minCost:    defaultMinCost,
		maxEntries: defaultMaxEntries,
		formulas:   skipmap.NewFunc[uint64, *entry](lessUint64),
		extras:     skipmap.NewFunc[uint64, formula.ExtraResultComputer](lessUint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromConfig returns the supervisor configured by c, or formula.NoCache when
// caching is disabled.
func FromConfig(c config.Cache, l logger.Logger) formula.Supervisor {
	if !c.Enabled {
		return formula.NoCache
	}
	return NewSupervisor(
		OptSupervisorLogger(l),
		OptSupervisorMinCost(c.MinCost),
		OptSupervisorMaxEntries(c.MaxEntries),
	)
}

// Len returns the number of retained formulas.
func (s *Supervisor) Len() int { return s.formulas.Len() }

// AnalyseFormula returns f with every subtree that has a retained equivalent
// replaced by it. Lookups go top-down: a hit on a node spares the lookups of
// its descendants.
func (s *Supervisor) AnalyseFormula(f formula.Formula) formula.Formula {
	children := f.Children()
	if len(children) == 0 {
		return f
	}
	if e, ok := s.formulas.Load(f.Hash()); ok {
		metrics.CounterCacheHits.Inc()
		return e.formula
	}
	metrics.CounterCacheMisses.Inc()
	substituted := make([]formula.Formula, len(children))
	for i, c := range children {
		substituted[i] = s.AnalyseFormula(c)
	}
	return f.WithChildren(substituted)
}

// AnalyseExtra returns the retained equivalent of e, if any. Otherwise the
// filter of e is analysed.
func (s *Supervisor) AnalyseExtra(e formula.ExtraResultComputer) formula.ExtraResultComputer {
	if r, ok := s.extras.Load(e.Hash()); ok {
		metrics.CounterCacheHits.Inc()
		return r
	}
	metrics.CounterCacheMisses.Inc()
	if g, ok := e.(*formula.GroupCounts); ok {
		return g.WithFilter(s.AnalyseFormula(g.Filter()))
	}
	return e
}

// Retain offers the evaluated tree f to the cache. Every computed composite
// node whose actual cost reaches the minimum cost is retained, unless an
// equivalent is already.
func (s *Supervisor) Retain(f formula.Formula) {
	added := 0
	formula.Walk(f, func(n formula.Formula) bool {
		if !n.Computed() || len(n.Children()) == 0 {
			return false
		}
		if n.Class() != formula.ClassSelection && n.Cost() >= s.minCost {
			if _, loaded := s.formulas.LoadOrStore(n.Hash(), &entry{formula: n, ratio: n.CostToPerformanceRatio()}); !loaded {
				added++
			}
		}
		return true
	})
	if added > 0 {
		s.logger.Debugf("cache retained %d formulas of %s", added, f)
		s.evict()
	}
}

// RetainExtra offers a computed extra result computer to the cache.
func (s *Supervisor) RetainExtra(e formula.ExtraResultComputer) {
	if !e.Computed() || e.EstimatedCost() < s.minCost {
		return
	}
	s.extras.LoadOrStore(e.Hash(), e)
	s.Retain(e.Filter())
}

// evict drops the entries with the lowest cost to performance ratio until
// the entry count is back within bounds.
func (s *Supervisor) evict() {
	if s.maxEntries <= 0 || s.formulas.Len() <= s.maxEntries {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		hash  uint64
		ratio float64
	}
	var all []candidate
	s.formulas.Range(func(h uint64, e *entry) bool {
		all = append(all, candidate{hash: h, ratio: e.ratio})
		return true
	})
	excess := len(all) - s.maxEntries
	if excess <= 0 {
		return
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ratio < all[j].ratio })
	for _, c := range all[:excess] {
		if s.formulas.Delete(c.hash) {
			metrics.CounterCacheEvictions.Inc()
		}
	}
	s.logger.Debugf("cache evicted %d formulas", excess)
}
