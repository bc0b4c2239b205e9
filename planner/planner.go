// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package planner turns a query.Query into a formula tree over the bitmaps
// of an index.Catalog and executes it. Planning runs a fixed sequence of
// states, each recorded on the Plan:
//
//	select-index-scopes → build-candidate-formulas → estimate-and-pick →
//	prefetch-decision → sort → extra-results
//
// and Plan.Execute runs the final execute state.
package planner

import (
	"context"

	"github.com/featurebasedb/bitplan/cache"
	"github.com/featurebasedb/bitplan/config"
	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/logger"
	"github.com/featurebasedb/bitplan/query"
)

const (
	defaultPrefetchThreshold = 1000
	defaultUnitFetchCost     = 148
)

// Planner plans and executes queries. It is safe for concurrent use.
type Planner struct {
	builder    *formula.Builder
	supervisor formula.Supervisor
	fetcher    query.EntityFetcher
	logger     logger.Logger

	prefetchThreshold int
	unitFetchCost     int64
	parallel          bool
	profile           bool
}

type plannerOptions struct {
	costs   formula.CostModel
	counter *formula.Counter
}

// PlannerOption is a functional option type for Planner.
type PlannerOption func(p *Planner, o *plannerOptions)

// OptPlannerCostModel sets the operator cost coefficients.
func OptPlannerCostModel(cm formula.CostModel) PlannerOption {
	return func(p *Planner, o *plannerOptions) { o.costs = cm }
}

// OptPlannerCounter counts the formula computations of executed plans.
func OptPlannerCounter(c *formula.Counter) PlannerOption {
	return func(p *Planner, o *plannerOptions) { o.counter = c }
}

// OptPlannerSupervisor sets the cache supervisor. The default never
// substitutes anything.
func OptPlannerSupervisor(s formula.Supervisor) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.supervisor = s }
}

// OptPlannerFetcher sets where the prefetch strategy loads entity bodies
// from. The default is the global entity index of the queried type.
func OptPlannerFetcher(f query.EntityFetcher) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.fetcher = f }
}

// OptPlannerLogger sets the logger.
func OptPlannerLogger(l logger.Logger) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.logger = l }
}

// OptPlannerPrefetchThreshold sets the number of entities below which the
// prefetch strategy is considered.
func OptPlannerPrefetchThreshold(n int) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.prefetchThreshold = n }
}

// OptPlannerUnitFetchCost sets the cost of fetching one section of one
// entity.
func OptPlannerUnitFetchCost(c int64) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.unitFetchCost = c }
}

// OptPlannerParallelCandidates builds the candidate formulas concurrently.
func OptPlannerParallelCandidates(v bool) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.parallel = v }
}

// OptPlannerProfile records a tracing.Profile of every plan in Plan.Profile.
func OptPlannerProfile(v bool) PlannerOption {
	return func(p *Planner, o *plannerOptions) { p.profile = v }
}

// New returns a planner.
func New(opts ...PlannerOption) *Planner {
	p := &Planner{
		supervisor:        formula.NoCache,
		logger:            logger.NopLogger,
		prefetchThreshold: defaultPrefetchThreshold,
		unitFetchCost:     defaultUnitFetchCost,
	}
	o := plannerOptions{costs: formula.DefaultCostModel()}
	for _, opt := range opts {
		opt(p, &o)
	}
	var bopts []formula.BuilderOption
	if o.counter != nil {
		bopts = append(bopts, formula.WithCounter(o.counter))
	}
	p.builder = formula.NewBuilder(o.costs, bopts...)
	return p
}

// FromConfig returns the planner configured by c, with the cache supervisor
// c.Cache describes.
func FromConfig(c config.Config, l logger.Logger, opts ...PlannerOption) *Planner {
	base := []PlannerOption{
		OptPlannerCostModel(c.Cost.CostModel()),
		OptPlannerPrefetchThreshold(c.Planner.PrefetchThreshold),
		OptPlannerUnitFetchCost(c.Planner.UnitFetchCost),
		OptPlannerParallelCandidates(c.Planner.ParallelCandidates),
		OptPlannerSupervisor(cache.FromConfig(c.Cache, l.WithPrefix("cache: "))),
		OptPlannerLogger(l),
	}
	return New(append(base, opts...)...)
}

// Builder returns the formula builder plans are built with.
func (p *Planner) Builder() *formula.Builder { return p.builder }

// Query plans and executes q against catalog.
func (p *Planner) Query(ctx context.Context, catalog *index.Catalog, q query.Query) (*Result, error) {
	plan, err := p.Plan(ctx, catalog, q)
	if err != nil {
		return nil, err
	}
	return plan.Execute(ctx)
}
