// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/metrics"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/tracing"
	"golang.org/x/sync/errgroup"
)

// retainer is implemented by supervisors that memoize evaluated formulas,
// such as cache.Supervisor.
type retainer interface {
	Retain(f formula.Formula)
	RetainExtra(e formula.ExtraResultComputer)
}

type stateFunc func(ctx context.Context, plan *Plan) (string, error)

// run executes one state: it checks for cancellation, opens a span,
// and records the step on the plan.
func run(ctx context.Context, plan *Plan, s State, fn stateFunc) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "planning %s before %s", plan.Query, s)
	}
	span, ctx := tracing.StartSpanFromContext(ctx, "Planner."+s.String())
	defer span.Finish()

	start := time.Now()
	detail, err := fn(ctx, plan)
	d := time.Since(start)
	metrics.HistogramPlannerDuration.WithLabelValues(s.String()).Observe(d.Seconds())
	if err != nil {
		span.LogKV("error", err.Error())
		return errors.Wrapf(err, "planner state %s", s)
	}
	span.LogKV("detail", detail)
	plan.Steps = append(plan.Steps, Step{State: s, Duration: d, Detail: detail})
	return nil
}

// Plan plans q against catalog. A query over an entity type the catalog
// does not know yields an empty plan.
func (p *Planner) Plan(ctx context.Context, catalog *index.Catalog, q query.Query) (*Plan, error) {
	plan := &Plan{Query: q, planner: p}
	if p.profile {
		span, pctx := tracing.StartProfiledSpanFromContext(ctx, "Planner.Plan")
		defer span.Finish()
		plan.Profile = span.Profile()
		ctx = pctx
	}
	if err := run(ctx, plan, StateSelectIndexScopes, func(ctx context.Context, plan *Plan) (string, error) {
		return p.selectIndexScopes(ctx, catalog, plan), nil
	}); err != nil {
		return nil, err
	}
	if len(plan.Candidates) == 0 {
		plan.Strategy = StrategyEmpty
		metrics.CounterPlannerEmptyShortcut.Inc()
		p.logger.Debugf("%s: no index scope", q)
		return plan, nil
	}
	for _, st := range []struct {
		state State
		fn    stateFunc
	}{
		{StateBuildCandidateFormulas, p.buildCandidateFormulas},
		{StateEstimateAndPick, p.estimateAndPick},
		{StatePrefetchDecision, p.prefetchDecision},
		{StateSort, p.sort},
		{StateExtraResults, p.extraResults},
	} {
		if err := run(ctx, plan, st.state, st.fn); err != nil {
			return nil, err
		}
	}
	p.logger.Debugf("%s: scope %s, strategy %s, estimated cost %d", q, plan.Chosen.Scope, plan.Strategy, plan.Root.EstimatedCost())
	return plan, nil
}

// selectIndexScopes lists the global index and the reduced indexes targeted
// by top-level conjunctive ReferencedBy constraints, in query order.
func (p *Planner) selectIndexScopes(ctx context.Context, catalog *index.Catalog, plan *Plan) string {
	global, ok := catalog.Entity(ctx, plan.Query.EntityType)
	if !ok {
		return fmt.Sprintf("unknown entity type '%s'", plan.Query.EntityType)
	}
	plan.global = global
	plan.Candidates = append(plan.Candidates, &Candidate{Scope: "global", Index: global})
	seen := make(map[index.Scope]bool)
	for _, con := range query.Conjuncts(plan.Query.Filter) {
		r, ok := con.(query.ReferencedBy)
		if !ok {
			continue
		}
		s := index.Scope{Reference: r.Reference, ID: r.ID}
		if seen[s] {
			continue
		}
		seen[s] = true
		if reduced, ok := global.Reduced(ctx, s); ok {
			plan.Candidates = append(plan.Candidates, &Candidate{Scope: s.String(), Index: reduced})
		}
	}
	return fmt.Sprintf("%d scopes", len(plan.Candidates))
}

func (p *Planner) buildCandidate(ctx context.Context, plan *Plan, c *Candidate) error {
	comp := &composer{ctx: ctx, b: p.builder, scope: c.Index, global: plan.global}
	var implied *index.Scope
	if s, ok := c.Index.Scope(); ok {
		implied = &s
	}
	f, narrowing, err := comp.candidate(plan.Query.Filter, implied)
	if err != nil {
		return errors.Wrapf(err, "building %s formula", c.Scope)
	}
	c.Formula = p.supervisor.AnalyseFormula(f)
	c.narrowing = narrowing
	return nil
}

// buildCandidateFormulas builds one formula per scope, concurrently when
// configured to.
func (p *Planner) buildCandidateFormulas(ctx context.Context, plan *Plan) (string, error) {
	if !p.parallel || len(plan.Candidates) == 1 {
		for _, c := range plan.Candidates {
			if err := p.buildCandidate(ctx, plan, c); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%d formulas", len(plan.Candidates)), nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range plan.Candidates {
		c := c
		g.Go(func() error { return p.buildCandidate(gctx, plan, c) })
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d formulas, concurrently", len(plan.Candidates)), nil
}

// estimateAndPick chooses the candidate with the lowest estimated cost, the
// first discovered on ties.
func (p *Planner) estimateAndPick(ctx context.Context, plan *Plan) (string, error) {
	for _, c := range plan.Candidates {
		if plan.Chosen == nil || c.EstimatedCost() < plan.Chosen.EstimatedCost() {
			plan.Chosen = c
		}
	}
	plan.Root = plan.Chosen.Formula
	plan.Strategy = StrategyStandard
	return fmt.Sprintf("%s at estimated cost %d", plan.Chosen.Scope, plan.Chosen.EstimatedCost()), nil
}

// prefetchDecision offers the prefetch strategy when a conjunctive leaf
// narrows the result to fewer entities than the threshold. Fetching is
// charged per entity and required section; the cheaper strategy is frozen
// in a Selection node.
func (p *Planner) prefetchDecision(ctx context.Context, plan *Plan) (string, error) {
	chosen := plan.Chosen
	narrowing := chosen.narrowing
	if narrowing == nil {
		return "no narrowing constraint", nil
	}
	count := narrowing.EstimatedCardinality()
	if count >= uint64(p.prefetchThreshold) {
		return fmt.Sprintf("%d entities, not below threshold %d", count, p.prefetchThreshold), nil
	}

	filter := plan.Query.Filter
	sections := plan.Query.Require.Union(query.Sections(filter))
	// A fetch costs at least one section per entity, even when nothing is
	// read from the bodies.
	charged := max(1, len(sections))
	cost := int64(count) * int64(charged) * p.unitFetchCost

	fetcher := p.fetcher
	if fetcher == nil {
		fetcher = plan.global
	}
	standard := chosen.Formula
	key := xxhash.Sum64String(fmt.Sprintf("prefetch:%x:%x", standard.Hash(), narrowing.Hash()))
	alternative := p.builder.Fetched(key, count, cost, func() *roaring.Bitmap {
		ctx := plan.execCtx
		if ctx == nil {
			ctx = context.Background()
		}
		pks := narrowing.Compute().ToArray()
		entities, err := fetcher.FetchEntities(ctx, pks, sections)
		rb := roaring.New()
		if err != nil {
			plan.fetchErr = errors.Newf(errors.ErrFetch, "prefetching %d entities: %v", len(pks), err)
			return rb
		}
		for _, e := range entities {
			if filter == nil || filter.Matches(e) {
				rb.Add(e.PrimaryKey)
			}
		}
		return rb
	})

	sel, err := p.builder.Selection(standard, alternative, func(standard, alternative formula.Formula) bool {
		return alternative.EstimatedCost() < standard.EstimatedCost()
	})
	if err != nil {
		return "", err
	}
	plan.Root = sel
	if sel.UsesAlternative() {
		plan.Strategy = StrategyPrefetch
	}
	return fmt.Sprintf("prefetch of %d entities x %d sections costs %d, standard %d: %s",
		count, charged, cost, standard.EstimatedCost(), plan.Strategy), nil
}

// sort resolves the sort index of the chosen scope.
func (p *Planner) sort(ctx context.Context, plan *Plan) (string, error) {
	ob := plan.Query.OrderBy
	if ob == nil {
		return "primary key", nil
	}
	if _, ok := plan.global.Attribute(ctx, ob.Attribute); !ok {
		return "", errors.Newf(errors.ErrUnknownAttribute, "cannot order by unknown attribute '%s'", ob.Attribute)
	}
	if a, ok := plan.Chosen.Index.Attribute(ctx, ob.Attribute); ok {
		plan.sorter = a
	}
	dir := "asc"
	if ob.Desc {
		dir = "desc"
	}
	return fmt.Sprintf("%s %s", ob.Attribute, dir), nil
}

// extraResults builds one group count computer per requested reference,
// over the referenced ids of the chosen scope.
func (p *Planner) extraResults(ctx context.Context, plan *Plan) (string, error) {
	comp := &composer{ctx: ctx, b: p.builder, scope: plan.Chosen.Index, global: plan.global}
	for _, req := range plan.Query.Extras {
		var groups []formula.Group
		if ref, ok := plan.Chosen.Index.Reference(ctx, req.Reference); ok {
			for _, id := range ref.Referenced(ctx) {
				if bm, ok := ref.Referencing(ctx, id); ok {
					groups = append(groups, formula.Group{Key: id, Formula: comp.leaf(bm)})
				}
			}
		}
		e := p.supervisor.AnalyseExtra(p.builder.GroupCounts(plan.Root, groups))
		plan.Extras = append(plan.Extras, Extra{Name: req.Reference, Computer: e})
	}
	return fmt.Sprintf("%d extra results", len(plan.Extras)), nil
}

// Execute computes the plan: it evaluates the root formula, sorts and pages
// the result and computes the extra results. Concurrent executions of one
// plan are serialized; a failed prefetch fails every execution.
func (p *Plan) Execute(ctx context.Context) (*Result, error) {
	res := &Result{Strategy: p.Strategy, Extras: make(map[string][]formula.GroupCount)}
	if p.Empty() {
		metrics.CounterPlannerStrategy.WithLabelValues(string(StrategyEmpty)).Inc()
		return res, nil
	}
	p.execMu.Lock()
	defer p.execMu.Unlock()
	supervisor := p.planner.supervisor
	if p.Profile != nil {
		ctx = tracing.ContextWithProfile(ctx, p.Profile)
	}
	err := run(ctx, p, StateExecute, func(ctx context.Context, plan *Plan) (string, error) {
		plan.execCtx = ctx
		defer func() { plan.execCtx = nil }()

		rb := plan.Root.Compute()
		if plan.fetchErr != nil {
			return "", plan.fetchErr
		}
		res.TotalCount = int(rb.GetCardinality())
		sorted := plan.sorted(ctx, rb)
		from, to := plan.Query.Page.Bounds(len(sorted))
		res.PrimaryKeys = sorted[from:to]

		for _, e := range plan.Extras {
			if counts, ok := e.Computer.Compute().([]formula.GroupCount); ok {
				res.Extras[e.Name] = counts
			}
		}
		if r, ok := supervisor.(retainer); ok {
			r.Retain(plan.Root)
			for _, e := range plan.Extras {
				r.RetainExtra(e.Computer)
			}
		}
		return fmt.Sprintf("%d records, cost %d", res.TotalCount, plan.Root.Cost()), nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CounterPlannerStrategy.WithLabelValues(string(p.Strategy)).Inc()
	p.planner.logger.Debugf("%s: %d records by %s strategy", p.Query, res.TotalCount, p.Strategy)
	return res, nil
}

// sorted orders the records of rb. Records the sort index does not hold
// follow in ascending primary key.
func (p *Plan) sorted(ctx context.Context, rb *roaring.Bitmap) []uint32 {
	if p.Query.OrderBy == nil || p.sorter == nil {
		return rb.ToArray()
	}
	out := make([]uint32, 0, rb.GetCardinality())
	emitted := roaring.New()
	for _, pk := range p.sorter.Sorted(ctx, p.Query.OrderBy.Desc) {
		if rb.Contains(pk) {
			out = append(out, pk)
			emitted.Add(pk)
		}
	}
	return append(out, roaring.AndNot(rb, emitted).ToArray()...)
}
