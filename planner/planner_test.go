// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package planner_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/featurebasedb/bitplan/cache"
	"github.com/featurebasedb/bitplan/config"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/logger"
	"github.com/featurebasedb/bitplan/metrics"
	"github.com/featurebasedb/bitplan/planner"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/txn"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const products = 500

// color is red up to pk 460, blue beyond.
func color(pk uint32) string {
	if pk <= 460 {
		return "red"
	}
	return "blue"
}

func size(pk uint32) int64   { return int64(pk % 7) }
func brand(pk uint32) uint32 { return 100 + pk%5 }

func newCatalog(t *testing.T) *index.Catalog {
	t.Helper()
	ctx := context.Background()
	c := index.NewCatalog()
	c.Register(ctx, "product")
	for pk := uint32(1); pk <= products; pk++ {
		require.NoError(t, c.Upsert(ctx, "product", query.Entity{
			PrimaryKey: pk,
			Attributes: map[string]query.Value{
				"color": query.String(color(pk)),
				"size":  query.Int(size(pk)),
			},
			References: map[string][]uint32{"brand": {brand(pk)}},
		}))
	}
	return c
}

func where(fn func(pk uint32) bool) []uint32 {
	var out []uint32
	for pk := uint32(1); pk <= products; pk++ {
		if fn(pk) {
			out = append(out, pk)
		}
	}
	return out
}

func span(from, to uint32) []uint32 {
	return where(func(pk uint32) bool { return pk >= from && pk <= to })
}

func red() query.Constraint  { return query.AttributeEquals{Attribute: "color", Value: query.String("red")} }
func blue() query.Constraint { return query.AttributeEquals{Attribute: "color", Value: query.String("blue")} }

// The narrow conjunction holds 40 keys against 460 red records: with an AND
// coefficient of 10 the standard formula costs 10*(40+460) = 5000, with 30 it
// costs 15000, while prefetching 40 entities with two sections costs
// 40*2*148 = 11840.
func TestPlanner_PrefetchDecision(t *testing.T) {
	q := query.Query{
		EntityType: "product",
		Filter:     query.And{query.EntityPrimaryKeyIn(span(441, 480)), red()},
		Require:    query.Requirements{query.SectionAttributes, query.SectionReferences},
	}
	for _, tt := range []struct {
		and      int64
		strategy planner.Strategy
		ands     int
	}{
		{and: 10, strategy: planner.StrategyStandard, ands: 1},
		{and: 30, strategy: planner.StrategyPrefetch, ands: 0},
	} {
		t.Run(fmt.Sprintf("and=%d", tt.and), func(t *testing.T) {
			ctx := context.Background()
			cm := formula.DefaultCostModel()
			cm.And = tt.and
			counter := formula.NewCounter()
			p := planner.New(planner.OptPlannerCostModel(cm), planner.OptPlannerCounter(counter))

			plan, err := p.Plan(ctx, newCatalog(t), q)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, plan.Strategy)
			assert.Equal(t, 500*tt.and, plan.Chosen.EstimatedCost())
			sel, ok := plan.Root.(*formula.Selection)
			require.True(t, ok, "root %s", plan.Root)
			assert.Equal(t, int64(11840), sel.Alternative().EstimatedCost())

			before := testutil.ToFloat64(metrics.CounterPlannerStrategy.WithLabelValues(string(tt.strategy)))
			res, err := plan.Execute(ctx)
			require.NoError(t, err)
			assert.Equal(t, span(441, 460), res.PrimaryKeys)
			assert.Equal(t, 20, res.TotalCount)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.ands, counter.Of(formula.ClassAnd))
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.CounterPlannerStrategy.WithLabelValues(string(tt.strategy))))
		})
	}
}

func TestPlanner_PrefetchFetchError(t *testing.T) {
	cm := formula.DefaultCostModel()
	cm.And = 30
	p := planner.New(planner.OptPlannerCostModel(cm), planner.OptPlannerFetcher(failingFetcher{}))
	_, err := p.Query(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     query.And{query.EntityPrimaryKeyIn(span(441, 480)), red()},
		Require:    query.Requirements{query.SectionAttributes, query.SectionReferences},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFetch), "%v", err)
}

type failingFetcher struct{}

func (failingFetcher) FetchEntities(ctx context.Context, pks []uint32, req query.Requirements) ([]query.Entity, error) {
	return nil, errors.New(errors.ErrUncoded, "bodies unavailable")
}

// Key constraints only match records of the scope they are evaluated in,
// also on a reduced scope where the implied reference is dropped.
func TestPlanner_ReducedScopeBoundsKeys(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	p := planner.New()
	for _, tt := range []struct {
		pks  query.EntityPrimaryKeyIn
		want []uint32
	}{
		{query.EntityPrimaryKeyIn{5}, nil},
		{query.EntityPrimaryKeyIn{5, 6, 11, 999}, []uint32{6, 11}},
	} {
		t.Run(tt.pks.String(), func(t *testing.T) {
			plan, err := p.Plan(ctx, c, query.Query{
				EntityType: "product",
				Filter:     query.And{query.ReferencedBy{Reference: "brand", ID: 101}, tt.pks},
			})
			require.NoError(t, err)
			assert.Equal(t, "brand=101", plan.Chosen.Scope)
			res, err := plan.Execute(ctx)
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, res.PrimaryKeys)
			} else {
				assert.Equal(t, tt.want, res.PrimaryKeys)
			}
			assert.Equal(t, len(tt.want), res.TotalCount)
		})
	}
}

// Both strategies yield the same records, including for keys that were
// never upserted.
func TestPlanner_StrategiesAgree(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	for _, tt := range []struct {
		name   string
		filter query.Constraint
		want   []uint32
	}{
		{"unknown keys", query.EntityPrimaryKeyIn{3, 600, 999}, []uint32{3}},
		{"unknown keys and red", query.And{query.EntityPrimaryKeyIn{1, 460, 461, 999, 1000}, red()}, []uint32{1, 460}},
		{"unknown keys not red", query.And{query.EntityPrimaryKeyIn{470, 480, 1200}, query.Not{Constraint: red()}}, []uint32{470, 480}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			results := make(map[planner.Strategy][]uint32)
			cm := formula.DefaultCostModel()
			cm.And, cm.Not = 10000, 10000
			for _, p := range []*planner.Planner{
				planner.New(planner.OptPlannerPrefetchThreshold(0)),
				planner.New(planner.OptPlannerCostModel(cm), planner.OptPlannerUnitFetchCost(1)),
			} {
				res, err := p.Query(ctx, c, query.Query{EntityType: "product", Filter: tt.filter})
				require.NoError(t, err)
				results[res.Strategy] = res.PrimaryKeys
				assert.Equal(t, len(tt.want), res.TotalCount, "%s strategy", res.Strategy)
			}
			assert.Equal(t, tt.want, results[planner.StrategyStandard])
			if len(results) == 2 {
				assert.Equal(t, tt.want, results[planner.StrategyPrefetch])
			}
		})
	}
}

func TestPlanner_PrefetchSkipsUnknownKeys(t *testing.T) {
	cm := formula.DefaultCostModel()
	cm.And, cm.Not = 10000, 10000
	plan, err := planner.New(planner.OptPlannerCostModel(cm), planner.OptPlannerUnitFetchCost(1)).Plan(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     query.And{query.EntityPrimaryKeyIn{1, 460, 461, 999, 1000}, red()},
	})
	require.NoError(t, err)
	assert.Equal(t, planner.StrategyPrefetch, plan.Strategy)
	// 999 and 1000 are not records: three entities are fetched.
	sel, ok := plan.Root.(*formula.Selection)
	require.True(t, ok, "root %s", plan.Root)
	assert.Equal(t, uint64(3), sel.Alternative().EstimatedCardinality())
	assert.Equal(t, int64(3), sel.Alternative().EstimatedCost())
}

// A fetch reading no section is still charged one section per entity.
func TestPlanner_PrefetchChargesOneSection(t *testing.T) {
	plan, err := planner.New().Plan(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     query.And{query.EntityPrimaryKeyIn(span(1, 40)), query.Not{Constraint: query.EntityPrimaryKeyIn{3}}},
	})
	require.NoError(t, err)
	sel, ok := plan.Root.(*formula.Selection)
	require.True(t, ok, "root %s", plan.Root)
	assert.Equal(t, int64(40*148), sel.Alternative().EstimatedCost())
	assert.Equal(t, planner.StrategyStandard, plan.Strategy)

	res, err := plan.Execute(context.Background())
	require.NoError(t, err)
	want := where(func(pk uint32) bool { return pk <= 40 && pk != 3 })
	assert.Equal(t, want, res.PrimaryKeys)
}

func TestPlan_ConcurrentExecute(t *testing.T) {
	cm := formula.DefaultCostModel()
	cm.And = 30
	plan, err := planner.New(planner.OptPlannerCostModel(cm)).Plan(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     query.And{query.EntityPrimaryKeyIn(span(441, 480)), red()},
		Require:    query.Requirements{query.SectionAttributes, query.SectionReferences},
	})
	require.NoError(t, err)
	require.Equal(t, planner.StrategyPrefetch, plan.Strategy)

	var g errgroup.Group
	results := make([][]uint32, 8)
	for i := range results {
		i := i
		g.Go(func() error {
			res, err := plan.Execute(context.Background())
			if err != nil {
				return err
			}
			results[i] = res.PrimaryKeys
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, got := range results {
		assert.Equal(t, span(441, 460), got)
	}
}

func TestPlanner_ReducedScope(t *testing.T) {
	c := newCatalog(t)
	want := where(func(pk uint32) bool { return brand(pk) == 100 && color(pk) == "red" })
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			ctx := context.Background()
			p := planner.New(planner.OptPlannerParallelCandidates(parallel))
			plan, err := p.Plan(ctx, c, query.Query{
				EntityType: "product",
				Filter:     query.And{query.ReferencedBy{Reference: "brand", ID: 100}, red()},
			})
			require.NoError(t, err)
			require.Len(t, plan.Candidates, 2)
			assert.Equal(t, "global", plan.Candidates[0].Scope)
			assert.Equal(t, "brand=100", plan.Chosen.Scope)
			assert.Equal(t, int64(0), plan.Chosen.EstimatedCost(), "a single leaf of the reduced index")
			assert.Equal(t, int64(15*(100+460)), plan.Candidates[0].EstimatedCost())
			assert.Equal(t, planner.StrategyStandard, plan.Strategy)

			res, err := plan.Execute(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, res.PrimaryKeys)
		})
	}
}

func TestPlanner_ReferenceWithoutReducedIndex(t *testing.T) {
	res, err := planner.New().Query(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     query.And{query.ReferencedBy{Reference: "brand", ID: 999}, red()},
	})
	require.NoError(t, err)
	assert.Empty(t, res.PrimaryKeys)
	assert.Equal(t, 0, res.TotalCount)
}

func TestPlanner_Negation(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	p := planner.New()

	plan, err := p.Plan(ctx, c, query.Query{EntityType: "product", Filter: query.Not{Constraint: red()}})
	require.NoError(t, err)
	assert.Equal(t, formula.ClassNot, plan.Chosen.Formula.Class())
	assert.Equal(t, plan.Chosen.Formula, plan.Root, "a negation narrows nothing")
	res, err := plan.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, span(461, 500), res.PrimaryKeys)

	// Negations inside a user filter resolve against the records in scope.
	res, err = p.Query(ctx, c, query.Query{
		EntityType: "product",
		Filter: query.UserFilter{
			query.Not{Constraint: red()},
			query.AttributeEquals{Attribute: "size", Value: query.Int(3)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, where(func(pk uint32) bool { return color(pk) == "blue" && size(pk) == 3 }), res.PrimaryKeys)

	res, err = p.Query(ctx, c, query.Query{
		EntityType: "product",
		Filter:     query.Or{query.Not{Constraint: query.AttributeIn{Attribute: "size", Values: []query.Value{query.Int(0), query.Int(1)}}}, blue()},
	})
	require.NoError(t, err)
	assert.Equal(t, where(func(pk uint32) bool { return size(pk) > 1 || color(pk) == "blue" }), res.PrimaryKeys)
}

func TestPlanner_NoFilter(t *testing.T) {
	res, err := planner.New().Query(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Page:       query.Page{Number: 3, Size: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, products, res.TotalCount)
	assert.Equal(t, span(21, 30), res.PrimaryKeys)
}

func TestPlanner_OrderBy(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	// A blue record without size sorts last.
	require.NoError(t, c.Upsert(ctx, "product", query.Entity{
		PrimaryKey: 501,
		Attributes: map[string]query.Value{"color": query.String("blue")},
	}))

	blues := where(func(pk uint32) bool { return color(pk) == "blue" })
	byDesc := func(desc bool) []uint32 {
		out := append([]uint32(nil), blues...)
		sort.SliceStable(out, func(i, j int) bool {
			if desc {
				return size(out[i]) > size(out[j])
			}
			return size(out[i]) < size(out[j])
		})
		return append(out, 501)
	}

	p := planner.New()
	for _, tt := range []struct {
		name    string
		orderBy query.OrderBy
		page    query.Page
		want    func() []uint32
	}{
		{"asc", query.Ascending("size"), query.Page{}, func() []uint32 { return byDesc(false) }},
		{"desc", query.Descending("size"), query.Page{}, func() []uint32 { return byDesc(true) }},
		{"desc page 2", query.Descending("size"), query.Page{Number: 2, Size: 5}, func() []uint32 { return byDesc(true)[5:10] }},
		{"last page", query.Ascending("size"), query.Page{Number: 5, Size: 10}, func() []uint32 { return byDesc(false)[40:] }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ob := tt.orderBy
			res, err := p.Query(ctx, c, query.Query{EntityType: "product", Filter: blue(), OrderBy: &ob, Page: tt.page})
			require.NoError(t, err)
			assert.Equal(t, 41, res.TotalCount)
			if diff := cmp.Diff(tt.want(), res.PrimaryKeys); diff != "" {
				t.Fatalf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanner_GroupCounts(t *testing.T) {
	res, err := planner.New().Query(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     blue(),
		Page:       query.Page{Number: 1, Size: 1},
		Extras:     []query.GroupCountsOf{{Reference: "brand"}, {Reference: "maker"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{461}, res.PrimaryKeys)
	want := []formula.GroupCount{{Key: 100, Count: 8}, {Key: 101, Count: 8}, {Key: 102, Count: 8}, {Key: 103, Count: 8}, {Key: 104, Count: 8}}
	if diff := cmp.Diff(want, res.Extras["brand"]); diff != "" {
		t.Fatalf("brand counts mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, res.Extras["maker"])
}

func TestPlanner_UnknownAttribute(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	p := planner.New()

	_, err := p.Plan(ctx, c, query.Query{
		EntityType: "product",
		Filter:     query.And{red(), query.AttributeEquals{Attribute: "weight", Value: query.Int(1)}},
	})
	assert.True(t, errors.Is(err, errors.ErrUnknownAttribute), "%v", err)

	ob := query.Ascending("weight")
	_, err = p.Plan(ctx, c, query.Query{EntityType: "product", Filter: red(), OrderBy: &ob})
	assert.True(t, errors.Is(err, errors.ErrUnknownAttribute), "%v", err)
}

func TestPlanner_UnknownEntityType(t *testing.T) {
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.CounterPlannerEmptyShortcut)
	plan, err := planner.New().Plan(ctx, newCatalog(t), query.Query{EntityType: "brand", Filter: red()})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, planner.StrategyEmpty, plan.Strategy)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, planner.StateSelectIndexScopes, plan.Steps[0].State)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CounterPlannerEmptyShortcut))
	assert.Contains(t, plan.Explain(), "empty result")

	res, err := plan.Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.PrimaryKeys)
	assert.Equal(t, planner.StrategyEmpty, res.Strategy)
}

func TestPlan_Explain(t *testing.T) {
	ob := query.Descending("size")
	plan, err := planner.New().Plan(context.Background(), newCatalog(t), query.Query{
		EntityType: "product",
		Filter:     query.And{query.ReferencedBy{Reference: "brand", ID: 101}, blue()},
		OrderBy:    &ob,
		Extras:     []query.GroupCountsOf{{Reference: "brand"}},
	})
	require.NoError(t, err)
	out := plan.Explain()
	for _, s := range []planner.State{
		planner.StateSelectIndexScopes,
		planner.StateBuildCandidateFormulas,
		planner.StateEstimateAndPick,
		planner.StatePrefetchDecision,
		planner.StateSort,
		planner.StateExtraResults,
	} {
		assert.Contains(t, out, s.String())
	}
	assert.Contains(t, out, "* brand=101")
	assert.Contains(t, out, "strategy: standard")
	assert.Contains(t, out, "extra brand")
	assert.NotContains(t, out, planner.StateExecute.String())
}

func TestPlan_Profile(t *testing.T) {
	ctx := context.Background()
	plan, err := planner.New(planner.OptPlannerProfile(true)).Plan(ctx, newCatalog(t), query.Query{EntityType: "product", Filter: blue()})
	require.NoError(t, err)
	require.NotNil(t, plan.Profile)
	assert.Equal(t, "Planner.Plan", plan.Profile.Name)
	require.Len(t, plan.Profile.Children, 6)
	assert.Equal(t, "Planner."+planner.StateSelectIndexScopes.String(), plan.Profile.Children[0].Name)
	assert.Equal(t, "1 scopes", plan.Profile.Children[0].KV["detail"])

	_, err = plan.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Profile.Children, 7)
	assert.Equal(t, "Planner."+planner.StateExecute.String(), plan.Profile.Children[6].Name)
	assert.Contains(t, plan.Explain(), "profile:\n  Planner.Plan ")

	unprofiled, err := planner.New().Plan(ctx, newCatalog(t), query.Query{EntityType: "product", Filter: blue()})
	require.NoError(t, err)
	assert.Nil(t, unprofiled.Profile)
}

func TestPlanner_CacheReuse(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	counter := formula.NewCounter()
	sup := cache.NewSupervisor(cache.OptSupervisorMinCost(0))
	p := planner.New(
		planner.OptPlannerSupervisor(sup),
		planner.OptPlannerCounter(counter),
		planner.OptPlannerPrefetchThreshold(0),
	)
	q := query.Query{
		EntityType: "product",
		Filter: query.And{
			query.AttributeIn{Attribute: "color", Values: []query.Value{query.String("red"), query.String("blue")}},
			query.AttributeEquals{Attribute: "size", Value: query.Int(3)},
		},
	}
	want := where(func(pk uint32) bool { return size(pk) == 3 })

	res, err := p.Query(ctx, c, q)
	require.NoError(t, err)
	assert.Equal(t, want, res.PrimaryKeys)
	computed := counter.Computations()
	assert.Equal(t, 1, counter.Of(formula.ClassOr))
	assert.Equal(t, 2, sup.Len(), "the AND and its OR operand")

	res, err = p.Query(ctx, c, q)
	require.NoError(t, err)
	assert.Equal(t, want, res.PrimaryKeys)
	assert.Equal(t, computed, counter.Computations(), "the second run reuses the retained tree")
}

func TestPlanner_InTransaction(t *testing.T) {
	c := newCatalog(t)
	q := query.Query{EntityType: "product", Filter: query.And{query.ReferencedBy{Reference: "brand", ID: 100}, red()}}
	p := planner.New()

	ctx, tx, err := txn.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, c.Upsert(ctx, "product", query.Entity{
		PrimaryKey: 600,
		Attributes: map[string]query.Value{"color": query.String("red")},
		References: map[string][]uint32{"brand": {100}},
	}))

	inside, err := p.Query(ctx, c, q)
	require.NoError(t, err)
	outside, err := p.Query(context.Background(), c, q)
	require.NoError(t, err)
	assert.Equal(t, outside.TotalCount+1, inside.TotalCount)
	assert.Equal(t, uint32(600), inside.PrimaryKeys[len(inside.PrimaryKeys)-1])
	assert.NotContains(t, outside.PrimaryKeys, uint32(600))
}

func TestPlanner_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := planner.New().Plan(ctx, newCatalog(t), query.Query{EntityType: "product", Filter: red()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.MinCost = 0
	l := logger.NewBufferLogger()
	p := planner.FromConfig(cfg, l)

	q := query.Query{EntityType: "product", Filter: query.Or{blue(), query.AttributeEquals{Attribute: "size", Value: query.Int(0)}}}
	res, err := p.Query(context.Background(), newCatalog(t), q)
	require.NoError(t, err)
	assert.Equal(t, where(func(pk uint32) bool { return color(pk) == "blue" || size(pk) == 0 }), res.PrimaryKeys)
	assert.True(t, strings.Contains(l.String(), "cache: cache retained"), l.String())
}
