// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/tracing"
)

// Strategy tags how the result of a plan is computed.
type Strategy string

const (
	// StrategyEmpty is the strategy of plans without any index scope.
	StrategyEmpty Strategy = "empty"

	// StrategyStandard evaluates the formula over the index bitmaps.
	StrategyStandard Strategy = "standard"

	// StrategyPrefetch fetches the few candidate entities and evaluates the
	// filter on their bodies.
	StrategyPrefetch Strategy = "prefetch"
)

// State is a planning state.
type State int

const (
	StateSelectIndexScopes State = iota
	StateBuildCandidateFormulas
	StateEstimateAndPick
	StatePrefetchDecision
	StateSort
	StateExtraResults
	StateExecute
)

func (s State) String() string {
	return [...]string{
		"select-index-scopes",
		"build-candidate-formulas",
		"estimate-and-pick",
		"prefetch-decision",
		"sort",
		"extra-results",
		"execute",
	}[s]
}

// Step records one state the plan went through.
type Step struct {
	State    State
	Duration time.Duration
	Detail   string
}

// Candidate is the formula of one index scope.
type Candidate struct {
	// Scope is "global" or the scope of a reduced index.
	Scope   string
	Index   *index.EntityIndex
	Formula formula.Formula

	// narrowing is the conjunctive leaf with the lowest estimated
	// cardinality, nil when the filter has none.
	narrowing formula.Formula
}

// EstimatedCost returns the estimated cost of the candidate formula.
func (c *Candidate) EstimatedCost() int64 { return c.Formula.EstimatedCost() }

// Plan is a planned query, ready to execute.
type Plan struct {
	Query      query.Query
	Steps      []Step
	Candidates []*Candidate

	// Chosen is the candidate with the lowest estimated cost, nil for an
	// empty plan.
	Chosen *Candidate

	// Root is the evaluated formula: a Selection when the prefetch
	// strategy was considered, the chosen formula otherwise.
	Root     formula.Formula
	Strategy Strategy
	Extras   []Extra

	// Profile holds the planning states, and the execute state once run,
	// when the planner profiles.
	Profile *tracing.Profile

	planner *Planner
	global  *index.EntityIndex
	sorter  *index.AttributeIndex

	// execMu serializes executions; execCtx is set while executing and
	// read by the prefetch supplier, which records fetchErr.
	execMu   sync.Mutex
	execCtx  context.Context
	fetchErr error
}

// Extra is a requested extra result with its computer.
type Extra struct {
	Name     string
	Computer formula.ExtraResultComputer
}

// Empty reports whether the plan has no index scope, in which case it
// yields no record.
func (p *Plan) Empty() bool { return p.Chosen == nil }

// Result is the outcome of an executed plan.
type Result struct {
	// PrimaryKeys is the requested page of the sorted result.
	PrimaryKeys []uint32

	// TotalCount is the number of records matching the filter.
	TotalCount int

	// Extras holds the group counts, keyed by reference name.
	Extras map[string][]formula.GroupCount

	Strategy Strategy
}

// Explain renders the plan for humans.
func (p *Plan) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s\n", p.Query)
	for _, st := range p.Steps {
		fmt.Fprintf(&b, "  %-26s %10s  %s\n", st.State, st.Duration.Round(time.Microsecond), st.Detail)
	}
	if p.Empty() {
		b.WriteString("no index scope: empty result\n")
		return b.String()
	}
	b.WriteString("candidates:\n")
	for _, c := range p.Candidates {
		mark := " "
		if c == p.Chosen {
			mark = "*"
		}
		fmt.Fprintf(&b, "  %s %-12s estimated cost %d: %s\n", mark, c.Scope, c.EstimatedCost(), c.Formula)
	}
	fmt.Fprintf(&b, "strategy: %s\n", p.Strategy)
	fmt.Fprintf(&b, "formula: %s\n", p.Root)
	for _, e := range p.Extras {
		fmt.Fprintf(&b, "extra %s: estimated cost %d\n", e.Name, e.Computer.EstimatedCost())
	}
	if p.Profile != nil {
		b.WriteString("profile:\n")
		for _, line := range strings.SplitAfter(strings.TrimSuffix(p.Profile.String(), "\n"), "\n") {
			b.WriteString("  " + line)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
