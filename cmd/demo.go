// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/featurebasedb/bitplan/config"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/logger"
	"github.com/featurebasedb/bitplan/planner"
	"github.com/featurebasedb/bitplan/query"
	"github.com/featurebasedb/bitplan/tracing"
	fbopentracing "github.com/featurebasedb/bitplan/tracing/opentracing"
	"github.com/featurebasedb/bitplan/txn"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/spf13/cobra"
)

var colors = []string{"red", "green", "blue", "black", "white"}

// DemoCommand seeds a product catalog in one transaction and runs a set of
// planned queries against the committed version.
type DemoCommand struct {
	Stdout io.Writer
	Stderr io.Writer
	Config config.Config

	Products int
	Brands   int
	Explain  bool
	Trace    bool
}

type demoQuery struct {
	name string
	q    query.Query
}

func (cmd *DemoCommand) queries() []demoQuery {
	price := query.Descending("price")
	return []demoQuery{
		{"all red", query.Query{
			EntityType: "product",
			Filter:     query.AttributeEquals{Attribute: "color", Value: query.String("red")},
			Page:       query.Page{Number: 1, Size: 5},
		}},
		{"brand 1, not black, by price", query.Query{
			EntityType: "product",
			Filter: query.And{
				query.ReferencedBy{Reference: "brand", ID: 1},
				query.Not{Constraint: query.AttributeEquals{Attribute: "color", Value: query.String("black")}},
			},
			OrderBy: &price,
			Page:    query.Page{Number: 1, Size: 5},
			Extras:  []query.GroupCountsOf{{Reference: "brand"}},
		}},
		{"few keys, full bodies", query.Query{
			EntityType: "product",
			Filter: query.And{
				query.EntityPrimaryKeyIn{3, 7, 11, 13, 17, 19, 23},
				query.AttributeIn{Attribute: "color", Values: []query.Value{query.String("red"), query.String("blue")}},
			},
			Require: query.Requirements{query.SectionAttributes, query.SectionReferences},
		}},
		{"user filter facets", query.Query{
			EntityType: "product",
			Filter: query.UserFilter{
				query.AttributeIn{Attribute: "color", Values: []query.Value{query.String("green"), query.String("white")}},
				query.Not{Constraint: query.AttributeEquals{Attribute: "price", Value: query.Int(10)}},
			},
			Page:   query.Page{Number: 2, Size: 5},
			Extras: []query.GroupCountsOf{{Reference: "brand"}},
		}},
	}
}

func (cmd *DemoCommand) newLogger() logger.Logger {
	level, err := logger.LevelFromString(cmd.Config.Log.Verbosity)
	if err != nil {
		level = logger.LevelInfo
	}
	return logger.NewLevelLogger(cmd.Stderr, level)
}

// seed registers the product type and upserts the products, all in one
// transaction.
func (cmd *DemoCommand) seed(ctx context.Context, l logger.Logger) (_ *index.Catalog, err error) {
	defer errors.CatchInvariant(&err)

	alloc := txn.NewAllocator()
	catalog := index.NewCatalog(index.OptAllocator(alloc))
	ctx, tx, err := txn.Begin(ctx, txn.WithAllocator(alloc), txn.WithLogger(l))
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	catalog.Register(ctx, "product")
	for i := 1; i <= cmd.Products; i++ {
		pk := uint32(i)
		e := query.Entity{
			PrimaryKey: pk,
			Attributes: map[string]query.Value{
				"color": query.String(colors[i%len(colors)]),
				"price": query.Int(int64(10 * (1 + i%9))),
			},
		}
		if cmd.Brands > 0 {
			e.References = map[string][]uint32{"brand": {uint32(1 + i%cmd.Brands)}}
		}
		if err := catalog.Upsert(ctx, "product", e); err != nil {
			return nil, err
		}
	}

	commit, err := tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "committing catalog")
	}
	parts, err := commit.DirtyParts()
	if err != nil {
		return nil, errors.Wrap(err, "fingerprinting catalog")
	}
	l.Infof("committed %d products as %d dirty parts", cmd.Products, len(parts))
	return txn.Committed(commit, catalog), nil
}

// Run seeds the catalog and runs the demo queries.
func (cmd *DemoCommand) Run(ctx context.Context) error {
	l := cmd.newLogger()
	if cmd.Trace {
		mt := mocktracer.New()
		prev := tracing.GlobalTracer
		tracing.GlobalTracer = fbopentracing.NewTracer(mt, l.WithPrefix("trace: "))
		defer func() {
			tracing.GlobalTracer = prev
			cmd.printSpans(mt)
		}()
	}

	catalog, err := cmd.seed(ctx, l)
	if err != nil {
		return errors.Wrap(err, "seeding catalog")
	}

	p := planner.FromConfig(cmd.Config, l.WithPrefix("planner: "), planner.OptPlannerProfile(cmd.Explain))
	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"query", "strategy", "estimated cost", "records", "page", "extras"})
	for _, dq := range cmd.queries() {
		plan, err := p.Plan(ctx, catalog, dq.q)
		if err != nil {
			return errors.Wrapf(err, "planning %s", dq.name)
		}
		if cmd.Explain {
			fmt.Fprint(cmd.Stdout, plan.Explain())
		}
		res, err := plan.Execute(ctx)
		if err != nil {
			return errors.Wrapf(err, "executing %s", dq.name)
		}
		if plan.Profile != nil {
			fmt.Fprint(cmd.Stdout, plan.Profile)
		}
		var cost int64
		if !plan.Empty() {
			cost = plan.Root.EstimatedCost()
		}
		t.AppendRow(table.Row{dq.name, res.Strategy, cost, res.TotalCount, fmt.Sprint(res.PrimaryKeys), extras(res)})
	}
	t.Render()
	return nil
}

// extras renders group counts as "ref id=count ...".
func extras(res *planner.Result) string {
	names := make([]string, 0, len(res.Extras))
	for name := range res.Extras {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		for _, gc := range res.Extras[name] {
			fmt.Fprintf(&b, " %d=%d", gc.Key, gc.Count)
		}
	}
	return b.String()
}

func (cmd *DemoCommand) printSpans(mt *mocktracer.MockTracer) {
	byName := make(map[string]int)
	for _, s := range mt.FinishedSpans() {
		byName[s.OperationName]++
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(cmd.Stdout, "spans:")
	for _, name := range names {
		fmt.Fprintf(cmd.Stdout, "  %-32s %d\n", name, byName[name])
	}
}

func newDemoCommand(stdin io.Reader, stdout, stderr io.Writer, cfg *config.Config) *cobra.Command {
	demo := &DemoCommand{Stdout: stdout, Stderr: stderr, Products: 2000, Brands: 4}
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Seed a product catalog and run planned queries against it.",
		Long: `demo seeds a product catalog in a transaction, commits it and runs a
few queries, printing the chosen strategy, the estimated cost and the
results of each.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			demo.Config = *cfg
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return demo.Run(ctx)
		},
	}
	flags := demoCmd.Flags()
	flags.IntVar(&demo.Products, "products", demo.Products, "Number of products to seed.")
	flags.IntVar(&demo.Brands, "brands", demo.Brands, "Number of brands products reference.")
	flags.BoolVar(&demo.Explain, "explain", demo.Explain, "Print the plan of every query.")
	flags.BoolVar(&demo.Trace, "trace", demo.Trace, "Trace planner states and print the span counts.")
	return demoCmd
}
