// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package query describes what a caller asks of the planner: a filter
// constraint tree over one entity type, ordering, paging, the entity content
// sections to fetch and extra results. It also holds the minimal entity
// shape the indexes and the prefetch strategy operate on.
package query

import (
	"context"
	"fmt"
	"strings"
)

// Query is one planner request.
type Query struct {
	EntityType string

	// Filter restricts the result. A nil filter matches every record.
	Filter Constraint

	// OrderBy sorts the result. Nil sorts by ascending primary key.
	OrderBy *OrderBy

	Page    Page
	Require Requirements
	Extras  []GroupCountsOf
}

// OrderBy sorts by an attribute through its sort index. Records without a
// value for the attribute come last, by primary key.
type OrderBy struct {
	Attribute string
	Desc      bool
}

// Ascending sorts by attribute, lowest value first.
func Ascending(attribute string) OrderBy { return OrderBy{Attribute: attribute} }

// Descending sorts by attribute, highest value first.
func Descending(attribute string) OrderBy { return OrderBy{Attribute: attribute, Desc: true} }

// Page selects a window of the sorted result. Number starts at 1; a zero
// Size returns every record.
type Page struct {
	Number int
	Size   int
}

// Bounds returns the window [from, to) of a result holding n records.
func (p Page) Bounds(n int) (int, int) {
	if p.Size <= 0 {
		return 0, n
	}
	number := p.Number
	if number < 1 {
		number = 1
	}
	from := (number - 1) * p.Size
	if from > n {
		from = n
	}
	return from, min(from+p.Size, n)
}

// Section is a part of an entity's content that can be fetched.
type Section string

const (
	SectionAttributes Section = "attributes"
	SectionReferences Section = "references"
)

// Requirements lists the content sections the caller wants back.
type Requirements []Section

// Has reports whether s is required.
func (r Requirements) Has(s Section) bool {
	for _, x := range r {
		if x == s {
			return true
		}
	}
	return false
}

// Union returns r extended with the sections of other it lacks.
func (r Requirements) Union(other Requirements) Requirements {
	out := append(Requirements(nil), r...)
	for _, s := range other {
		if !out.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// GroupCountsOf asks, for every entity referenced through Reference, how
// many records of the result reference it.
type GroupCountsOf struct {
	Reference string
}

// Entity is the indexed shape of one record.
type Entity struct {
	PrimaryKey uint32
	Attributes map[string]Value
	References map[string][]uint32
}

// Trimmed returns a copy of e holding only the required sections.
func (e Entity) Trimmed(req Requirements) Entity {
	out := Entity{PrimaryKey: e.PrimaryKey}
	if req.Has(SectionAttributes) {
		out.Attributes = e.Attributes
	}
	if req.Has(SectionReferences) {
		out.References = e.References
	}
	return out
}

func (e Entity) String() string {
	return fmt.Sprintf("Entity{%d %v %v}", e.PrimaryKey, e.Attributes, e.References)
}

// EntityFetcher loads entity bodies by primary key. Missing keys are
// skipped; the order of the returned entities is unspecified.
type EntityFetcher interface {
	FetchEntities(ctx context.Context, pks []uint32, req Requirements) ([]Entity, error)
}

func (q Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "query(%s", q.EntityType)
	if q.Filter != nil {
		fmt.Fprintf(&b, " filter=%s", q.Filter)
	}
	if q.OrderBy != nil {
		dir := "asc"
		if q.OrderBy.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " orderBy=%s %s", q.OrderBy.Attribute, dir)
	}
	if q.Page.Size > 0 {
		fmt.Fprintf(&b, " page=%d/%d", q.Page.Number, q.Page.Size)
	}
	b.WriteByte(')')
	return b.String()
}
