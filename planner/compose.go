// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package planner

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	"github.com/featurebasedb/bitplan/collection"
	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/index"
	"github.com/featurebasedb/bitplan/query"
)

// composer translates constraints into compositions over the bitmaps of one
// index scope. Attribute names are validated against the global index, so a
// reduced scope lacking an attribute yields an empty leaf, not an error.
type composer struct {
	ctx    context.Context
	b      *formula.Builder
	scope  *index.EntityIndex
	global *index.EntityIndex
}

// leaf wraps an index bitmap. Committed bitmaps are hashed by identity;
// a bitmap with pending changes in the context is hashed by content.
func (c *composer) leaf(bm *collection.Bitmap) formula.Formula {
	if id, ok := bm.ContentID(c.ctx); ok {
		return c.b.Indexed(id, bm.Snapshot(c.ctx))
	}
	return c.b.Constant(bm.Snapshot(c.ctx))
}

func (c *composer) all() formula.Formula { return c.leaf(c.scope.All()) }

// candidate builds the formula of the scope for filter, minus the
// conjunctive constraints implied by the scope. It returns the formula and
// the narrowing conjunctive leaf, if any.
func (c *composer) candidate(filter query.Constraint, implied *index.Scope) (formula.Formula, formula.Formula, error) {
	var conjuncts []query.Constraint
	for _, con := range query.Conjuncts(filter) {
		if r, ok := con.(query.ReferencedBy); ok && implied != nil && r.Reference == implied.Reference && r.ID == implied.ID {
			continue
		}
		conjuncts = append(conjuncts, con)
	}
	if len(conjuncts) == 0 {
		return c.all(), nil, nil
	}

	parts := make([]formula.Composition, len(conjuncts))
	var narrowing formula.Formula
	for i, con := range conjuncts {
		comp, err := c.compose(con)
		if err != nil {
			return nil, nil, err
		}
		parts[i] = comp
		if r, ok := comp.(formula.Resolved); ok && len(r.Formula.Children()) == 0 {
			if narrowing == nil || r.Formula.EstimatedCardinality() < narrowing.EstimatedCardinality() {
				narrowing = r.Formula
			}
		}
	}
	root := parts[0]
	if len(parts) > 1 {
		var err error
		if root, err = c.b.ComposeAnd(parts...); err != nil {
			return nil, nil, err
		}
	}
	return c.b.ResolveRoot(root, c.all()), narrowing, nil
}

func (c *composer) composeAll(cs []query.Constraint) ([]formula.Composition, error) {
	parts := make([]formula.Composition, len(cs))
	for i, con := range cs {
		comp, err := c.compose(con)
		if err != nil {
			return nil, err
		}
		parts[i] = comp
	}
	return parts, nil
}

func (c *composer) compose(con query.Constraint) (formula.Composition, error) {
	switch v := con.(type) {
	case query.And:
		parts, err := c.composeAll(v)
		if err != nil {
			return nil, err
		}
		return c.b.ComposeAnd(parts...)

	case query.Or:
		parts, err := c.composeAll(v)
		if err != nil {
			return nil, err
		}
		return c.b.ComposeOr(parts...)

	case query.Not:
		inner, err := c.compose(v.Constraint)
		if err != nil {
			return nil, err
		}
		return c.b.ComposeNot(inner), nil

	case query.UserFilter:
		// The user filter is a scope of its own: negations inside it are
		// resolved against the records in scope.
		parts, err := c.composeAll(v)
		if err != nil {
			return nil, err
		}
		fs := make([]formula.Formula, len(parts))
		for i, p := range parts {
			fs[i] = c.b.ResolveRoot(p, c.all())
		}
		f, err := c.b.UserFilter(fs...)
		if err != nil {
			return nil, err
		}
		return formula.Resolved{Formula: f}, nil

	case query.AttributeEquals:
		f, err := c.attribute(v.Attribute, v.Value)
		if err != nil {
			return nil, err
		}
		return formula.Resolved{Formula: f}, nil

	case query.AttributeIn:
		var fs []formula.Formula
		for _, val := range v.Values {
			f, err := c.attribute(v.Attribute, val)
			if err != nil {
				return nil, err
			}
			if f.Class() != formula.ClassEmpty {
				fs = append(fs, f)
			}
		}
		switch len(fs) {
		case 0:
			if _, err := c.attributeIndex(v.Attribute); err != nil {
				return nil, err
			}
			return formula.Resolved{Formula: c.b.Empty()}, nil
		case 1:
			return formula.Resolved{Formula: fs[0]}, nil
		}
		f, err := c.b.Or(fs...)
		if err != nil {
			return nil, err
		}
		return formula.Resolved{Formula: f}, nil

	case query.EntityPrimaryKeyIn:
		// Keys are bounded by the records of the scope: a reduced scope
		// drops its implied reference constraint, and keys never upserted
		// must not match.
		pks := roaring.And(roaring.BitmapOf(v...), c.scope.All().Snapshot(c.ctx))
		return formula.Resolved{Formula: c.b.Constant(pks)}, nil

	case query.ReferencedBy:
		ref, ok := c.scope.Reference(c.ctx, v.Reference)
		if !ok {
			return formula.Resolved{Formula: c.b.Empty()}, nil
		}
		bm, ok := ref.Referencing(c.ctx, v.ID)
		if !ok {
			return formula.Resolved{Formula: c.b.Empty()}, nil
		}
		return formula.Resolved{Formula: c.leaf(bm)}, nil
	}
	return nil, errors.Errorf("unsupported constraint %T", con)
}

// attributeIndex returns the index of name in scope, nil if the scope has
// none. Names unknown to the global index are an error.
func (c *composer) attributeIndex(name string) (*index.AttributeIndex, error) {
	if _, ok := c.global.Attribute(c.ctx, name); !ok {
		return nil, errors.Newf(errors.ErrUnknownAttribute, "unknown attribute '%s' of entity type '%s'", name, c.global.Type())
	}
	a, ok := c.scope.Attribute(c.ctx, name)
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (c *composer) attribute(name string, v query.Value) (formula.Formula, error) {
	a, err := c.attributeIndex(name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return c.b.Empty(), nil
	}
	bm, ok := a.Records(c.ctx, v)
	if !ok {
		return c.b.Empty(), nil
	}
	return c.leaf(bm), nil
}
