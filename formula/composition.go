// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package formula

import "github.com/featurebasedb/bitplan/errors"

// Composition is the outcome of composing a constraint scope: either a
// resolved formula, or a negation waiting for the superset it subtracts
// from. Enclosing scopes combine compositions and the root resolves the
// remaining negation against the all-records bitmap.
type Composition interface {
	composition()
}

// Resolved holds a formula computing the scope result.
type Resolved struct {
	Formula Formula
}

// PendingNegation means "superset minus Formula" for a superset supplied by
// an enclosing scope.
type PendingNegation struct {
	Formula Formula
}

func (Resolved) composition()        {}
func (PendingNegation) composition() {}

func split(parts []Composition) (pos, neg []Formula) {
	for _, p := range parts {
		switch c := p.(type) {
		case Resolved:
			pos = append(pos, c.Formula)
		case PendingNegation:
			neg = append(neg, c.Formula)
		}
	}
	return pos, neg
}

func (b *Builder) andOf(fs []Formula) (Formula, error) {
	if len(fs) == 1 {
		return fs[0], nil
	}
	return b.And(fs...)
}

func (b *Builder) orOf(fs []Formula) (Formula, error) {
	if len(fs) == 1 {
		return fs[0], nil
	}
	return b.Or(fs...)
}

// ComposeAnd composes a conjunction. Negations are subtracted from the
// intersection of the positive parts; a conjunction of negations only is
// still pending: (S\a) ∩ (S\b) = S \ (a ∪ b).
func (b *Builder) ComposeAnd(parts ...Composition) (Composition, error) {
	pos, neg := split(parts)
	if len(pos) == 0 && len(neg) == 0 {
		return nil, errors.New(errors.ErrFormulaArity, "conjunction of no constraint")
	}
	var subtracted Formula
	if len(neg) > 0 {
		f, err := b.orOf(neg)
		if err != nil {
			return nil, err
		}
		subtracted = f
	}
	if len(pos) == 0 {
		return PendingNegation{Formula: subtracted}, nil
	}
	superset, err := b.andOf(pos)
	if err != nil {
		return nil, err
	}
	if subtracted == nil {
		return Resolved{Formula: superset}, nil
	}
	f, err := b.Not(subtracted, superset)
	if err != nil {
		return nil, err
	}
	return Resolved{Formula: f}, nil
}

// ComposeOr composes a disjunction. With any negation the result stays
// pending: P ∪ (S\n) = S \ (n \ P), and (S\a) ∪ (S\b) = S \ (a ∩ b).
func (b *Builder) ComposeOr(parts ...Composition) (Composition, error) {
	pos, neg := split(parts)
	if len(pos) == 0 && len(neg) == 0 {
		return nil, errors.New(errors.ErrFormulaArity, "disjunction of no constraint")
	}
	if len(neg) == 0 {
		f, err := b.orOf(pos)
		if err != nil {
			return nil, err
		}
		return Resolved{Formula: f}, nil
	}
	common, err := b.andOf(neg)
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return PendingNegation{Formula: common}, nil
	}
	union, err := b.orOf(pos)
	if err != nil {
		return nil, err
	}
	f, err := b.Not(union, common)
	if err != nil {
		return nil, err
	}
	return PendingNegation{Formula: f}, nil
}

// ComposeNot negates a composition.
func (b *Builder) ComposeNot(c Composition) Composition {
	switch v := c.(type) {
	case Resolved:
		return PendingNegation(v)
	case PendingNegation:
		return Resolved(v)
	}
	errors.Invariantf("unknown composition %T", c)
	return nil
}

// Resolve materializes c against superset. A pending negation with no
// superset stays pending.
func (b *Builder) Resolve(c Composition, superset Formula) (Composition, error) {
	p, ok := c.(PendingNegation)
	if !ok || superset == nil {
		return c, nil
	}
	f, err := b.Not(p.Formula, superset)
	if err != nil {
		return nil, err
	}
	return Resolved{Formula: f}, nil
}

// ResolveRoot returns the formula of a root composition. A negation still
// pending at the root with no superset to subtract from is a defect of the
// caller and panics with ErrUnresolvedNegation.
func (b *Builder) ResolveRoot(c Composition, superset Formula) Formula {
	r, err := b.Resolve(c, superset)
	if err != nil {
		panic(err)
	}
	switch v := r.(type) {
	case Resolved:
		return v.Formula
	case PendingNegation:
		errors.InvariantCodef(errors.ErrUnresolvedNegation, "negation of %s reached the root without a superset", v.Formula)
	}
	errors.Invariantf("unknown composition %T", c)
	return nil
}

// ComposeAnd composes a conjunction using the default cost model.
func ComposeAnd(parts ...Composition) (Composition, error) { return defaultBuilder.ComposeAnd(parts...) }

// ComposeOr composes a disjunction using the default cost model.
func ComposeOr(parts ...Composition) (Composition, error) { return defaultBuilder.ComposeOr(parts...) }

// ComposeNot negates a composition.
func ComposeNot(c Composition) Composition { return defaultBuilder.ComposeNot(c) }

// ResolveRoot resolves a root composition using the default cost model.
func ResolveRoot(c Composition, superset Formula) Formula { return defaultBuilder.ResolveRoot(c, superset) }
