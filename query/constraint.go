// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package query

import (
	"fmt"
	"slices"
	"strings"
)

// Constraint is a node of the filter tree. Matches evaluates it directly on
// an entity body, which is what the prefetch strategy does.
type Constraint interface {
	Matches(e Entity) bool
	String() string
}

// And matches entities matching every member.
type And []Constraint

// Or matches entities matching any member.
type Or []Constraint

// UserFilter groups constraints chosen interactively by a user. It matches
// like And but is planned as a scope of its own.
type UserFilter []Constraint

// Not matches entities not matching the wrapped constraint.
type Not struct {
	Constraint Constraint
}

// AttributeEquals matches entities whose attribute has the value.
type AttributeEquals struct {
	Attribute string
	Value     Value
}

// AttributeIn matches entities whose attribute has one of the values.
type AttributeIn struct {
	Attribute string
	Values    []Value
}

// EntityPrimaryKeyIn matches the listed primary keys.
type EntityPrimaryKeyIn []uint32

// ReferencedBy matches entities referencing ID through Reference.
type ReferencedBy struct {
	Reference string
	ID        uint32
}

func (c And) Matches(e Entity) bool {
	for _, m := range c {
		if !m.Matches(e) {
			return false
		}
	}
	return true
}

func (c Or) Matches(e Entity) bool {
	for _, m := range c {
		if m.Matches(e) {
			return true
		}
	}
	return false
}

func (c UserFilter) Matches(e Entity) bool { return And(c).Matches(e) }
func (c Not) Matches(e Entity) bool        { return !c.Constraint.Matches(e) }

func (c AttributeEquals) Matches(e Entity) bool {
	v, ok := e.Attributes[c.Attribute]
	return ok && v == c.Value
}

func (c AttributeIn) Matches(e Entity) bool {
	v, ok := e.Attributes[c.Attribute]
	return ok && slices.Contains(c.Values, v)
}

func (c EntityPrimaryKeyIn) Matches(e Entity) bool { return slices.Contains(c, e.PrimaryKey) }

func (c ReferencedBy) Matches(e Entity) bool {
	return slices.Contains(e.References[c.Reference], c.ID)
}

func join(name string, cs []Constraint) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

func (c And) String() string        { return join("and", c) }
func (c Or) String() string         { return join("or", c) }
func (c UserFilter) String() string { return join("userFilter", c) }
func (c Not) String() string        { return "not(" + c.Constraint.String() + ")" }

func (c AttributeEquals) String() string {
	return fmt.Sprintf("attributeEquals(%s, %s)", c.Attribute, c.Value)
}

func (c AttributeIn) String() string {
	vs := make([]string, len(c.Values))
	for i, v := range c.Values {
		vs[i] = v.String()
	}
	return fmt.Sprintf("attributeIn(%s, %s)", c.Attribute, strings.Join(vs, ", "))
}

func (c EntityPrimaryKeyIn) String() string {
	return fmt.Sprintf("entityPrimaryKeyIn(%d keys)", len(c))
}

func (c ReferencedBy) String() string {
	return fmt.Sprintf("referencedBy(%s, %d)", c.Reference, c.ID)
}

// Walk visits c and its descendants, parents first.
func Walk(c Constraint, fn func(c Constraint)) {
	if c == nil {
		return
	}
	fn(c)
	switch v := c.(type) {
	case And:
		for _, m := range v {
			Walk(m, fn)
		}
	case Or:
		for _, m := range v {
			Walk(m, fn)
		}
	case UserFilter:
		for _, m := range v {
			Walk(m, fn)
		}
	case Not:
		Walk(v.Constraint, fn)
	}
}

// Conjuncts returns the constraints that must all hold for c to hold:
// the members of nested top-level conjunctions, or c itself.
func Conjuncts(c Constraint) []Constraint {
	switch v := c.(type) {
	case nil:
		return nil
	case And:
		var out []Constraint
		for _, m := range v {
			out = append(out, Conjuncts(m)...)
		}
		return out
	}
	return []Constraint{c}
}

// Sections returns the entity content sections needed to evaluate c with
// Matches.
func Sections(c Constraint) Requirements {
	var req Requirements
	Walk(c, func(c Constraint) {
		switch c.(type) {
		case AttributeEquals, AttributeIn:
			req = req.Union(Requirements{SectionAttributes})
		case ReferencedBy:
			req = req.Union(Requirements{SectionReferences})
		}
	})
	return req
}
