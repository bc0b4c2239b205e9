// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package formula

// Supervisor is offered every formula and extra result computer before
// evaluation. It may return an equivalent instance, with the same hash,
// whose result is already memoized.
type Supervisor interface {
	AnalyseFormula(f Formula) Formula
	AnalyseExtra(e ExtraResultComputer) ExtraResultComputer
}

// NoCache is the supervisor that never substitutes anything.
var NoCache Supervisor = noCache{}

type noCache struct{}

func (noCache) AnalyseFormula(f Formula) Formula                        { return f }
func (noCache) AnalyseExtra(e ExtraResultComputer) ExtraResultComputer { return e }

// Walk visits f and its descendants depth first, parents before children.
// Returning false from fn skips the children of the visited node.
func Walk(f Formula, fn func(f Formula) bool) {
	if !fn(f) {
		return
	}
	for _, c := range f.Children() {
		Walk(c, fn)
	}
}

// Transform rebuilds f bottom-up: children are transformed first, then fn
// is offered the node rebuilt over the transformed children. Unchanged
// subtrees are kept as they are.
func Transform(f Formula, fn func(f Formula) Formula) Formula {
	children := f.Children()
	if len(children) > 0 {
		transformed := make([]Formula, len(children))
		for i, c := range children {
			transformed[i] = Transform(c, fn)
		}
		f = f.WithChildren(transformed)
	}
	return fn(f)
}
