// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package formula

// CostModel holds the per-element cost coefficient of every operator: the
// cost of an operator is its coefficient times the number of elements its
// operands hold. Leaves holding a materialized bitmap cost nothing.
type CostModel struct {
	And        int64
	Or         int64
	Not        int64
	UserFilter int64
	Deferred   int64
}

// DefaultCostModel returns the empirically tuned coefficients.
func DefaultCostModel() CostModel {
	return CostModel{
		And:        15,
		Or:         11,
		Not:        21,
		UserFilter: 15,
		Deferred:   1,
	}
}

func (cm CostModel) coefficient(c Class) int64 {
	switch c {
	case ClassAnd:
		return cm.And
	case ClassOr:
		return cm.Or
	case ClassNot:
		return cm.Not
	case ClassUserFilter:
		return cm.UserFilter
	case ClassDeferred:
		return cm.Deferred
	}
	return 0
}
