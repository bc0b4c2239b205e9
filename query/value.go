// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package query

import (
	"cmp"
	"strconv"
)

type valueKind uint8

const (
	kindNone valueKind = iota
	kindInt
	kindString
)

// Value is an attribute value: an integer or a string. Values are
// comparable and ordered, integers before strings.
type Value struct {
	kind valueKind
	num  int64
	str  string
}

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: kindInt, num: n} }

// String returns a string value.
func String(s string) Value { return Value{kind: kindString, str: s} }

// IsZero reports whether v is the zero Value, which stands for no value.
func (v Value) IsZero() bool { return v.kind == kindNone }

// Compare orders values.
func (v Value) Compare(o Value) int {
	if c := cmp.Compare(v.kind, o.kind); c != 0 {
		return c
	}
	switch v.kind {
	case kindInt:
		return cmp.Compare(v.num, o.num)
	case kindString:
		return cmp.Compare(v.str, o.str)
	}
	return 0
}

func (v Value) String() string {
	switch v.kind {
	case kindInt:
		return strconv.FormatInt(v.num, 10)
	case kindString:
		return strconv.Quote(v.str)
	}
	return "<none>"
}
