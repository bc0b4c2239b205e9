// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// InvariantViolation is the panic value used when internal bookkeeping is
// found to be inconsistent. It is never returned as an ordinary error by the
// engine; it is only raised through Invariantf.
type InvariantViolation struct {
	Code    Code
	Message string
	stack   error
}

func (iv *InvariantViolation) Error() string {
	return "invariant violation: " + iv.Message
}

// Is lets errors.Is(err, ErrInvariant) and errors.Is(err, iv.Code) match.
func (iv *InvariantViolation) Is(err error) bool {
	e, ok := err.(codedError)
	if !ok {
		return false
	}
	return e.Code == ErrInvariant || e.Code == iv.Code
}

// StackTrace returns the stack captured at the point of violation.
func (iv *InvariantViolation) StackTrace() errors.StackTrace {
	if st, ok := iv.stack.(interface{ StackTrace() errors.StackTrace }); ok {
		return st.StackTrace()
	}
	return nil
}

// Invariantf panics with an InvariantViolation coded ErrInvariant.
func Invariantf(format string, args ...interface{}) {
	panic(newInvariant(ErrInvariant, fmt.Sprintf(format, args...)))
}

// InvariantCodef panics with an InvariantViolation carrying a more specific
// code, e.g. ErrUnresolvedNegation or ErrTransactionClosed.
func InvariantCodef(code Code, format string, args ...interface{}) {
	panic(newInvariant(code, fmt.Sprintf(format, args...)))
}

func newInvariant(code Code, msg string) *InvariantViolation {
	return &InvariantViolation{
		Code:    code,
		Message: msg,
		stack:   errors.New(msg),
	}
}

// CatchInvariant converts an InvariantViolation panic into an error stored in
// *errp. Any other panic value is re-raised. Use it as
//
//	defer errors.CatchInvariant(&err)
//
// at outer surfaces (CLI, test harnesses) that must report instead of crash.
func CatchInvariant(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if iv, ok := r.(*InvariantViolation); ok {
		*errp = iv
		return
	}
	panic(r)
}
