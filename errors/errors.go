// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package errors wraps pkg/errors and includes some custom features such as
// error codes and invariant violations.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error. For
// example, see the Is() method.
type Code string

const (
	ErrUncoded Code = "Uncoded"

	// ErrInvariant marks a programmer error: the engine reached a state
	// that its own bookkeeping says is impossible.
	ErrInvariant Code = "InvariantViolation"

	ErrTransactionActive  Code = "TransactionActive"
	ErrTransactionClosed  Code = "TransactionClosed"
	ErrFormulaArity       Code = "FormulaArity"
	ErrUnresolvedNegation Code = "UnresolvedNegation"
	ErrUnknownEntityType  Code = "UnknownEntityType"
	ErrUnknownAttribute   Code = "UnknownAttribute"
	ErrInvalidConfig      Code = "InvalidConfig"
	ErrFetch              Code = "FetchFailed"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code
	Message string
}

func (ce codedError) Error() string { return ce.Message }

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}
