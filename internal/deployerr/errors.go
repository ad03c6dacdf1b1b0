// Package deployerr defines the typed error kinds the deployment engine's
// core distinguishes internally. Callers should check a returned error's
// kind with Of, never by matching error strings.
package deployerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. Check a returned error's kind with Of, e.g.
// deployerr.Of(err, deployerr.Persistence).
type Kind string

const (
	// Persistence covers store I/O or migration failures.
	Persistence Kind = "persistence"
	// Convert covers string->socket parsing and enum parsing failures.
	Convert Kind = "convert"
	// Build covers compilation, test, or unpack failures.
	Build Kind = "build"
	// Runtime covers a user program panicking or exiting non-zero.
	Runtime Kind = "runtime"
	// Cancelled covers an observed kill signal.
	Cancelled Kind = "cancelled"
	// Gateway covers the build-slot arbiter denying or being unreachable.
	Gateway Kind = "gateway"
	// NotFound covers an id or service absent from the store.
	NotFound Kind = "not-found"
)

// Error wraps an underlying error with an operation label and a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, someKind) work by comparing against a bare Kind
// value wrapped as an error via New(kind, "", nil).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New(kind, op, err) that returns nil when err is
// nil, so callers can write `return deployerr.Wrap(Build, "compile", err)`
// at the tail of a function without an extra nil check.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}

// Of reports whether err (or any error it wraps) carries the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
