// Package rpkierr defines the error kinds the validator distinguishes on,
// as opposed to the ad-hoc wrapped errors used everywhere else in the
// module. Callers that need to change behaviour based on what went wrong
// (reject a point, fall back to stored data, abort a transaction, abort
// the run) use errors.As against these types; everything else just wraps
// with fmt.Errorf.
package rpkierr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for dispositioning by the engine.
type Kind string

const (
	// KindDecode covers malformed ASN.1, unimplemented encodings, and
	// premature EOF. Propagates up to a publication point at most,
	// where it becomes a warn plus reject-point.
	KindDecode Kind = "decode"

	// KindValidation covers signature, resource, or extension rule
	// violations. Same disposition as KindDecode.
	KindValidation Kind = "validation"

	// KindStale means next_update < now. Policy-dependent disposition:
	// accept, warn, or reject-point.
	KindStale Kind = "stale"

	// KindTransport covers a non-success HTTP status, an RRDP content
	// hash mismatch, or a non-zero rsync exit. The collector reports
	// "no update" and the engine falls back to stored data.
	KindTransport Kind = "transport"

	// KindStoreAbort is a consistency problem found during a
	// transaction; it rolls back only the current publication point.
	KindStoreAbort Kind = "store-abort"

	// KindStoreFatal is underlying archive I/O failure or detected
	// corruption; it aborts the whole run.
	KindStoreFatal Kind = "store-fatal"
)

// Error wraps an underlying cause with a Kind so the engine can decide
// how to handle it without string-matching messages.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Decodef builds a KindDecode error, formatted like fmt.Errorf.
func Decodef(format string, args ...any) *Error {
	return &Error{Kind: KindDecode, Cause: fmt.Errorf(format, args...)}
}

// Validationf builds a KindValidation error, formatted like fmt.Errorf.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Cause: fmt.Errorf(format, args...)}
}

// Stalef builds a KindStale error, formatted like fmt.Errorf.
func Stalef(format string, args ...any) *Error {
	return &Error{Kind: KindStale, Cause: fmt.Errorf(format, args...)}
}

// Transportf builds a KindTransport error, formatted like fmt.Errorf.
func Transportf(format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Cause: fmt.Errorf(format, args...)}
}

// StoreAbortf builds a KindStoreAbort error, formatted like fmt.Errorf.
func StoreAbortf(format string, args ...any) *Error {
	return &Error{Kind: KindStoreAbort, Cause: fmt.Errorf(format, args...)}
}

// StoreFatalf builds a KindStoreFatal error, formatted like fmt.Errorf.
func StoreFatalf(format string, args ...any) *Error {
	return &Error{Kind: KindStoreFatal, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Failed is the sentinel meaning "abort the current run", propagated
// upward through a worker to the run's fatal-error flag. It carries no
// kind of its own — it is raised after a KindStoreFatal (or any other
// condition a worker decides is unrecoverable) has already been logged.
var Failed = errors.New("rpkierr: run aborted")
