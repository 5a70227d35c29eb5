// Package mtaerr defines the error taxonomy used to decide log kind and
// retry behavior across ingress, scheduling, and dispatch.
package mtaerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of logging and retry.
type Kind int

const (
	// KindTransient covers DNS failures, connect timeouts, 4xx SMTP,
	// read/write timeouts, and TLS handshake failure under non-strict
	// policy. Action: log TransientFailure, requeue with back-off.
	KindTransient Kind = iota
	// KindPermanent covers 5xx SMTP, invalid envelope, and policy
	// rejection. Action: log Bounce, remove from spool.
	KindPermanent
	// KindSuspended covers throttle retry-after and admin suspension.
	// Action: park the ready queue; no per-message failure recorded.
	KindSuspended
	// KindConfiguration covers failures in a policy callback during
	// resolution. Action at reception: unwind. During delivery: transient.
	KindConfiguration
	// KindShutdown is a distinct fatal kind raised during graceful exit.
	KindShutdown
	// KindBulk marks an error that applies to every message in a ready
	// queue at once (MX resolution failure, a single policy decision).
	KindBulk
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindSuspended:
		return "suspended"
	case KindConfiguration:
		return "configuration"
	case KindShutdown:
		return "shutdown"
	case KindBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and, where applicable, an
// SMTP-style status code and enhanced status code.
type Error struct {
	Kind    Kind
	Code    int    // SMTP reply code, e.g. 450, 550, 421; 0 if not applicable
	Enhanced string // RFC 3463 enhanced status, e.g. "4.4.2"; "" if not applicable
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %d %s: %v", e.Kind, e.Code, e.Enhanced, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, code int, enhanced string, err error) *Error {
	return &Error{Kind: k, Code: code, Enhanced: enhanced, Err: err}
}

func Transient(code int, enhanced string, err error) *Error {
	return newErr(KindTransient, code, enhanced, err)
}

func Permanent(code int, enhanced string, err error) *Error {
	return newErr(KindPermanent, code, enhanced, err)
}

func Suspended(retryAfter error) *Error {
	return newErr(KindSuspended, 0, "", retryAfter)
}

func Configuration(err error) *Error {
	return newErr(KindConfiguration, 0, "", err)
}

func Shutdown(err error) *Error {
	return newErr(KindShutdown, 0, "", err)
}

func Bulk(code int, enhanced string, err error) *Error {
	return newErr(KindBulk, code, enhanced, err)
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
