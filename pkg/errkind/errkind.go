// Package errkind categorizes the errors that flow through the namespace
// service manager so that callers can decide retry-vs-fatal without
// re-deriving the classification at every call site.
//
// The shape is borrowed from Telepresence's pkg/client/errcat: a Kind wraps
// an underlying error and is unwrapped transparently, so callers can still
// use errors.Is/As against the original cause.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bassosimone/errclass"
)

// Kind classifies an error for retry/fatal decisions.
type Kind int

const (
	// OK is the zero Kind, returned by Of(nil).
	OK Kind = iota

	// Unreachable covers connect-class failures: connection refused, no
	// route to host, port unreachable, unknown host. The caller marks the
	// endpoint as needing re-resolution and retries.
	Unreachable

	// Timeout covers socket read/connect timeouts. Retried without
	// re-resolving the endpoint.
	Timeout

	// LayoutMismatch is fatal for the owning ServicePair.
	LayoutMismatch

	// InconsistentStorage is fatal for the owning ServicePair.
	InconsistentStorage

	// Unregistered, Disallowed, and IncorrectVersion are remote-tagged
	// errors that are fatal for the whole data node.
	Unregistered
	Disallowed
	IncorrectVersion

	// UnknownNamespace is surfaced to the caller, never fatal.
	UnknownNamespace

	// DiskError causes a configured directory to be dropped from the set.
	DiskError

	// Interrupted is swallowed during shutdown waits.
	Interrupted

	// Unknown is anything that doesn't fit another bucket; treated like
	// Unreachable (logged, retried) by default.
	Unknown
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case Unreachable:
		return "Unreachable"
	case Timeout:
		return "Timeout"
	case LayoutMismatch:
		return "LayoutMismatch"
	case InconsistentStorage:
		return "InconsistentStorage"
	case Unregistered:
		return "Unregistered"
	case Disallowed:
		return "Disallowed"
	case IncorrectVersion:
		return "IncorrectVersion"
	case UnknownNamespace:
		return "UnknownNamespace"
	case DiskError:
		return "DiskError"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this Kind are fatal for the whole data
// node (as opposed to fatal-for-one-pair or merely retryable).
func (k Kind) Fatal() bool {
	switch k {
	case Unregistered, Disallowed, IncorrectVersion:
		return true
	default:
		return false
	}
}

// Retryable reports whether the caller should retry the operation that
// produced this Kind rather than surface or escalate it.
func (k Kind) Retryable() bool {
	switch k {
	case Unreachable, Timeout, Unknown:
		return true
	default:
		return false
	}
}

type categorized struct {
	error
	kind Kind
}

func (c *categorized) Unwrap() error { return c.error }

// New wraps err with an explicit Kind. Use this at the point where a Kind
// is known structurally (e.g. a remote RPC reply tagged Disallowed) rather
// than inferred from the Go error value.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &categorized{error: err, kind: kind}
}

// Newf is New for a formatted message.
func Newf(kind Kind, format string, a ...interface{}) error {
	return New(kind, fmt.Errorf(format, a...))
}

// Of returns the Kind of err: the Kind attached by New/Newf if present
// anywhere in the unwrap chain, otherwise a best-effort classification
// derived from the underlying OS/network error via errclass.
func Of(err error) Kind {
	if err == nil {
		return OK
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(*categorized); ok {
			return c.kind
		}
	}
	return classify(err)
}

// classify maps a raw dial/RPC error to Unreachable or Timeout using
// errclass's POSIX errno classification, which is the same taxonomy the
// nop network-measurement primitives use for structured logging.
func classify(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Interrupted
	}
	switch errclass.New(err) {
	case errclass.ETIMEDOUT:
		return Timeout
	case errclass.ECONNREFUSED, errclass.EHOSTUNREACH, errclass.ENETUNREACH,
		errclass.ENETDOWN, errclass.EADDRNOTAVAIL, errclass.ECONNABORTED,
		errclass.ECONNRESET, errclass.ENOTCONN:
		return Unreachable
	default:
		if isUnknownHost(err) {
			return Unreachable
		}
		return Unknown
	}
}

// isUnknownHost reports whether err is a DNS not-found error, which
// errclass classifies separately from the connect-refused/unreachable
// family but which this data node treats the same way (needsResolve, retry).
func isUnknownHost(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
