// Package apierr defines the proxy error taxonomy and the client-facing
// error envelopes. Errors are enumerated kinds on a single type, not a type
// hierarchy; the response classifier produces them and one boundary in the
// proxy renders them.
package apierr

import (
	"errors"
	"fmt"
	"net"

	"github.com/valyala/fasthttp"
)

// Kind enumerates every error class the proxy distinguishes.
type Kind int

const (
	// KindBadRequest — client schema violation; surfaced immediately.
	KindBadRequest Kind = iota
	// KindForbidden — policy rejection (blocked origin, disallowed family).
	KindForbidden
	// KindTooManyRequests — queue concurrency limit for this identity.
	KindTooManyRequests
	// KindNoKeyAvailable — every enabled credential in the family is
	// exhausted; surfaced as payment-required.
	KindNoKeyAvailable
	// KindRetryableUpstream — transient upstream signal. A dispatch or body
	// read error of this kind triggers revert and re-enqueue; a 503 from the
	// classifier carries it to the client directly.
	KindRetryableUpstream
	// KindKeyInvalid — credential revoked; key is disabled and the client
	// told to try again.
	KindKeyInvalid
	// KindKeyQuotaExceeded — credential exhausted; disabled, not revoked.
	KindKeyQuotaExceeded
	// KindUpstreamFatal — non-retryable, non-client upstream failure.
	KindUpstreamFatal
	// KindClientAborted — not a failure; purged quietly.
	KindClientAborted
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindNoKeyAvailable:
		return "no_key_available"
	case KindRetryableUpstream:
		return "retryable_upstream"
	case KindKeyInvalid:
		return "key_invalid"
	case KindKeyQuotaExceeded:
		return "key_quota_exceeded"
	case KindUpstreamFatal:
		return "upstream_fatal"
	case KindClientAborted:
		return "client_aborted"
	default:
		return "unknown"
	}
}

// Error is the one concrete error type crossing subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string
	// UpstreamStatus is the provider HTTP status when one exists.
	UpstreamStatus int
	cause          error
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the kind onto the status returned to the client.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindTooManyRequests:
		return fasthttp.StatusTooManyRequests
	case KindNoKeyAvailable, KindKeyQuotaExceeded:
		return fasthttp.StatusPaymentRequired
	case KindKeyInvalid, KindRetryableUpstream:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

// KindOf extracts the kind from any error; unknown errors map to
// KindUpstreamFatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamFatal
}

// IsRetryable reports whether err should trigger revert + re-enqueue.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryableUpstream
}

// Message returns the client-safe message, redacting resolver detail.
func Message(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// Hostnames in resolution errors leak upstream topology.
		return "upstream DNS resolution failed"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
