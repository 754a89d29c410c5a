// Package apierr defines the gateway's error taxonomy and the protocol-level
// error envelope returned to callers, shaped like the Generative Language
// API's error body rather than the upstream's own format.
package apierr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
)

// Kind enumerates the error taxonomy from the propagation policy. Kinds are
// categories, not messages — see Error.status for the wire-level string.
type Kind string

const (
	KindAuth              Kind = "AuthError"
	KindRateLimit         Kind = "RateLimitError"
	KindNoAvailableProv   Kind = "NoAvailableProvider"
	KindUpstreamAuth      Kind = "UpstreamAuthFailure"
	KindUpstreamTransport Kind = "UpstreamTransportError"
	KindUpstreamProtocol  Kind = "UpstreamProtocolError"
	KindInvalidRequest    Kind = "InvalidRequest"
	KindInternal          Kind = "Internal"
)

// Error is a typed API error carrying the taxonomy kind used for both HTTP
// status mapping and retry classification by the executor.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// HTTPStatus maps the error kind to the public API's HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return fasthttp.StatusUnauthorized
	case KindRateLimit:
		return fasthttp.StatusTooManyRequests
	case KindNoAvailableProv:
		return fasthttp.StatusServiceUnavailable
	case KindUpstreamAuth, KindUpstreamTransport, KindUpstreamProtocol:
		return fasthttp.StatusBadGateway
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	default:
		return fasthttp.StatusInternalServerError
	}
}

// status is the protocol-level status string mirrored in the error envelope.
func (e *Error) status() string {
	switch e.Kind {
	case KindAuth:
		return "UNAUTHENTICATED"
	case KindRateLimit:
		return "RESOURCE_EXHAUSTED"
	case KindNoAvailableProv, KindUpstreamAuth, KindUpstreamTransport, KindUpstreamProtocol:
		return "UNAVAILABLE"
	case KindInvalidRequest:
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether the scheduler should substitute a different
// provider and retry: upstream auth, transport and protocol failures are
// recoverable; request-shape and rate-limit errors fail fast.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamAuth, KindUpstreamTransport, KindUpstreamProtocol:
		return true
	default:
		return false
	}
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// AsError extracts an *Error from err, falling back to a generic Internal
// error when err is not (and does not wrap) one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", Wrapped: err}
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type envelope struct {
	Error errorBody `json:"error"`
}

// Write serializes err as the public API's error envelope and writes it to
// the fasthttp response with the mapped HTTP status.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e := AsError(err)
	status := e.HTTPStatus()

	if e.Kind == KindRateLimit {
		ctx.Response.Header.Set("Retry-After", "60")
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: errorBody{
		Code:    status,
		Message: e.Message,
		Status:  e.status(),
	}})
	ctx.SetBody(body)
}
