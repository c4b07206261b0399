// Package gwerr defines the gateway's error taxonomy. Components classify
// failures into a Kind; only the orchestrator decides whether a kind is
// retried or surfaced.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindSchemaValidation   Kind = "SchemaValidationError"
	KindNoRoute            Kind = "NoRouteError"
	KindNotFound           Kind = "NotFoundError"
	KindProviderTimeout    Kind = "ProviderTimeoutError"
	KindProviderConnection Kind = "ProviderConnectionError"
	KindProviderAuth       Kind = "ProviderAuthError"
	KindProviderRateLimit  Kind = "ProviderRateLimitError"
	KindUpstreamShape      Kind = "UpstreamShapeError"
	KindProviderRequest    Kind = "ProviderRequestError"
	KindCanceled           Kind = "CanceledError"
	KindConfig             Kind = "ConfigError"
)

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Message string

	// Provider is the id of the provider the failure was observed against.
	Provider string
	// Status is the upstream HTTP status, when there was one.
	Status int
	// Attempts is set by the orchestrator on the error it surfaces.
	Attempts int
	// Delivered reports that stream bytes had already reached the caller.
	Delivered bool
	// Truncated marks a stream stopped at the byte ceiling.
	Truncated bool

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s (provider %s)", msg, e.Provider)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, gwerr.NoRoute) works
// against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Retriable reports whether the kind may advance to the next candidate.
// ProviderAuthError is retriable only against a different provider and
// UpstreamShapeError only before delivery; the orchestrator enforces both.
func (e *Error) Retriable() bool {
	if e.Delivered {
		return false
	}
	switch e.Kind {
	case KindProviderTimeout, KindProviderConnection, KindProviderAuth,
		KindProviderRateLimit, KindUpstreamShape:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status returned to callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindSchemaValidation:
		return http.StatusBadRequest
	case KindNoRoute, KindConfig:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindProviderTimeout:
		return http.StatusGatewayTimeout
	case KindProviderRateLimit:
		return http.StatusTooManyRequests
	case KindProviderRequest:
		if e.Status >= 400 && e.Status < 500 {
			return e.Status
		}
		return http.StatusBadRequest
	case KindCanceled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

var (
	SchemaValidation = &Error{Kind: KindSchemaValidation}
	NoRoute          = &Error{Kind: KindNoRoute}
	NotFound         = &Error{Kind: KindNotFound}
	ProviderTimeout  = &Error{Kind: KindProviderTimeout}
	ProviderConn     = &Error{Kind: KindProviderConnection}
	ProviderAuth     = &Error{Kind: KindProviderAuth}
	RateLimited      = &Error{Kind: KindProviderRateLimit}
	UpstreamShape    = &Error{Kind: KindUpstreamShape}
	ProviderRequest  = &Error{Kind: KindProviderRequest}
	Canceled         = &Error{Kind: KindCanceled}
	Config           = &Error{Kind: KindConfig}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts the classified error from err. Unclassified errors come back
// as a ProviderConnectionError so callers never see a nil kind.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindProviderConnection, Message: err.Error(), Err: err}
}

// FromStatus classifies a non-2xx upstream response.
func FromStatus(provider string, status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &Error{Provider: provider, Status: status, Message: fmt.Sprintf("upstream status %d: %s", status, msg)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindProviderAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindProviderRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = KindProviderTimeout
	case status >= 500:
		e.Kind = KindProviderConnection
	default:
		e.Kind = KindProviderRequest
	}
	return e
}

// AnthropicType is the error.type a shape A caller sees for the kind.
func (e *Error) AnthropicType() string {
	switch e.Kind {
	case KindSchemaValidation, KindProviderRequest:
		return "invalid_request_error"
	case KindNotFound:
		return "not_found_error"
	case KindProviderTimeout:
		return "timeout_error"
	case KindProviderAuth:
		return "authentication_error"
	case KindProviderRateLimit:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

// OpenAIType is the error.type a shape B caller sees for the kind.
func (e *Error) OpenAIType() string {
	switch e.Kind {
	case KindSchemaValidation, KindProviderRequest, KindNotFound:
		return "invalid_request_error"
	case KindProviderTimeout:
		return "timeout"
	case KindProviderAuth:
		return "authentication_error"
	case KindProviderRateLimit:
		return "rate_limit_error"
	default:
		return "server_error"
	}
}

// FromErrorType classifies an error object an upstream embedded in a
// stream, keyed by either shape's error.type vocabulary.
func FromErrorType(provider, typ, msg string) *Error {
	e := &Error{Provider: provider, Message: fmt.Sprintf("upstream stream error %s: %s", typ, msg)}
	switch typ {
	case "authentication_error", "permission_error", "invalid_api_key":
		e.Kind = KindProviderAuth
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		e.Kind = KindProviderRateLimit
	case "timeout_error", "timeout":
		e.Kind = KindProviderTimeout
	case "invalid_request_error":
		e.Kind = KindProviderRequest
	default:
		e.Kind = KindProviderConnection
	}
	return e
}
