package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// GatewayError is an error that can be returned to gateway clients. Every
// denial carries a machine-readable Code so callers can distinguish "your
// request was wrong" from "the system failed" without parsing messages.
type GatewayError struct {
	Status     int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as a JSON response. Base errors without
// details use pre-serialized bytes to avoid per-request allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Base errors covering the gateway taxonomy.
var (
	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Code:    "bad_request",
		Message: "Bad Request",
	}

	ErrUnauthorized = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "unauthorized",
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    "forbidden",
		Message: "Forbidden",
	}

	ErrRouteNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "route_not_found",
		Message: "No endpoint matches this path",
	}

	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: "Not Found",
	}

	ErrRateLimited = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "rate_limited",
		Message: "Too Many Requests",
	}

	ErrQuotaExceeded = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "quota_exceeded",
		Message: "Daily quota exhausted",
	}

	ErrUpstreamAuthUnavailable = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "upstream_auth_unavailable",
		Message: "Upstream credentials are missing or expired",
	}

	ErrSSRFBlocked = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    "ssrf_blocked",
		Message: "Destination address is not allowed",
	}

	ErrUpstreamError = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "upstream_error",
		Message: "Upstream request failed",
	}

	ErrTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Code:    "timeout",
		Message: "Upstream did not respond in time",
	}

	ErrSessionExpired = &GatewayError{
		Status:  http.StatusGone,
		Code:    "session_expired",
		Message: "Login session is absent, expired, or already redeemed",
	}

	ErrProviderMismatch = &GatewayError{
		Status:  http.StatusBadRequest,
		Code:    "provider_mismatch",
		Message: "Login session belongs to a different provider",
	}

	ErrConflict = &GatewayError{
		Status:  http.StatusConflict,
		Code:    "conflict",
		Message: "Resource already exists",
	}

	ErrInvalidState = &GatewayError{
		Status:  http.StatusConflict,
		Code:    "invalid_state",
		Message: "Operation not valid in the current lifecycle state",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "internal",
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrRouteNotFound,
		ErrNotFound, ErrRateLimited, ErrQuotaExceeded,
		ErrUpstreamAuthUnavailable, ErrSSRFBlocked, ErrUpstreamError,
		ErrTimeout, ErrSessionExpired, ErrProviderMismatch, ErrConflict,
		ErrInvalidState, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a GatewayError with an explicit status and code.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{Status: status, Code: code, Message: message}
}

// Wrap attaches an underlying cause to a copy of base.
func Wrap(base *GatewayError, err error) *GatewayError {
	c := *base
	c.underlying = err
	return &c
}

// WithDetails returns a copy of the error with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy of the error with a request ID attached.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := *e
	c.RequestID = requestID
	return &c
}

// WithRetryAfter returns a copy of the error carrying a retry hint.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	if seconds < 1 {
		seconds = 1
	}
	c := *e
	c.RetryAfter = seconds
	return &c
}

// AsGatewayError extracts a *GatewayError from err, unwrapping as needed.
func AsGatewayError(err error) (*GatewayError, bool) {
	for err != nil {
		if ge, ok := err.(*GatewayError); ok {
			return ge, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Is reports whether err carries the same machine code as target. Copies
// produced by WithDetails/WithRetryAfter still match their base singleton.
func Is(err error, target *GatewayError) bool {
	ge, ok := AsGatewayError(err)
	return ok && ge.Code == target.Code
}
