package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
)

// ErrorKind classifies a failure when no HTTP status is available, and drives
// both retry decisions and caller-side branching.
type ErrorKind string

const (
	// KindNetwork covers connection-level failures with no HTTP status.
	KindNetwork ErrorKind = "network"

	// KindTimeout covers per-attempt timeouts.
	KindTimeout ErrorKind = "timeout"

	// KindServerError covers 5xx responses.
	KindServerError ErrorKind = "server_error"

	// KindRateLimited covers 429 responses.
	KindRateLimited ErrorKind = "rate_limited"

	// KindClientError covers non-retryable 4xx responses.
	KindClientError ErrorKind = "client_error"

	// KindCircuitOpen marks fast rejections from an open circuit breaker.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindCancelled marks calls abandoned by the caller.
	KindCancelled ErrorKind = "cancelled"

	// KindUnknown is the fallback classification.
	KindUnknown ErrorKind = "unknown"
)

// Machine-readable error codes surfaced to callers. The backend is deployed
// on Railway, hence the prefix; UI layers branch on these.
const (
	CodeBadRequest       = "RAILWAY_BAD_REQUEST"
	CodeAuthFailed       = "RAILWAY_AUTH_FAILED"
	CodeEndpointNotFound = "RAILWAY_ENDPOINT_NOT_FOUND"
	CodeMethodNotAllowed = "RAILWAY_METHOD_NOT_ALLOWED"
	CodeConflict         = "RAILWAY_CONFLICT"
	CodeRateLimited      = "RAILWAY_RATE_LIMITED"
	CodeClientError      = "RAILWAY_CLIENT_ERROR"
	CodeServerError      = "RAILWAY_SERVER_ERROR"
	CodeTimeout          = "RAILWAY_TIMEOUT"
	CodeConnectionFailed = "RAILWAY_CONNECTION_FAILED"
	CodeCircuitOpen      = "RAILWAY_CIRCUIT_OPEN"
	CodeCancelled        = "RAILWAY_REQUEST_CANCELLED"
	CodeUnknown          = "RAILWAY_UNKNOWN"
)

// APIError is the structured failure returned for every unsuccessful call.
// Status is zero for failures that never produced an HTTP response.
type APIError struct {
	// Message is a user-facing description of the failure.
	Message string

	// Status is the final HTTP status code, or 0 when none was received.
	Status int

	// Code is the machine-readable classification, one of the RAILWAY_* codes.
	Code string

	// Kind is the coarse taxonomy bucket used by retry decisions.
	Kind ErrorKind

	// Details carries backend-provided fields extracted from the error body.
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *APIError) StatusCode() int {
	return e.Status
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for failure surfaces
// the default policy-driven classification cannot see.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should count as a
// failure toward tripping the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious
	// enough to open the circuit breaker and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// ShouldRetry is the retry decision for a single failure under this policy.
// Evaluation order: HTTP status against RetryableStatusCodes, then error kind
// against RetryableErrorKinds, then a substring match against known transient
// failure phrases. The fallback exists because raw transport errors carry
// neither a status nor a classification.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are never retryable: if the parent context is canceled
	// or past its deadline, the next attempt fails the same way.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return containsKind(p.RetryableErrorKinds, KindRateLimited)
	}
	if pkgerrors.IsTimeout(err) {
		return containsKind(p.RetryableErrorKinds, KindTimeout)
	}

	if status := extractStatusCode(err); status != 0 {
		return containsStatus(p.RetryableStatusCodes, status)
	}

	if kind := extractKind(err); kind != "" && kind != KindUnknown {
		return containsKind(p.RetryableErrorKinds, kind)
	}

	return isTransientMessage(err.Error())
}

// policyClassifier adapts a RetryPolicy to the ErrorClassifier interface.
type policyClassifier struct {
	policy RetryPolicy
}

func (c policyClassifier) IsRetryable(err error) bool {
	return c.policy.ShouldRetry(err)
}

// transientPhrases are matched against unclassified error messages. Raw
// transport failures do not always carry structure, but must still be
// retryable.
var transientPhrases = []string{
	"network error",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"connection failed",
	"no such host",
	"broken pipe",
	"cors",
}

func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// extractStatusCode attempts to extract an HTTP status code from an error.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// extractKind pulls the ErrorKind from an APIError in the chain, if any.
func extractKind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsKind(kinds []ErrorKind, kind ErrorKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Enhance maps a terminal failure to an *APIError carrying a RAILWAY_* code
// and a user-facing message. Applied exactly once per call, after retries are
// exhausted or the breaker rejects, never per attempt. Total: every error
// maps to something.
func Enhance(err error) *APIError {
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &APIError{
			Message: "Service is temporarily unavailable. Please try again in a moment.",
			Status:  http.StatusServiceUnavailable,
			Code:    CodeCircuitOpen,
			Kind:    KindCircuitOpen,
			Err:     err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &APIError{
			Message: "The request was cancelled.",
			Code:    CodeCancelled,
			Kind:    KindCancelled,
			Err:     err,
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return apiErr
		}
		enhanced := *apiErr
		if enhanced.Kind == KindTimeout {
			enhanced.Code = CodeTimeout
			if enhanced.Message == "" {
				enhanced.Message = "The server took too long to respond. Please try again."
			}
			return &enhanced
		}
		code, message, kind := codeForStatus(enhanced.Status)
		enhanced.Code = code
		enhanced.Kind = kind
		if enhanced.Message == "" {
			enhanced.Message = message
		}
		return &enhanced
	}

	if errors.Is(err, context.DeadlineExceeded) || pkgerrors.IsTimeout(err) {
		return &APIError{
			Message: "The server took too long to respond. Please try again.",
			Code:    CodeTimeout,
			Kind:    KindTimeout,
			Err:     err,
		}
	}

	// No status, no classification: a transport-level failure.
	return &APIError{
		Message: "Unable to connect to the server. Check your network connection and try again.",
		Code:    CodeConnectionFailed,
		Kind:    KindNetwork,
		Err:     err,
	}
}

// codeForStatus is the total status-to-classification mapping used by Enhance.
func codeForStatus(status int) (code, message string, kind ErrorKind) {
	switch {
	case status == http.StatusBadRequest:
		return CodeBadRequest, "The request was rejected by the server. Check the submitted data and try again.", KindClientError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthFailed, "Authentication failed. Please sign in again.", KindClientError
	case status == http.StatusNotFound:
		return CodeEndpointNotFound, "The requested endpoint was not found. The backend deployment may not be running; check the service status and the request path.", KindClientError
	case status == http.StatusMethodNotAllowed:
		return CodeMethodNotAllowed, "The server does not allow this operation on the requested resource.", KindClientError
	case status == http.StatusRequestTimeout:
		return CodeTimeout, "The server took too long to respond. Please try again.", KindTimeout
	case status == http.StatusConflict:
		return CodeConflict, "The request conflicts with the current state of the resource.", KindClientError
	case status == http.StatusTooManyRequests:
		return CodeRateLimited, "Too many requests. Please wait a moment before trying again.", KindRateLimited
	case status >= 400 && status < 500:
		return CodeClientError, "The request could not be processed by the server.", KindClientError
	case status >= 500:
		return CodeServerError, "The server encountered an error. Please try again shortly.", KindServerError
	case status == 0:
		return CodeConnectionFailed, "Unable to connect to the server. Check your network connection and try again.", KindNetwork
	default:
		return CodeUnknown, "The request failed unexpectedly.", KindUnknown
	}
}

// errorFromResponse converts a non-2xx response into an *APIError, lifting any
// structured fields out of the error body. Message and code are filled later
// by Enhance; only backend-provided detail is captured here.
func errorFromResponse(resp *Response) *APIError {
	apiErr := &APIError{
		Status: resp.StatusCode,
	}

	if len(resp.Body) > 0 && gjson.ValidBytes(resp.Body) {
		details := make(map[string]any)
		for _, field := range []string{"message", "detail", "error", "code"} {
			if v := gjson.GetBytes(resp.Body, field); v.Exists() {
				details[field] = v.Value()
			}
		}
		if len(details) > 0 {
			apiErr.Details = details
		}
	}

	return apiErr
}
