package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType partitions fetch failures into the buckets reported to callers.
type ErrorType string

// Failure categories, ordered roughly by how actionable they are.
const (
	ErrTimeout    ErrorType = "timeout_error"
	ErrProxy      ErrorType = "proxy_error"
	ErrNavigation ErrorType = "navigation_error"
	ErrCaptcha    ErrorType = "captcha_error"
	ErrUnexpected ErrorType = "unexpected_error"
)

// Error is a classified fetch failure. StatusCode is set when an HTTP status
// was observed before the failure (e.g. a 403 on the document response).
type Error struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified fetch error.
func NewError(t ErrorType, msg string, cause error) *Error {
	return &Error{Type: t, Message: msg, Cause: cause}
}

// NavigationError reports a page-level failure carrying the HTTP status.
func NavigationError(statusCode int, msg string) *Error {
	return &Error{Type: ErrNavigation, StatusCode: statusCode, Message: msg}
}

// CaptchaError reports a bot-protection challenge detected in page content.
func CaptchaError(url string) *Error {
	return &Error{Type: ErrCaptcha, Message: fmt.Sprintf("challenge page detected at %s", url)}
}

// challengeMarkers are lowercase substrings whose presence in a rendered page
// indicates a bot-protection interstitial rather than real content.
var challengeMarkers = []string{
	"captcha",
	"verify you are human",
	"robot verification",
	"checking your browser",
}

// IsChallenge reports whether the rendered HTML looks like a bot-protection
// challenge page. Matching is case-insensitive.
func IsChallenge(html string) bool {
	lowered := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// Classify maps an arbitrary error to an ErrorType. Classified errors keep
// their type; everything else falls through substring heuristics mirroring the
// failure modes Chrome and proxies actually produce.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(msg, "proxy") || strings.Contains(msg, "tunnel connection failed"):
		return ErrProxy
	case strings.Contains(msg, "net::err"),
		strings.Contains(msg, "dns"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"):
		return ErrNavigation
	}
	return ErrUnexpected
}

// StatusCodeOf extracts the HTTP status from a classified error chain, or 0.
func StatusCodeOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// ErrorResult builds the Result recorded for a failed URL.
func ErrorResult(url string, elapsedMs int64, err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		URL:            url,
		Status:         ResultError,
		StatusCode:     StatusCodeOf(err),
		ResponseTimeMs: elapsedMs,
		ErrorMessage:   msg,
		ErrorType:      Classify(err),
	}
}
