package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// FailureKind classifies why a chat call failed.
type FailureKind string

const (
	FailureUnknown    FailureKind = "unknown"
	FailureAuth       FailureKind = "auth"        // 401, 403
	FailureRateLimit  FailureKind = "rate_limit"  // 429
	FailureTimeout    FailureKind = "timeout"     // deadline or client timeout
	FailureCanceled   FailureKind = "canceled"    // caller gave up
	FailureBadRequest FailureKind = "bad_request" // other 4xx
	FailureServer     FailureKind = "server"      // 5xx
	FailureTransport  FailureKind = "transport"   // connection never produced a response
	FailureMalformed  FailureKind = "malformed"   // 200 with an unusable body
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 512

// Error is returned by every provider for a failed chat call.
type Error struct {
	Provider   string
	Kind       FailureKind
	Status     int           // 0 when no response arrived
	RetryAfter time.Duration // from a 429's Retry-After header, if any
	Body       string        // truncated response body
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure kind carried by err. Context errors that never
// reached a provider are classified too.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	}
	return FailureUnknown
}

func kindForStatus(status int) FailureKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return FailureTimeout
	case status >= 500:
		return FailureServer
	case status >= 400:
		return FailureBadRequest
	}
	return FailureMalformed
}

func statusError(name string, resp *http.Response, body []byte) *Error {
	e := &Error{
		Provider: name,
		Kind:     kindForStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Body:     truncateBody(body),
	}
	if e.Kind == FailureRateLimit {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return e
}

func transportError(name string, err error) *Error {
	kind := FailureTransport
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailureTimeout
	case errors.Is(err, context.Canceled):
		kind = FailureCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = FailureTimeout
	}
	return &Error{Provider: name, Kind: kind, Err: err}
}

func malformedError(name string, err error) *Error {
	return &Error{Provider: name, Kind: FailureMalformed, Err: err}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(b []byte) string {
	if len(b) <= maxErrorBody {
		return string(b)
	}
	return string(b[:maxErrorBody]) + "..."
}
