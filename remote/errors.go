package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited"
	KindTransient    ErrorKind = "transient"
	KindNotFound     ErrorKind = "not_found"
	KindRejected     ErrorKind = "rejected"
	KindUnauthorized ErrorKind = "unauthorized"
)

// Error is a classified failure from a remote system.
type Error struct {
	Kind       ErrorKind
	System     string
	Status     int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s api error %d (%s): %s", e.System, e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s api error (%s): %s", e.System, e.Kind, e.Message)
}

// Retryable is true for rate limits and transient failures.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

func RateLimited(system string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, System: system, Status: http.StatusTooManyRequests, RetryAfter: retryAfter, Message: "rate limited"}
}

func NotFound(system, object, id string) *Error {
	return &Error{Kind: KindNotFound, System: system, Status: http.StatusNotFound, Message: fmt.Sprintf("%s/%s not found", object, id)}
}

// ErrorFromResponse classifies a non-2xx response.
func ErrorFromResponse(system string, resp *http.Response, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	e := &Error{System: system, Status: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		e.Kind = KindTransient
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.Kind = KindUnauthorized
	default:
		e.Kind = KindRejected
	}
	return e
}

// ErrorFromTransport classifies a failure to get any response at all.
func ErrorFromTransport(system string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		msg = "timeout: " + msg
	}
	return &Error{Kind: KindTransient, System: system, Message: msg}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func kindOf(err error) (ErrorKind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable()
}

// RetryAfterOf returns the server's backoff hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
