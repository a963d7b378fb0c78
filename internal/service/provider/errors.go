package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apphttp "SaleOracle/pkg/http"
)

var (
	// ErrProviderCallFailed matches every failed provider call.
	ErrProviderCallFailed = errors.New("provider call failed")
	// ErrRateLimited matches calls rejected by an upstream or local rate limit.
	ErrRateLimited = errors.New("provider rate limited")
)

// Error describes a failed provider call.
type Error struct {
	Provider string
	// Status is the upstream HTTP status, 0 when no response was received.
	Status int
	// Limited is set for 429 responses and for calls skipped by a local block or budget.
	Limited bool
	// ResetAt is the upstream rate-limit reset hint, zero when absent.
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Limited {
		b.WriteString(": rate limited")
		if !e.ResetAt.IsZero() {
			fmt.Fprintf(&b, " until %s", e.ResetAt.UTC().Format(time.RFC3339))
		}
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrProviderCallFailed:
		return true
	case ErrRateLimited:
		return e.Limited
	}
	return false
}

// RateLimited builds the error for a call skipped locally until the given time.
func RateLimited(provider string, until time.Time) *Error {
	return &Error{Provider: provider, Limited: true, ResetAt: until}
}

// wrap classifies a transport or status error returned by pkg/http.
func wrap(provider string, err error, now time.Time) *Error {
	var se *apphttp.StatusError
	if !errors.As(err, &se) {
		return &Error{Provider: provider, Err: err}
	}

	e := &Error{Provider: provider, Status: se.StatusCode, Err: err}
	if se.StatusCode == http.StatusTooManyRequests {
		e.Limited = true
		e.ResetAt = resetHint(se.Header, now)
	}
	return e
}

// resetHint reads X-RateLimit-Reset, falling back to Retry-After.
// Reset values are accepted as epoch seconds, epoch milliseconds or
// seconds from now.
func resetHint(h http.Header, now time.Time) time.Time {
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			switch {
			case n >= 1e12:
				return time.UnixMilli(n)
			case n >= 1e9:
				return time.Unix(n, 0)
			default:
				return now.Add(time.Duration(n) * time.Second)
			}
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return now.Add(time.Duration(n) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
