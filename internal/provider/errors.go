package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
)

// Kind says whether retrying can help.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Kind        Kind
	StatusCode  int
	RateLimited bool
	Message     string
	Err         error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AllKeysThrottledError means no key was selectable; nothing was sent.
type AllKeysThrottledError struct {
	RetryAt time.Time
}

func (e *AllKeysThrottledError) Error() string {
	if e.RetryAt.IsZero() {
		return "all provider keys unavailable"
	}
	return "all provider keys throttled until " + e.RetryAt.UTC().Format(time.RFC3339)
}

func (e *AllKeysThrottledError) Is(target error) bool { return target == keyhealth.ErrNoKeyAvailable }

// IsTransient reports whether err is worth retrying. All-keys-throttled is
// transient; so are bare timeouts and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var throttled *AllKeysThrottledError
	if errors.As(err, &throttled) {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == Transient
	}
	return isTimeout(err)
}

// IsAllKeysThrottled reports whether err came from an empty key pool.
func IsAllKeysThrottled(err error) bool {
	var throttled *AllKeysThrottledError
	return errors.As(err, &throttled)
}

var quotaMarkers = []string{"quota", "credit balance", "billing", "insufficient_quota"}

// ClassifyStatus maps an HTTP status and error body to a failure kind and
// whether the key should be throttled. A 429 that names account quota or
// billing is permanent: no key rotation can fix it.
func ClassifyStatus(status int, message string) (Kind, bool) {
	switch status {
	case http.StatusTooManyRequests:
		if accountExhausted(message) {
			return Permanent, false
		}
		return Transient, true
	case http.StatusServiceUnavailable, 529:
		return Transient, true
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly:
		return Transient, false
	}
	if status >= http.StatusInternalServerError {
		return Transient, false
	}
	return Permanent, false
}

func accountExhausted(message string) bool {
	lower := strings.ToLower(message)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classify turns whatever the backend returned into an *Error.
func classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if isTimeout(err) {
		return &Error{Kind: Transient, Message: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Transient, Message: "request cancelled", Err: err}
	}
	// connection resets, DNS blips and the like
	return &Error{Kind: Transient, Message: "request failed", Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
