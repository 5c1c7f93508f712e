package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies load/playback failures for the orchestrator's
// retry policy.
type ErrorCategory string

const (
	CategoryNetwork ErrorCategory = "network"
	CategoryDecode  ErrorCategory = "decode"
	CategoryUnknown ErrorCategory = "unknown"
)

// LoadError wraps a failure with its category and retryability. The
// engine reports; the orchestrator decides.
type LoadError struct {
	TrackID  string
	Category ErrorCategory
	Retry    bool
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s failed (%s): %v", e.TrackID, e.Category, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("source returned status %d: %s", e.StatusCode, e.Status)
}

// isNonRetryableStatus reports statuses where retrying the same URL is
// pointless.
func isNonRetryableStatus(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 401, 403, 404, 410:
			return true
		}
	}
	return false
}

// classify maps an error onto (category, canRetry).
func classify(trackID string, err error) *LoadError {
	le := &LoadError{TrackID: trackID, Err: err, Category: CategoryUnknown, Retry: true}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		le.Category = CategoryNetwork
	case isNonRetryableStatus(err):
		le.Category = CategoryNetwork
		le.Retry = false
	case isNetworkError(err):
		le.Category = CategoryNetwork
	case isDecodeError(err):
		le.Category = CategoryDecode
		le.Retry = false
	}
	return le
}

func isNetworkError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"no route to host",
		"timeout",
		"broken pipe",
		"EOF",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isDecodeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "decode") || strings.Contains(msg, "invalid data") ||
		strings.Contains(msg, "mp3")
}
