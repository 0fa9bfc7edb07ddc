// Package errors defines the catalog's error taxonomy and the
// transient-vs-permanent classification that drives the fetch retry loop.
// Every user-visible error carries an actionable hint alongside the cause.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a catalog error.
type Kind string

const (
	// KindDataNotFound means nothing is on disk and no source can supply it.
	KindDataNotFound Kind = "data_not_found"
	// KindSourceUnavailable is a transient provider failure (connection
	// refused, timeout). Retried internally up to the attempt budget.
	KindSourceUnavailable Kind = "source_unavailable"
	// KindSourceRejected is a permanent provider failure (unknown
	// instrument, authentication rejection). Never retried.
	KindSourceRejected Kind = "source_rejected"
	// KindCorruption means a partition failed checksum or parse. The
	// partition is quarantined and the range treated as a gap.
	KindCorruption Kind = "corruption"
	// KindValidation is a bad import row. Collected into the import
	// report, never aborts the batch.
	KindValidation Kind = "validation"
	// KindRateLimit means the caller declined to wait for rate-limit
	// capacity. Carries a retry-after hint.
	KindRateLimit Kind = "rate_limit_exceeded"
)

// Error is the catalog error type. Kind determines retry behavior, Hint
// tells the operator what to do next.
type Error struct {
	Kind       Kind
	Op         string // failing operation, e.g. "catalog.FetchOrLoad"
	Hint       string
	RetryAfter time.Duration // set for KindRateLimit
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against sentinel errors built
// with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether the error is transient and worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindSourceUnavailable || e.Kind == KindRateLimit
}

// Constructors

// DataNotFound reports that a range has no stored data and no source.
func DataNotFound(op string, err error) *Error {
	return &Error{
		Kind: KindDataNotFound,
		Op:   op,
		Hint: "no data on disk and source unreachable - check connectivity or use bulk import instead",
		Err:  err,
	}
}

// SourceUnavailable wraps a transient provider failure.
func SourceUnavailable(op string, err error) *Error {
	return &Error{
		Kind: KindSourceUnavailable,
		Op:   op,
		Hint: "provider unreachable - retried automatically; check connectivity if this persists",
		Err:  err,
	}
}

// SourceRejected wraps a permanent provider failure.
func SourceRejected(op string, err error) *Error {
	return &Error{
		Kind: KindSourceRejected,
		Op:   op,
		Hint: "provider rejected the request - verify the instrument and credentials",
		Err:  err,
	}
}

// Corruption reports an unreadable partition that has been quarantined.
func Corruption(op, partition string, err error) *Error {
	return &Error{
		Kind: KindCorruption,
		Op:   op,
		Hint: fmt.Sprintf("partition %s quarantined - re-fetch the range or inspect the quarantine directory", partition),
		Err:  err,
	}
}

// Validation reports a bad import row.
func Validation(op string, row int, err error) *Error {
	return &Error{
		Kind: KindValidation,
		Op:   op,
		Hint: fmt.Sprintf("row %d rejected - fix the row and re-import; valid rows were still written", row),
		Err:  err,
	}
}

// RateLimitExceeded reports exhausted rate-limit capacity with a
// retry-after hint.
func RateLimitExceeded(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Op:         op,
		Hint:       fmt.Sprintf("rate limit exhausted - retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the Kind from an error chain, or "" when the chain
// contains no catalog error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether an arbitrary error should be retried.
// Catalog errors answer from their kind; raw errors are classified by
// their network characteristics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return IsTransient(err)
}

// IsTransient classifies a raw (unwrapped) error as a transient network
// failure. Used by the fetcher to decide between SourceUnavailable and
// SourceRejected for errors the provider did not classify itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"timeout",
		"deadline exceeded",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"temporary failure",
		"service unavailable",
		"too many requests",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
