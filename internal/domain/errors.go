package domain

import (
	"errors"
	"fmt"
	"time"
)

// SourceErrorCategory classifies adapter failures so the pipeline can decide
// between retrying, backing off until the next cycle, or giving up.
type SourceErrorCategory string

const (
	SourceErrTransient   SourceErrorCategory = "TRANSIENT"
	SourceErrRateLimited SourceErrorCategory = "RATE_LIMITED"
	SourceErrAuth        SourceErrorCategory = "AUTH"
	SourceErrMalformed   SourceErrorCategory = "MALFORMED"
	SourceErrUnavailable SourceErrorCategory = "UNAVAILABLE"
)

// Retryable reports whether the category warrants a retry within the cycle.
// AUTH and MALFORMED failures are fatal for the source until the next cycle.
func (c SourceErrorCategory) Retryable() bool {
	return c == SourceErrTransient || c == SourceErrRateLimited
}

// SourceError wraps an adapter failure with its source and category.
type SourceError struct {
	SourceID string
	Category SourceErrorCategory
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Category, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewSourceError builds a classified source error.
func NewSourceError(sourceID string, category SourceErrorCategory, err error) *SourceError {
	return &SourceError{SourceID: sourceID, Category: category, Err: err}
}

// ClassifyHTTPStatus maps an HTTP status code to a source error category.
func ClassifyHTTPStatus(status int) SourceErrorCategory {
	switch {
	case status == 429:
		return SourceErrRateLimited
	case status == 401 || status == 403:
		return SourceErrAuth
	case status >= 500:
		return SourceErrTransient
	case status >= 400:
		return SourceErrMalformed
	}
	return SourceErrTransient
}

// ValidationError marks a record that failed schema validation at the adapter
// boundary. The record is dropped and counted; ingestion continues.
type ValidationError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s field %q: %s", e.SourceID, e.Field, e.Reason)
}

// ErrSanitizationReject marks a sample the sanitizer excluded. It is recorded
// in the sanitization result rather than propagated as a pipeline failure.
var ErrSanitizationReject = errors.New("sanitization rejected sample")

// InsufficientConstituentsError means an index could not be published because
// too few sources passed eligibility.
type InsufficientConstituentsError struct {
	Code     IndexCode
	Eligible int
	Required int
}

func (e *InsufficientConstituentsError) Error() string {
	return fmt.Sprintf("index %s: %d eligible constituents, need %d", e.Code, e.Eligible, e.Required)
}

// StoreConflictError means an append violated per-key temporal monotonicity.
// The write is dropped and counted; it never aborts a cycle.
type StoreConflictError struct {
	Stream string
	Key    string
	Last   time.Time
	Got    time.Time
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("store conflict on %s[%s]: got %s, last %s",
		e.Stream, e.Key, e.Got.UTC().Format(time.RFC3339Nano), e.Last.UTC().Format(time.RFC3339Nano))
}

// ConfigError marks an invalid or missing configuration value. Fatal at
// startup, rejected without effect at runtime.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// DeadlineError marks a pipeline stage that exceeded its cycle budget.
type DeadlineError struct {
	Stage string
	Err   error
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("deadline exceeded in %s: %v", e.Stage, e.Err)
}

func (e *DeadlineError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a source error worth retrying.
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Category.Retryable()
	}
	return false
}
