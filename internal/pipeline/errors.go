package pipeline

import (
	"errors"
	"fmt"
)

// Category classifies a stage failure and decides its retry behavior.
type Category string

const (
	// TransientInfra covers network and store availability failures.
	// The message is rejected back onto the queue until the retry budget
	// is spent.
	TransientInfra Category = "TRANSIENT_INFRA"

	// ValidationFailure marks bad or missing data in a single record.
	// It is absorbed locally: the record is counted and skipped, the
	// batch continues.
	ValidationFailure Category = "VALIDATION_FAILURE"

	// ConfigurationError marks an unprocessable request (bad window,
	// unknown dataset). Never retried; the run fails on first occurrence.
	ConfigurationError Category = "CONFIGURATION_ERROR"

	// ExhaustedRetries marks a transient failure that persisted past the
	// retry budget. The message is dead-lettered and the run fails.
	ExhaustedRetries Category = "EXHAUSTED_RETRIES"
)

// Error is a stage failure carrying its category and a wrapped cause.
type Error struct {
	Cat     Category
	Summary string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Cat, e.Summary, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Cat, e.Summary)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient wraps err as a retryable infrastructure failure.
func Transient(summary string, err error) *Error {
	return &Error{Cat: TransientInfra, Summary: summary, Cause: err}
}

// ConfigErr marks a request that can never succeed as submitted.
func ConfigErr(summary string, err error) *Error {
	return &Error{Cat: ConfigurationError, Summary: summary, Cause: err}
}

// Exhausted marks a transient failure past its retry budget.
func Exhausted(summary string, err error) *Error {
	return &Error{Cat: ExhaustedRetries, Summary: summary, Cause: err}
}

// CategoryOf returns the category of err, defaulting to TransientInfra so
// unclassified failures are retried rather than silently dropped.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Cat
	}
	return TransientInfra
}

// Retryable reports whether err should be requeued.
func Retryable(err error) bool {
	return CategoryOf(err) == TransientInfra
}
