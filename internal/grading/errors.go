package grading

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInput marks a submission the grader can never accept. It is not retried.
var ErrInvalidInput = errors.New("invalid grading input")

// RateLimitError is returned when the grading endpoint answers 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("grader rate limited, retry after %s", e.RetryAfter)
	}
	return "grader rate limited"
}

// TimeoutError is returned when a grading call exceeds its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("grader timed out after %s", e.After)
}

// MalformedOutputError is returned when the model answer cannot be used as a grade.
type MalformedOutputError struct {
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return "malformed grader output: " + e.Reason
}

// ServerError wraps a 5xx answer.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("grader server error: status %d: %s", e.Status, e.Body)
}

// CountsAgainstGrader reports whether err says something about the grader's
// health. Rejected input and caller cancellation do not.
func CountsAgainstGrader(err error) bool {
	return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, context.Canceled)
}
