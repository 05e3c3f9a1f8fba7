package models

import (
	"errors"
	"time"
)

// State enumerates lifecycle states of a grading job in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every per-job state in reporting order.
var States = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// Terminal reports whether the queue no longer owns a job in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// GradingPayload identifies the submission a job grades.
type GradingPayload struct {
	ResultID     string `json:"resultId"`
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	UserLanguage string `json:"userLanguage,omitempty"`
}

var errPayloadIDs = errors.New("resultId, userId and sessionId are required")

// Validate checks that every identifier the worker needs is present.
func (p GradingPayload) Validate() error {
	if p.ResultID == "" || p.UserID == "" || p.SessionID == "" {
		return errPayloadIDs
	}
	return nil
}

// Job is a grading job as tracked by the queue.
type Job struct {
	ID           string         `json:"id"`
	Payload      GradingPayload `json:"data"`
	State        State          `json:"state"`
	Attempts     int            `json:"attempts"`
	Deferrals    int            `json:"deferrals"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	RunAt        *time.Time     `json:"runAt,omitempty"`
	FailedReason string         `json:"failedReason,omitempty"`
	LeaseToken   string         `json:"-"`
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Get returns the count for a single state.
func (c Counts) Get(s State) int64 {
	switch s {
	case StateWaiting:
		return c.Waiting
	case StateActive:
		return c.Active
	case StateDelayed:
		return c.Delayed
	case StateCompleted:
		return c.Completed
	case StateFailed:
		return c.Failed
	}
	return 0
}

// Set stores the count for a single state.
func (c *Counts) Set(s State, n int64) {
	switch s {
	case StateWaiting:
		c.Waiting = n
	case StateActive:
		c.Active = n
	case StateDelayed:
		c.Delayed = n
	case StateCompleted:
		c.Completed = n
	case StateFailed:
		c.Failed = n
	}
}

// Total sums every state.
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Delayed + c.Completed + c.Failed
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
