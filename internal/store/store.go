package store

import (
	"context"
	"errors"
	"time"

	"grading-queue/internal/models"
)

// ErrNotFound is returned when a result, user or assignment does not exist.
var ErrNotFound = errors.New("not found")

// Result statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Store persists grading results. It is the authoritative record of every
// outcome; the queue and progress records are derived state.
type Store interface {
	CreateResult(ctx context.Context, p CreateResultParams) (Result, error)
	GetResult(ctx context.Context, id string) (Result, error)
	LoadGradingInput(ctx context.Context, resultID string) (models.GradingInput, error)
	MarkProcessing(ctx context.Context, resultID string, attempt int) error
	SaveResult(ctx context.Context, resultID string, outcome models.GradingOutcome) error
	MarkFailed(ctx context.Context, resultID, reason string) error
	LoadJobMetadata(ctx context.Context, p models.GradingPayload) (models.JobMetadata, error)
	UpsertUser(ctx context.Context, u User) error
	UpsertAssignment(ctx context.Context, a Assignment) error
	AppendAudit(ctx context.Context, resultID, event, detail string) error
	Close()
}

// CreateResultParams collects inputs required to register a submission for grading.
type CreateResultParams struct {
	ID           string
	UserID       string
	SessionID    string
	AssignmentID string
	FileName     string
	ContentType  string
	Content      []byte
	Rubric       string
	Language     string
}

// Result is one graded (or to-be-graded) submission.
type Result struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	SessionID    string                 `json:"sessionId"`
	AssignmentID string                 `json:"assignmentId,omitempty"`
	FileName     string                 `json:"fileName"`
	ContentType  string                 `json:"contentType"`
	Status       string                 `json:"status"`
	Attempts     int                    `json:"attempts"`
	Outcome      *models.GradingOutcome `json:"outcome,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// User is the owner of a submission.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Assignment is what a submission answers.
type Assignment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rubric string `json:"rubric"`
}
