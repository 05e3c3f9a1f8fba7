package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"grading-queue/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateResult inserts a pending result row.
func (s *PostgresStore) CreateResult(ctx context.Context, p CreateResultParams) (Result, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grading_results (id, user_id, session_id, assignment_id, file_name, content_type, content, rubric, language, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, p.ID, p.UserID, p.SessionID, emptyToNil(p.AssignmentID), p.FileName, p.ContentType, p.Content, p.Rubric, p.Language, StatusPending, now)
	if err != nil {
		return Result{}, fmt.Errorf("insert result: %w", err)
	}
	return Result{
		ID:           p.ID,
		UserID:       p.UserID,
		SessionID:    p.SessionID,
		AssignmentID: p.AssignmentID,
		FileName:     p.FileName,
		ContentType:  p.ContentType,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetResult fetches a result by id.
func (s *PostgresStore) GetResult(ctx context.Context, id string) (Result, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, session_id, assignment_id, file_name, content_type, status, attempts, result, error, created_at, updated_at, completed_at
		FROM grading_results WHERE id = $1
	`, id)

	var r Result
	var assignment, lastErr pgtype.Text
	var outcome []byte
	var completed pgtype.Timestamptz
	if err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &assignment, &r.FileName, &r.ContentType, &r.Status, &r.Attempts, &outcome, &lastErr, &r.CreatedAt, &r.UpdatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, fmt.Errorf("result %s: %w", id, ErrNotFound)
		}
		return Result{}, fmt.Errorf("scan result: %w", err)
	}
	r.AssignmentID = assignment.String
	r.Error = lastErr.String
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if len(outcome) > 0 {
		var o models.GradingOutcome
		if err := json.Unmarshal(outcome, &o); err != nil {
			return Result{}, fmt.Errorf("unmarshal outcome: %w", err)
		}
		r.Outcome = &o
	}
	return r, nil
}

// LoadGradingInput reads the submission content and rubric for the worker.
func (s *PostgresStore) LoadGradingInput(ctx context.Context, resultID string) (models.GradingInput, error) {
	in := models.GradingInput{ResultID: resultID}
	err := s.pool.QueryRow(ctx, `
		SELECT r.user_id, r.file_name, r.content_type, r.content,
		       COALESCE(NULLIF(r.rubric, ''), a.rubric, ''), r.language
		FROM grading_results r
		LEFT JOIN assignments a ON a.id = r.assignment_id
		WHERE r.id = $1
	`, resultID).Scan(&in.UserID, &in.FileName, &in.ContentType, &in.Content, &in.Rubric, &in.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return in, fmt.Errorf("result %s: %w", resultID, ErrNotFound)
	}
	if err != nil {
		return in, fmt.Errorf("load grading input: %w", err)
	}
	return in, nil
}

// MarkProcessing records that a worker started an attempt.
func (s *PostgresStore) MarkProcessing(ctx context.Context, resultID string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE grading_results SET status = $2, attempts = $3, updated_at = NOW() WHERE id = $1
	`, resultID, StatusProcessing, attempt)
	return affected(tag.RowsAffected(), err, "mark processing", resultID)
}

// SaveResult stores the outcome and marks the result completed.
func (s *PostgresStore) SaveResult(ctx context.Context, resultID string, outcome models.GradingOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE grading_results
		SET status = $2, result = $3, error = NULL, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1
	`, resultID, StatusCompleted, raw)
	return affected(tag.RowsAffected(), err, "save result", resultID)
}

// MarkFailed records a terminal failure reason.
func (s *PostgresStore) MarkFailed(ctx context.Context, resultID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE grading_results SET status = $2, error = $3, updated_at = NOW(), completed_at = NOW() WHERE id = $1
	`, resultID, StatusFailed, reason)
	return affected(tag.RowsAffected(), err, "mark failed", resultID)
}

// LoadJobMetadata resolves a payload to the owner and assignment it belongs to.
func (s *PostgresStore) LoadJobMetadata(ctx context.Context, p models.GradingPayload) (models.JobMetadata, error) {
	md := models.JobMetadata{OwnerID: p.UserID}
	var name, email, assignmentID, assignmentName pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT r.file_name, u.name, u.email, r.assignment_id, a.name
		FROM grading_results r
		LEFT JOIN users u ON u.id = r.user_id
		LEFT JOIN assignments a ON a.id = r.assignment_id
		WHERE r.id = $1
	`, p.ResultID).Scan(&md.FileName, &name, &email, &assignmentID, &assignmentName)
	if errors.Is(err, pgx.ErrNoRows) {
		return md, fmt.Errorf("result %s: %w", p.ResultID, ErrNotFound)
	}
	if err != nil {
		return md, fmt.Errorf("load job metadata: %w", err)
	}
	md.OwnerName = name.String
	md.OwnerEmail = email.String
	md.AssignmentID = assignmentID.String
	md.AssignmentName = assignmentName.String
	return md, nil
}

// UpsertUser inserts or updates a user.
func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
	`, u.ID, u.Name, u.Email)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertAssignment inserts or updates an assignment.
func (s *PostgresStore) UpsertAssignment(ctx context.Context, a Assignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assignments (id, name, rubric) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rubric = EXCLUDED.rubric
	`, a.ID, a.Name, a.Rubric)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *PostgresStore) AppendAudit(ctx context.Context, resultID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (result_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, resultID, event, detail)
	return err
}

func affected(n int64, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
