package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grading-queue/internal/models"
)

// SQLiteStore is a SQLite-backed implementation of Store for single-node setups and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the SQLite database at path and runs migrations.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Each connection to :memory: is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id    TEXT PRIMARY KEY,
			name  TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS assignments (
			id     TEXT PRIMARY KEY,
			name   TEXT NOT NULL DEFAULT '',
			rubric TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS grading_results (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			assignment_id TEXT,
			file_name     TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			content       BLOB NOT NULL,
			rubric        TEXT NOT NULL DEFAULT '',
			language      TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			attempts      INTEGER NOT NULL DEFAULT 0,
			result        TEXT,
			error         TEXT,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			completed_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_grading_results_user    ON grading_results(user_id);
		CREATE INDEX IF NOT EXISTS idx_grading_results_session ON grading_results(session_id);
		CREATE INDEX IF NOT EXISTS idx_grading_results_status  ON grading_results(status);
		CREATE TABLE IF NOT EXISTS audit_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			result_id TEXT NOT NULL,
			event     TEXT NOT NULL,
			detail    TEXT NOT NULL DEFAULT '',
			ts        DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_result ON audit_logs(result_id);
	`)
	return err
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) CreateResult(ctx context.Context, p CreateResultParams) (Result, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	if p.Content == nil {
		p.Content = []byte{}
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grading_results
			(id, user_id, session_id, assignment_id, file_name, content_type, content, rubric, language, status, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.SessionID, nullString(p.AssignmentID), p.FileName, p.ContentType, p.Content, p.Rubric, p.Language, StatusPending, now, now)
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

func (s *SQLiteStore) GetResult(ctx context.Context, id string) (Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, assignment_id, file_name, content_type, status, attempts, result, error, created_at, updated_at, completed_at
		FROM grading_results WHERE id = ?
	`, id)

	var r Result
	var assignment, outcome, lastErr sql.NullString
	var completed sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &assignment, &r.FileName, &r.ContentType, &r.Status, &r.Attempts, &outcome, &lastErr, &r.CreatedAt, &r.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("scan result: %w", err)
	}
	r.AssignmentID = assignment.String
	r.Error = lastErr.String
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if outcome.Valid && outcome.String != "" {
		var o models.GradingOutcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return Result{}, fmt.Errorf("unmarshal outcome: %w", err)
		}
		r.Outcome = &o
	}
	return r, nil
}

func (s *SQLiteStore) LoadGradingInput(ctx context.Context, resultID string) (models.GradingInput, error) {
	in := models.GradingInput{ResultID: resultID}
	err := s.db.QueryRowContext(ctx, `
		SELECT r.user_id, r.file_name, r.content_type, r.content,
		       COALESCE(NULLIF(r.rubric, ''), a.rubric, ''), r.language
		FROM grading_results r
		LEFT JOIN assignments a ON a.id = r.assignment_id
		WHERE r.id = ?
	`, resultID).Scan(&in.UserID, &in.FileName, &in.ContentType, &in.Content, &in.Rubric, &in.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return in, fmt.Errorf("result %s: %w", resultID, ErrNotFound)
	}
	if err != nil {
		return in, fmt.Errorf("load grading input: %w", err)
	}
	return in, nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, resultID string, attempt int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE grading_results SET status = ?, attempts = ?, updated_at = ? WHERE id = ?
	`, StatusProcessing, attempt, time.Now().UTC(), resultID)
	return sqlAffected(res, err, "mark processing", resultID)
}

func (s *SQLiteStore) SaveResult(ctx context.Context, resultID string, outcome models.GradingOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE grading_results
		SET status = ?, result = ?, error = NULL, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, StatusCompleted, string(raw), now, now, resultID)
	return sqlAffected(res, err, "save result", resultID)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, resultID, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE grading_results SET status = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?
	`, StatusFailed, reason, now, now, resultID)
	return sqlAffected(res, err, "mark failed", resultID)
}

func (s *SQLiteStore) LoadJobMetadata(ctx context.Context, p models.GradingPayload) (models.JobMetadata, error) {
	md := models.JobMetadata{OwnerID: p.UserID}
	var name, email, assignmentID, assignmentName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT r.file_name, u.name, u.email, r.assignment_id, a.name
		FROM grading_results r
		LEFT JOIN users u ON u.id = r.user_id
		LEFT JOIN assignments a ON a.id = r.assignment_id
		WHERE r.id = ?
	`, p.ResultID).Scan(&md.FileName, &name, &email, &assignmentID, &assignmentName)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, u.ID, u.Name, u.Email)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertAssignment(ctx context.Context, a Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, name, rubric) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, rubric = excluded.rubric
	`, a.ID, a.Name, a.Rubric)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, resultID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (result_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, resultID, event, detail, time.Now().UTC())
	return err
}

// AuditTrail returns audit rows for a result in insertion order.
func (s *SQLiteStore) AuditTrail(ctx context.Context, resultID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, event, detail, ts FROM audit_logs WHERE result_id = ? ORDER BY id
	`, resultID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func sqlAffected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return affected(n, nil, op, id)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
