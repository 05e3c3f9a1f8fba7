package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"grading-queue/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedResult(t *testing.T, s *SQLiteStore) Result {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertUser(ctx, User{ID: "u1", Name: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := s.UpsertAssignment(ctx, Assignment{ID: "a1", Name: "Essay 1", Rubric: "clarity:5"}); err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}
	r, err := s.CreateResult(ctx, CreateResultParams{
		UserID:       "u1",
		SessionID:    "s1",
		AssignmentID: "a1",
		FileName:     "essay.txt",
		ContentType:  "text/plain",
		Content:      []byte("hello"),
	})
	if err != nil {
		t.Fatalf("CreateResult: %v", err)
	}
	return r
}

func TestSQLiteCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	r := seedResult(t, s)
	if r.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := s.GetResult(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != StatusPending || got.AssignmentID != "a1" || got.Outcome != nil || got.CompletedAt != nil {
		t.Fatalf("unexpected result: %+v", got)
	}

	_, err = s.GetResult(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteGradingInputFallsBackToAssignmentRubric(t *testing.T) {
	s := newTestStore(t)
	r := seedResult(t, s)

	in, err := s.LoadGradingInput(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("LoadGradingInput: %v", err)
	}
	if string(in.Content) != "hello" || in.Rubric != "clarity:5" || in.UserID != "u1" {
		t.Fatalf("unexpected input: %+v", in)
	}
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := seedResult(t, s)

	if err := s.MarkProcessing(ctx, r.ID, 2); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	outcome := models.GradingOutcome{
		Breakdown:  []models.CriterionScore{{Criterion: "clarity", Score: 4, MaxScore: 5}},
		TotalScore: 4,
		MaxScore:   5,
		Feedback:   "good",
		GradedAt:   time.Now().UTC(),
	}
	if err := s.SaveResult(ctx, r.ID, outcome); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	got, err := s.GetResult(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != StatusCompleted || got.Attempts != 2 || got.Outcome == nil || got.Outcome.TotalScore != 4 || got.CompletedAt == nil {
		t.Fatalf("unexpected completed result: %+v", got)
	}

	if err := s.MarkFailed(ctx, "missing", "boom"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestSQLiteJobMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := seedResult(t, s)

	md, err := s.LoadJobMetadata(ctx, models.GradingPayload{ResultID: r.ID, UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("LoadJobMetadata: %v", err)
	}
	if md.OwnerName != "Ada" || md.AssignmentName != "Essay 1" || md.FileName != "essay.txt" {
		t.Fatalf("unexpected metadata: %+v", md)
	}

	_, err = s.LoadJobMetadata(ctx, models.GradingPayload{ResultID: "gone", UserID: "u1", SessionID: "s1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteAuditTrail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, ev := range []string{"enqueued", "processing", "completed"} {
		if err := s.AppendAudit(ctx, "r1", ev, ""); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	trail, err := s.AuditTrail(ctx, "r1")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 3 || trail[0].Event != "enqueued" || trail[2].Event != "completed" {
		t.Fatalf("unexpected trail: %+v", trail)
	}
}
