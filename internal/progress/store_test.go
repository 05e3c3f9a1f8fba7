package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"grading-queue/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestInitializeSeedsOnce(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)

	if _, err := store.Get(ctx, "result-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before init, got %v", err)
	}
	if err := store.Initialize(ctx, "result-1", 3); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	rec, err := store.Get(ctx, "result-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Phase != models.PhaseCheck || rec.Progress != 0 || rec.TotalUnits != 3 {
		t.Fatalf("unexpected seed %+v", rec)
	}

	w, _ := store.Acquire(ctx, "result-1", "job-1")
	if _, err := w.Update(ctx, models.PhaseParsing, 20, "parsing"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Initialize(ctx, "result-1", 3); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	rec, _ = store.Get(ctx, "result-1")
	if rec.Phase != models.PhaseParsing {
		t.Fatalf("initialize must not reset a live record, got %s", rec.Phase)
	}
}

func TestInitializeReseedsFinishedRecord(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)

	if err := store.Initialize(ctx, "result-1", 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	w, err := store.Acquire(ctx, "result-1", "lease-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := w.Fail(ctx, "grader down"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Regrade: the result is enqueued again.
	if err := store.Initialize(ctx, "result-1", 1); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	rec, err := store.Get(ctx, "result-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Phase != models.PhaseCheck || rec.Progress != 0 || rec.Error != "" || rec.Message != "" {
		t.Fatalf("finished record should be reseeded, got %+v", rec)
	}
	if _, err := store.Acquire(ctx, "result-1", "lease-b"); err != nil {
		t.Fatalf("reseeded record has no owner: %v", err)
	}
}

func TestInitializeAfterCompleteShowsNewJob(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)

	_ = store.Initialize(ctx, "result-1", 1)
	w, _ := store.Acquire(ctx, "result-1", "lease-a")
	if err := w.Complete(ctx, "Grading complete"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Initialize(ctx, "result-1", 1); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	rec, _ := store.Get(ctx, "result-1")
	if rec.Phase != models.PhaseCheck || rec.Progress != 0 {
		t.Fatalf("waiting regrade must not poll as complete, got %+v", rec)
	}
}

func TestWriterIsMonotonic(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)

	w, err := store.Acquire(ctx, "result-1", "job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	steps := []struct {
		phase   models.Phase
		percent int
		applied bool
	}{
		{models.PhaseCheck, 5, true},
		{models.PhaseParsing, 20, true},
		{models.PhaseModelling, 50, true},
		{models.PhaseParsing, 60, false},
		{models.PhaseModelling, 40, false},
		{models.PhaseModelling, 50, true},
		{models.PhaseScoring, 90, true},
	}
	for _, s := range steps {
		applied, err := w.Update(ctx, s.phase, s.percent, string(s.phase))
		if err != nil {
			t.Fatalf("update %s: %v", s.phase, err)
		}
		if applied != s.applied {
			t.Fatalf("update %s/%d applied=%v, want %v", s.phase, s.percent, applied, s.applied)
		}
	}
	rec, _ := store.Get(ctx, "result-1")
	if rec.Phase != models.PhaseScoring || rec.Progress != 90 {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := w.Fail(ctx, "grader timed out"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	rec, _ = store.Get(ctx, "result-1")
	if rec.Phase != models.PhaseFailed || rec.Progress != 90 || rec.Error != "grader timed out" {
		t.Fatalf("failure should keep percent and record reason: %+v", rec)
	}
	if applied, _ := w.Update(ctx, models.PhaseComplete, 100, "done"); applied {
		t.Fatalf("terminal record must not change")
	}
}

func TestSingleWriter(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)

	w1, err := store.Acquire(ctx, "result-1", "job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.Acquire(ctx, "result-1", "job-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("second owner should be refused, got %v", err)
	}
	if _, err := store.Acquire(ctx, "result-1", "job-1"); err != nil {
		t.Fatalf("same owner may re-acquire: %v", err)
	}

	intruder := &Writer{store: store, taskID: "result-1", owner: "job-2"}
	if _, err := intruder.Update(ctx, models.PhaseParsing, 10, "x"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign update should fail, got %v", err)
	}

	if err := w1.Complete(ctx, "graded"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	w2, err := store.Acquire(ctx, "result-1", "job-2")
	if err != nil {
		t.Fatalf("finished task can be taken over: %v", err)
	}
	rec, _ := store.Get(ctx, "result-1")
	if rec.Phase != models.PhaseCheck || rec.Progress != 0 {
		t.Fatalf("takeover should reset the record: %+v", rec)
	}
	if applied, _ := w2.Update(ctx, models.PhaseParsing, 10, "again"); !applied {
		t.Fatalf("new owner should write")
	}
}

func TestTakeoverFencesPreviousOwner(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)

	stale, err := store.Takeover(ctx, "result-1", "lease-a")
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if _, err := stale.Update(ctx, models.PhaseParsing, 20, "parsing"); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The lease expired and the job was claimed again under a new token.
	if _, err := store.Acquire(ctx, "result-1", "lease-b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("plain acquire must still respect the owner, got %v", err)
	}
	fresh, err := store.Takeover(ctx, "result-1", "lease-b")
	if err != nil {
		t.Fatalf("takeover by new lease: %v", err)
	}
	applied, err := stale.Update(ctx, models.PhaseModelling, 40, "late")
	if !errors.Is(err, ErrNotOwner) || applied {
		t.Fatalf("previous lease must be fenced, applied=%v err=%v", applied, err)
	}
	if err := stale.Complete(ctx, "late"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("previous lease must not complete, got %v", err)
	}
	if applied, err := fresh.Update(ctx, models.PhaseModelling, 40, "grading"); err != nil || !applied {
		t.Fatalf("current lease should write, applied=%v err=%v", applied, err)
	}
	rec, _ := store.Get(ctx, "result-1")
	if rec.Phase != models.PhaseModelling || rec.Message != "grading" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRecordsExpire(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewStore(client, 10*time.Second)

	w, _ := store.Acquire(ctx, "result-1", "job-1")
	if _, err := w.Update(ctx, models.PhaseParsing, 10, "parsing"); err != nil {
		t.Fatalf("update: %v", err)
	}
	mr.FastForward(11 * time.Second)
	if _, err := store.Get(ctx, "result-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record should expire, got %v", err)
	}
}

func TestUpdateRejectsUnknownPhase(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewStore(client, time.Minute)
	w, _ := store.Acquire(ctx, "result-1", "job-1")
	if _, err := w.Update(ctx, models.Phase("thinking"), 10, ""); err == nil {
		t.Fatalf("unknown phase should be rejected")
	}
}
