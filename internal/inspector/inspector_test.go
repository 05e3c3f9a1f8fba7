package inspector

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"grading-queue/internal/models"
	"grading-queue/internal/queue"
)

type fakeLookup struct {
	missing map[string]bool
	calls   int
}

func (f *fakeLookup) LoadJobMetadata(_ context.Context, p models.GradingPayload) (models.JobMetadata, error) {
	f.calls++
	if f.missing[p.ResultID] {
		return models.JobMetadata{}, errors.New("result not found")
	}
	return models.JobMetadata{
		OwnerID:        p.UserID,
		OwnerName:      "Name of " + p.UserID,
		AssignmentName: "Essay",
		FileName:       p.ResultID + ".pdf",
	}, nil
}

func newTestInspector(t *testing.T, lookup MetadataLookup) (*queue.RedisQueue, *Inspector) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, queue.Options{Name: "grading"})
	return q, New(q, lookup, nil)
}

// seed leaves 2 completed, 1 failed, 1 active and 3 waiting jobs.
func seed(t *testing.T, q *queue.RedisQueue) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		if _, err := q.Add(ctx, models.GradingPayload{ResultID: fmt.Sprintf("r%d", i), UserID: user, SessionID: "s"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		job, err := q.Claim(ctx, fmt.Sprintf("lease-%d", i))
		if err != nil || job == nil {
			t.Fatalf("claim: %v %v", job, err)
		}
		switch i {
		case 0, 1:
			err = q.Complete(ctx, job)
		case 2:
			err = q.Fail(ctx, job, "bad rubric")
		}
		if err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
}

func TestPreviewIsReadOnlyAndEnriched(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{missing: map[string]bool{"r5": true}}
	q, in := newTestInspector(t, lookup)
	seed(t, q)

	first, err := in.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	want := models.Counts{Waiting: 3, Active: 1, Completed: 2, Failed: 1}
	if first.ByState != want || first.Total != 7 {
		t.Fatalf("unexpected counts: total=%d %+v", first.Total, first.ByState)
	}
	if len(first.ActiveJobs) != 1 || first.ActiveJobs[0].Data.ResultID != "r3" {
		t.Fatalf("unexpected active jobs: %+v", first.ActiveJobs)
	}
	if first.ByUser["u1"].Count != 4 || first.ByUser["u2"].Count != 3 || first.ByUser["u1"].Name != "Name of u1" {
		t.Fatalf("unexpected by-user summary: %+v", first.ByUser)
	}
	if len(first.RecentJobs) != 7 {
		t.Fatalf("expected every job in the sample, got %d", len(first.RecentJobs))
	}

	var sawLookupError bool
	for _, d := range first.RecentJobs {
		if d.Data.ResultID == "r5" {
			sawLookupError = d.LookupError != "" && d.Metadata == nil
		}
	}
	if !sawLookupError {
		t.Fatalf("job with failed lookup should be kept with its error")
	}

	second, err := in.Preview(ctx)
	if err != nil {
		t.Fatalf("second preview: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("preview should be stable on an unchanged queue")
	}
	if counts, _ := q.Counts(ctx); counts != want {
		t.Fatalf("preview mutated the queue: %+v", counts)
	}
}

func TestPreviewEmptyQueue(t *testing.T) {
	_, in := newTestInspector(t, nil)
	p, err := in.Preview(context.Background())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Total != 0 || len(p.ActiveJobs) != 0 || len(p.RecentJobs) != 0 || len(p.ByUser) != 0 {
		t.Fatalf("unexpected preview of empty queue: %+v", p)
	}
}

func TestCleanupLeavesActiveJobsByDefault(t *testing.T) {
	ctx := context.Background()
	q, in := newTestInspector(t, &fakeLookup{})
	seed(t, q)

	res, err := in.Cleanup(ctx, CleanupOptions{})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.ActiveRemoved != 0 || res.After.Active != 1 {
		t.Fatalf("active jobs must survive a default cleanup: %+v", res)
	}
	if res.After.Total() != 1 {
		t.Fatalf("expected only the active job left, got %+v", res.After)
	}
	for _, s := range models.States {
		if res.Removed.Get(s) != res.Before.Get(s)-res.After.Get(s) || res.Removed.Get(s) < 0 {
			t.Fatalf("state %s: removed %d, before %d, after %d", s, res.Removed.Get(s), res.Before.Get(s), res.After.Get(s))
		}
	}
	if res.Timestamp.IsZero() {
		t.Fatalf("expected timestamp")
	}
}

func TestCleanupIncludeActiveReportsSeparately(t *testing.T) {
	ctx := context.Background()
	q, in := newTestInspector(t, &fakeLookup{})
	seed(t, q)

	res, err := in.Cleanup(ctx, CleanupOptions{IncludeActive: true})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.ActiveRemoved != 1 || res.After.Total() != 0 {
		t.Fatalf("expected the active job removed and reported: %+v", res)
	}
	if res.Removed.Waiting != 3 || res.Removed.Completed != 2 || res.Removed.Failed != 1 {
		t.Fatalf("unexpected removed counts: %+v", res.Removed)
	}
}
