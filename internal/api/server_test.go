package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"grading-queue/internal/breaker"
	"grading-queue/internal/config"
	"grading-queue/internal/inspector"
	"grading-queue/internal/models"
	"grading-queue/internal/notify"
	"grading-queue/internal/progress"
	"grading-queue/internal/queue"
	"grading-queue/internal/ratelimit"
	"grading-queue/internal/store"
)

const adminKey = "secret"

type testEnv struct {
	srv    *httptest.Server
	client *redis.Client
	queue  *queue.RedisQueue
	store  *store.SQLiteStore
}

func newTestEnv(t *testing.T, limiter func(*redis.Client) *ratelimit.TokenBucket) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(st.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewRedisQueue(client, queue.Options{Name: "grading", VisibilityTimeout: 30 * time.Second})
	cfg := config.Config{AdminAPIKeys: []string{adminKey}}
	deps := Deps{
		Queue:     q,
		Store:     st,
		Progress:  progress.NewStore(client, time.Minute),
		Uploads:   progress.NewUploads(client, time.Minute, logger),
		Inspector: inspector.New(q, st, logger),
		Breakers:  breaker.NewRegistry(breaker.DefaultOptions(), nil, logger),
		Publisher: notify.NewPublisher(client),
		Logger:    logger,
	}
	if limiter != nil {
		deps.Limiter = limiter(client)
	}
	srv := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, client: client, queue: q, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func admin() map[string]string { return map[string]string{"X-API-Key": adminKey} }

func TestEnqueueSingleAndDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := models.GradingPayload{ResultID: "r1", UserID: "u1", SessionID: "s1"}

	resp := env.do(t, http.MethodPost, "/grading-jobs", payload, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var first enqueueResponse
	decode(t, resp, &first)
	if first.JobID == "" || first.ResultID != "r1" || first.Duplicate {
		t.Fatalf("unexpected response %+v", first)
	}

	resp = env.do(t, http.MethodPost, "/grading-jobs", payload, nil)
	var second enqueueResponse
	decode(t, resp, &second)
	if !second.Duplicate || second.JobID != first.JobID {
		t.Fatalf("second enqueue should return the live job, got %+v", second)
	}

	counts, err := env.queue.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected 1 waiting job, got %+v", counts)
	}
}

func TestEnqueueRejectsMissingIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r1"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/grading-jobs", "{not json", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", resp.StatusCode)
	}
}

func TestEnqueueBulkReportsPerJobErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]any{"jobs": []models.GradingPayload{
		{ResultID: "r1", UserID: "u1", SessionID: "s1"},
		{ResultID: "r2", UserID: "u1"},
		{ResultID: "r3", UserID: "u2", SessionID: "s2"},
	}}
	resp := env.do(t, http.MethodPost, "/grading-jobs", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out struct {
		Jobs []enqueueResponse `json:"jobs"`
	}
	decode(t, resp, &out)
	if len(out.Jobs) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Jobs))
	}
	if out.Jobs[0].Error != "" || out.Jobs[2].Error != "" {
		t.Fatalf("valid jobs should enqueue: %+v", out.Jobs)
	}
	if out.Jobs[1].Error == "" {
		t.Fatalf("job without sessionId should report an error")
	}

	trail, err := env.store.AuditTrail(context.Background(), "r1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != 1 || trail[0].Event != "enqueued" {
		t.Fatalf("expected enqueued audit entry, got %+v", trail)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *redis.Client) *ratelimit.TokenBucket {
		return ratelimit.NewTokenBucket(c, 1, 0.01, time.Minute)
	})
	resp := env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r1", UserID: "u1", SessionID: "s1"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit should pass, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r2", UserID: "u1", SessionID: "s1"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 should carry Retry-After")
	}
	resp = env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r3", UserID: "u2", SessionID: "s2"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other users have their own bucket, got %d", resp.StatusCode)
	}
}

func TestBulkEnqueueSpendsATokenPerJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *redis.Client) *ratelimit.TokenBucket {
		return ratelimit.NewTokenBucket(c, 2, 0.01, time.Minute)
	})
	jobs := func(ids ...string) map[string]any {
		var out []models.GradingPayload
		for _, id := range ids {
			out = append(out, models.GradingPayload{ResultID: id, UserID: "u1", SessionID: "s1"})
		}
		return map[string]any{"jobs": out}
	}

	resp := env.do(t, http.MethodPost, "/grading-jobs", jobs("r1", "r2", "r3"), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("3 jobs against a bucket of 2 should be refused, got %d", resp.StatusCode)
	}
	if c, _ := env.queue.Counts(ctx); c.Waiting != 0 {
		t.Fatalf("a refused bulk request must enqueue nothing: %+v", c)
	}

	resp = env.do(t, http.MethodPost, "/grading-jobs", jobs("r1", "r2"), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("2 jobs fit the bucket, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r3", UserID: "u1", SessionID: "s1"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("bulk request should have used both tokens, got %d", resp.StatusCode)
	}
}

func TestJobStatusMergesProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r1", UserID: "u1", SessionID: "s1"}, nil)
	var enq enqueueResponse
	decode(t, resp, &enq)

	resp = env.do(t, http.MethodGet, "/grading-jobs/"+enq.JobID+"/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st jobStatusResponse
	decode(t, resp, &st)
	if st.State != models.StateWaiting || st.Phase != models.PhaseCheck || st.ResultID != "r1" {
		t.Fatalf("unexpected status %+v", st)
	}

	resp = env.do(t, http.MethodGet, "/grading-jobs/missing/status", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestQueueStatusAndPause(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r1", UserID: "u1", SessionID: "s1"}, nil)

	resp := env.do(t, http.MethodPost, "/queue/pause", nil, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/queue/status", nil, nil)
	var st queueStatusResponse
	decode(t, resp, &st)
	if !st.Paused || st.Waiting != 1 || !st.IsRateLimited || st.IsProcessing {
		t.Fatalf("unexpected queue status %+v", st)
	}

	env.do(t, http.MethodPost, "/queue/resume", nil, admin())
	paused, err := env.queue.Paused(context.Background())
	if err != nil || paused {
		t.Fatalf("queue should be resumed: paused=%v err=%v", paused, err)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/queue/cleanup/preview", "/queue/cleanup/execute", "/queue/pause"} {
		resp := env.do(t, http.MethodPost, path, nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without key: expected 401, got %d", path, resp.StatusCode)
		}
		resp = env.do(t, http.MethodPost, path, nil, map[string]string{"X-API-Key": "wrong"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s with bad key: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestCleanupPreviewAndExecute(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: id, UserID: "u1", SessionID: "s1"}, nil)
	}
	if _, err := env.queue.Claim(ctx, "lease-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/queue/cleanup/preview", nil, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: %d", resp.StatusCode)
	}
	var preview inspector.CleanupPreview
	decode(t, resp, &preview)
	if preview.Total != 3 || preview.ByState.Waiting != 2 || preview.ByState.Active != 1 {
		t.Fatalf("unexpected preview %+v", preview)
	}

	resp = env.do(t, http.MethodPost, "/queue/cleanup/execute", map[string]bool{"includeActive": false}, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d", resp.StatusCode)
	}
	var res inspector.CleanupResult
	decode(t, resp, &res)
	if res.Removed.Waiting != 2 || res.After.Active != 1 {
		t.Fatalf("active job should survive cleanup: %+v", res)
	}

	resp = env.do(t, http.MethodPost, "/queue/cleanup/execute?includeActive=true", nil, admin())
	decode(t, resp, &res)
	if res.ActiveRemoved != 1 || res.After.Active != 0 {
		t.Fatalf("includeActive should purge the active job: %+v", res)
	}

	resp = env.do(t, http.MethodPost, "/queue/cleanup/execute?includeActive=maybe", nil, admin())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad flag, got %d", resp.StatusCode)
	}
}

func TestRemoveJob(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: "r1", UserID: "u1", SessionID: "s1"}, nil)
	var enq enqueueResponse
	decode(t, resp, &enq)

	resp = env.do(t, http.MethodDelete, "/queue/jobs/"+enq.JobID, nil, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove: %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodDelete, "/queue/jobs/"+enq.JobID, nil, admin())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second remove: expected 409, got %d", resp.StatusCode)
	}
}

func TestBreakerActions(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/breakers/grading-api/open", nil, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open: %d", resp.StatusCode)
	}
	var st breaker.Stats
	decode(t, resp, &st)
	if st.State != breaker.StateOpen {
		t.Fatalf("expected open, got %s", st.State)
	}

	resp = env.do(t, http.MethodGet, "/breakers", nil, admin())
	var body struct {
		Health   breaker.SystemHealth     `json:"health"`
		Breakers map[string]breaker.Stats `json:"breakers"`
	}
	decode(t, resp, &body)
	if body.Health.Healthy || body.Breakers["grading-api"].State != breaker.StateOpen {
		t.Fatalf("open breaker should make the system unhealthy: %+v", body)
	}

	resp = env.do(t, http.MethodPost, "/breakers/grading-api/reset", nil, admin())
	decode(t, resp, &st)
	if st.State != breaker.StateClosed {
		t.Fatalf("expected closed after reset, got %s", st.State)
	}

	resp = env.do(t, http.MethodPost, "/breakers/grading-api/explode", nil, admin())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", resp.StatusCode)
	}
}

func TestNotifyPublishes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sub := env.client.Subscribe(ctx, notify.ChannelSubmission)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/notifications/submission",
		notify.SubmissionNotification{SubmissionID: "sub-1", TeacherID: "t1"}, admin())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !strings.Contains(msg.Payload, `"teacherId":"t1"`) {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}

	resp = env.do(t, http.MethodPost, "/notifications/submission", notify.SubmissionNotification{}, admin())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing teacher: expected 400, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/notifications/fax", map[string]string{}, admin())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown kind: expected 404, got %d", resp.StatusCode)
	}
}

func TestUploadFlowEnqueuesGrading(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	resp := env.do(t, http.MethodPost, "/uploads", map[string]any{
		"userId":    "u1",
		"sessionId": "s1",
		"rubric":    "clarity",
		"files":     []progress.FileSpec{{Name: "essay.txt", Size: 11}},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create upload: %d", resp.StatusCode)
	}
	var created struct {
		UploadID string `json:"uploadId"`
	}
	decode(t, resp, &created)

	resp = env.do(t, http.MethodPut, "/uploads/"+created.UploadID+"/files/other.txt", "x", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("undeclared file: expected 404, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPut, "/uploads/"+created.UploadID+"/files/essay.txt", "hello world",
		map[string]string{"Content-Type": "text/plain; charset=utf-8"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload file: %d", resp.StatusCode)
	}
	var up uploadFileResponse
	decode(t, resp, &up)
	if up.JobID == "" || up.File.Status != models.FileSuccess {
		t.Fatalf("unexpected upload response %+v", up)
	}

	in, err := env.store.LoadGradingInput(ctx, up.ResultID)
	if err != nil {
		t.Fatalf("load input: %v", err)
	}
	if string(in.Content) != "hello world" || in.ContentType != "text/plain" || in.Rubric != "clarity" {
		t.Fatalf("unexpected stored input %+v", in)
	}
	job, err := env.queue.Get(ctx, up.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Payload.ResultID != up.ResultID || job.Payload.UserID != "u1" {
		t.Fatalf("job payload mismatch %+v", job.Payload)
	}

	resp = env.do(t, http.MethodGet, "/uploads/"+created.UploadID, nil, nil)
	var got struct {
		Summary progress.Summary `json:"summary"`
	}
	decode(t, resp, &got)
	if got.Summary.Status != models.FileSuccess || got.Summary.CompletedFiles != 1 {
		t.Fatalf("unexpected summary %+v", got.Summary)
	}

	resp = env.do(t, http.MethodDelete, "/uploads/"+created.UploadID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete upload: %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/uploads/"+created.UploadID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted upload: expected 404, got %d", resp.StatusCode)
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/uploads", map[string]any{
		"userId":    "u1",
		"sessionId": "s1",
		"files":     []progress.FileSpec{{Name: "a.txt", Size: 3}},
	}, nil)
	var created struct {
		UploadID string `json:"uploadId"`
	}
	decode(t, resp, &created)

	resp = env.do(t, http.MethodPut, "/uploads/"+created.UploadID+"/files/a.txt", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/uploads/"+created.UploadID, nil, nil)
	var got struct {
		Summary progress.Summary `json:"summary"`
	}
	decode(t, resp, &got)
	if got.Summary.Status != models.FileError {
		t.Fatalf("failed file should fail the session, got %s", got.Summary.Status)
	}
}

func TestRegisteredOwnerAppearsInPreview(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPut, "/users/u1", map[string]string{"name": "Ada", "email": "ada@example.com"}, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put user: %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPut, "/assignments/a1", map[string]string{"rubric": "x"}, admin())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("assignment without name: expected 400, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPut, "/assignments/a1", map[string]string{"name": "Essay 1", "rubric": "clarity"}, admin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put assignment: %d", resp.StatusCode)
	}

	res, err := env.store.CreateResult(context.Background(), store.CreateResultParams{
		UserID: "u1", SessionID: "s1", AssignmentID: "a1", FileName: "essay.txt",
		ContentType: "text/plain", Content: []byte("hi"),
	})
	if err != nil {
		t.Fatalf("create result: %v", err)
	}
	env.do(t, http.MethodPost, "/grading-jobs", models.GradingPayload{ResultID: res.ID, UserID: "u1", SessionID: "s1"}, nil)

	resp = env.do(t, http.MethodPost, "/queue/cleanup/preview", nil, admin())
	var preview inspector.CleanupPreview
	decode(t, resp, &preview)
	if preview.ByUser["u1"].Name != "Ada" || preview.ByUser["u1"].Count != 1 {
		t.Fatalf("expected owner name in preview, got %+v", preview.ByUser)
	}
	if len(preview.RecentJobs) != 1 || preview.RecentJobs[0].Metadata == nil ||
		preview.RecentJobs[0].Metadata.AssignmentName != "Essay 1" {
		t.Fatalf("expected enriched job detail, got %+v", preview.RecentJobs)
	}
}
