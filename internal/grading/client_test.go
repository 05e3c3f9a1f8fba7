package grading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"grading-queue/internal/config"
	"grading-queue/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.Config{GraderURL: srv.URL, GraderAPIKey: "secret", GraderTimeout: 200 * time.Millisecond})
}

var input = models.GradingInput{
	ResultID:    "result-1",
	FileName:    "essay.txt",
	ContentType: "text/plain",
	Content:     []byte("the answer is 42"),
	Rubric:      "clarity",
}

func TestGradeSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		var req gradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResultID != "result-1" || string(req.Content) != "the answer is 42" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{
			"breakdown": [
				{"criterion": "clarity", "score": 4, "maxScore": 5},
				{"criterion": "accuracy", "score": 3.5, "maxScore": 5}
			],
			"totalScore": 7.5,
			"feedback": "good",
			"usage": {"inputTokens": 120, "outputTokens": 40}
		}`))
	})

	out, err := client.Grade(context.Background(), input)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if out.TotalScore != 7.5 || out.MaxScore != 10 || len(out.Breakdown) != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Usage.InputTokens != 120 || out.GradedAt.IsZero() {
		t.Fatalf("usage or gradedAt missing: %+v", out)
	}
}

func TestGradeRejectsOversizedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalScore": 7, "maxScore": 10, "feedback": "` + strings.Repeat("x", 256) + `"}`))
	})
	client.maxBody = 64

	_, err := client.Grade(context.Background(), input)
	var malformed *MalformedOutputError
	if !errors.As(err, &malformed) || !strings.Contains(malformed.Reason, "larger than 64 bytes") {
		t.Fatalf("expected malformed output for an oversized body, got %v", err)
	}
	if !CountsAgainstGrader(err) {
		t.Fatalf("an oversized answer is the grader's fault")
	}
}

func TestGradeErrorBodyIsBounded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("e", 4096)))
	})
	client.maxBody = 1024

	_, err := client.Grade(context.Background(), input)
	var server *ServerError
	if !errors.As(err, &server) || len(server.Body) > maxErrorBody+16 {
		t.Fatalf("expected a truncated server error, got %v", err)
	}
}

func TestGradeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(error) bool
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "7"},
			check: func(err error) bool {
				var rl *RateLimitError
				return errors.As(err, &rl) && rl.RetryAfter == 7*time.Second
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(err error) bool {
				var se *ServerError
				return errors.As(err, &se) && se.Status == http.StatusBadGateway
			},
		},
		{
			name:   "bad request is terminal",
			status: http.StatusUnprocessableEntity,
			body:   "unsupported file",
			check:  func(err error) bool { return errors.Is(err, ErrInvalidInput) },
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   "I think this deserves a B",
			check: func(err error) bool {
				var me *MalformedOutputError
				return errors.As(err, &me)
			},
		},
		{
			name:   "total does not add up",
			status: http.StatusOK,
			body:   `{"breakdown":[{"criterion":"a","score":2,"maxScore":5}],"totalScore":4}`,
			check: func(err error) bool {
				var me *MalformedOutputError
				return errors.As(err, &me)
			},
		},
		{
			name:   "score above max",
			status: http.StatusOK,
			body:   `{"breakdown":[{"criterion":"a","score":6,"maxScore":5}],"totalScore":6}`,
			check: func(err error) bool {
				var me *MalformedOutputError
				return errors.As(err, &me)
			},
		},
		{
			name:   "missing total",
			status: http.StatusOK,
			body:   `{"breakdown":[{"criterion":"a","score":1,"maxScore":5}]}`,
			check: func(err error) bool {
				var me *MalformedOutputError
				return errors.As(err, &me)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Grade(context.Background(), input)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error %v (%T)", err, err)
			}
		})
	}
}

func TestGradeTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := client.Grade(context.Background(), input)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestGradeCallerCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Grade(ctx, input)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("3", now); got != 3*time.Second {
		t.Fatalf("seconds form: %s", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 90*time.Second {
		t.Fatalf("date form: %s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage should be 0, got %s", got)
	}
}
