package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grading-queue/internal/config"
	"grading-queue/internal/models"
)

// Grader grades one prepared submission.
type Grader interface {
	Grade(ctx context.Context, in models.GradingInput) (models.GradingOutcome, error)
}

// HTTPClient calls a grading model endpoint over JSON.
type HTTPClient struct {
	url        string
	apiKey     string
	timeout    time.Duration
	maxBody    int64
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPClient builds a client for GRADER_URL.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	timeout := cfg.GraderTimeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &HTTPClient{
		url:        cfg.GraderURL,
		apiKey:     cfg.GraderAPIKey,
		timeout:    timeout,
		maxBody:    maxResponseBody,
		httpClient: &http.Client{},
		now:        time.Now,
	}
}

type gradeRequest struct {
	ResultID    string `json:"resultId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	Rubric      string `json:"rubric"`
	Language    string `json:"language,omitempty"`
}

type gradeResponse struct {
	Breakdown  []models.CriterionScore `json:"breakdown"`
	TotalScore *float64                `json:"totalScore"`
	MaxScore   float64                 `json:"maxScore"`
	Feedback   string                  `json:"feedback"`
	Usage      models.Usage            `json:"usage"`
}

const (
	maxErrorBody    = 512
	maxResponseBody = 4 << 20
)

// Grade posts the submission and maps transport and status failures onto typed errors.
func (c *HTTPClient) Grade(ctx context.Context, in models.GradingInput) (models.GradingOutcome, error) {
	body, err := json.Marshal(gradeRequest{
		ResultID:    in.ResultID,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Content:     in.Content,
		Rubric:      in.Rubric,
		Language:    in.Language,
	})
	if err != nil {
		return models.GradingOutcome{}, fmt.Errorf("encode grade request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return models.GradingOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.GradingOutcome{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.GradingOutcome{}, &TimeoutError{After: c.timeout}
		}
		return models.GradingOutcome{}, fmt.Errorf("call grader: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return models.GradingOutcome{}, &TimeoutError{After: c.timeout}
		}
		return models.GradingOutcome{}, fmt.Errorf("read grader response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.GradingOutcome{}, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now())}
	case resp.StatusCode >= http.StatusInternalServerError:
		return models.GradingOutcome{}, &ServerError{Status: resp.StatusCode, Body: truncate(raw)}
	case resp.StatusCode >= http.StatusBadRequest:
		return models.GradingOutcome{}, fmt.Errorf("%w: status %d: %s", ErrInvalidInput, resp.StatusCode, truncate(raw))
	}

	if int64(len(raw)) > c.maxBody {
		return models.GradingOutcome{}, &MalformedOutputError{Reason: fmt.Sprintf("response larger than %d bytes", c.maxBody)}
	}
	var out gradeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.GradingOutcome{}, &MalformedOutputError{Reason: err.Error()}
	}
	outcome, err := out.validate()
	if err != nil {
		return models.GradingOutcome{}, err
	}
	outcome.GradedAt = c.now().UTC()
	return outcome, nil
}

// validate rejects answers that parse but cannot be a grade.
func (r gradeResponse) validate() (models.GradingOutcome, error) {
	if len(r.Breakdown) == 0 {
		return models.GradingOutcome{}, &MalformedOutputError{Reason: "empty breakdown"}
	}
	if r.TotalScore == nil {
		return models.GradingOutcome{}, &MalformedOutputError{Reason: "missing totalScore"}
	}
	var sum, max float64
	for _, c := range r.Breakdown {
		if c.Criterion == "" {
			return models.GradingOutcome{}, &MalformedOutputError{Reason: "criterion without a name"}
		}
		if c.Score < 0 || c.Score > c.MaxScore {
			return models.GradingOutcome{}, &MalformedOutputError{Reason: fmt.Sprintf("criterion %q score %.2f outside 0..%.2f", c.Criterion, c.Score, c.MaxScore)}
		}
		sum += c.Score
		max += c.MaxScore
	}
	if math.Abs(sum-*r.TotalScore) > 0.01 {
		return models.GradingOutcome{}, &MalformedOutputError{Reason: fmt.Sprintf("totalScore %.2f does not match breakdown sum %.2f", *r.TotalScore, sum)}
	}
	maxScore := r.MaxScore
	if maxScore == 0 {
		maxScore = max
	}
	return models.GradingOutcome{
		Breakdown:  r.Breakdown,
		TotalScore: *r.TotalScore,
		MaxScore:   maxScore,
		Feedback:   r.Feedback,
		Usage:      r.Usage,
	}, nil
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
