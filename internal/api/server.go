package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"grading-queue/internal/breaker"
	"grading-queue/internal/config"
	"grading-queue/internal/inspector"
	"grading-queue/internal/models"
	"grading-queue/internal/notify"
	"grading-queue/internal/progress"
	"grading-queue/internal/queue"
	"grading-queue/internal/ratelimit"
	"grading-queue/internal/store"
	"grading-queue/internal/telemetry"
)

// Deps are the collaborators behind the HTTP surface. Limiter, Hub, Publisher
// and StreamLimiter are optional.
type Deps struct {
	Queue         *queue.RedisQueue
	Store         store.Store
	Progress      *progress.Store
	Uploads       *progress.Uploads
	Limiter       *ratelimit.TokenBucket
	Inspector     *inspector.Inspector
	Breakers      *breaker.Registry
	Hub           *notify.Hub
	Publisher     *notify.Publisher
	StreamLimiter *StreamLimiter
	Logger        *slog.Logger
}

// Server wires HTTP handlers for the grading API.
type Server struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	store     store.Store
	progress  *progress.Store
	uploads   *progress.Uploads
	limiter   *ratelimit.TokenBucket
	inspector *inspector.Inspector
	breakers  *breaker.Registry
	hub       *notify.Hub
	publisher *notify.Publisher
	streams   *StreamLimiter
	logger    *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		queue:     deps.Queue,
		store:     deps.Store,
		progress:  deps.Progress,
		uploads:   deps.Uploads,
		limiter:   deps.Limiter,
		inspector: deps.Inspector,
		breakers:  deps.Breakers,
		hub:       deps.Hub,
		publisher: deps.Publisher,
		streams:   deps.StreamLimiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(Logging(s.logger))
	r.Use(CORS(s.cfg.CORSOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/grading-jobs", s.handleEnqueue)
	r.Get("/grading-jobs/{id}", s.handleGetJob)
	r.Get("/grading-jobs/{id}/status", s.handleJobStatus)
	r.Get("/results/{id}", s.handleGetResult)
	r.Get("/queue/status", s.handleQueueStatus)

	r.Post("/uploads", s.handleCreateUpload)
	r.Put("/uploads/{id}/files/{name}", s.handleUploadFile)
	r.Get("/uploads/{id}", s.handleGetUpload)
	r.Delete("/uploads/{id}", s.handleDeleteUpload)

	if s.hub != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.streams.Middleware)
			r.Method(http.MethodGet, "/ws", notify.NewWSHandler(s.hub, originChecker(s.cfg.CORSOrigins), s.logger))
			r.Method(http.MethodGet, "/events", notify.NewSSEHandler(s.hub, s.logger))
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(s.cfg.AdminAPIKeys))
		r.Post("/queue/cleanup/preview", s.handleCleanupPreview)
		r.Post("/queue/cleanup/execute", s.handleCleanupExecute)
		r.Post("/queue/pause", s.handlePause)
		r.Post("/queue/resume", s.handleResume)
		r.Delete("/queue/jobs/{id}", s.handleRemoveJob)
		r.Get("/queue/dlq", s.handleDLQ)
		r.Get("/breakers", s.handleBreakers)
		r.Post("/breakers/{name}/{action}", s.handleBreakerAction)
		r.Post("/notifications/{kind}", s.handleNotify)
		r.Put("/users/{id}", s.handlePutUser)
		r.Put("/assignments/{id}", s.handlePutAssignment)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.queue.Client().Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	models.GradingPayload
	Jobs []models.GradingPayload `json:"jobs"`
}

type enqueueResponse struct {
	JobID     string `json:"jobId"`
	ResultID  string `json:"resultId"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	bulk := len(req.Jobs) > 0
	payloads := req.Jobs
	if !bulk {
		if err := req.GradingPayload.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		payloads = []models.GradingPayload{req.GradingPayload}
	}
	if len(payloads) > 100 {
		writeError(w, http.StatusBadRequest, "at most 100 jobs per request")
		return
	}

	// Each job costs its user one token; a bulk request is admitted whole or not at all.
	perUser := make(map[string]int)
	var order []string
	for _, p := range payloads {
		if p.UserID == "" {
			continue
		}
		if perUser[p.UserID] == 0 {
			order = append(order, p.UserID)
		}
		perUser[p.UserID]++
	}
	for _, userID := range order {
		if !s.allowSubmit(w, r, userID, perUser[userID]) {
			return
		}
	}

	results, err := s.queue.AddBulk(r.Context(), payloads)
	if err != nil {
		s.logger.Error("enqueue failed", "error", err, "count", len(payloads))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	out := make([]enqueueResponse, len(results))
	for i, res := range results {
		out[i] = enqueueResponse{JobID: res.JobID, ResultID: res.ResultID, Duplicate: res.Duplicate}
		if res.Error != "" {
			out[i].Error = res.Error
			continue
		}
		s.afterEnqueue(r.Context(), payloads[i], res)
	}

	if !bulk {
		if out[0].Error != "" {
			writeError(w, http.StatusBadRequest, out[0].Error)
			return
		}
		writeJSON(w, http.StatusAccepted, out[0])
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": out})
}

// allowSubmit spends one token of userID's bucket, writing 429 when empty.
func (s *Server) allowSubmit(w http.ResponseWriter, r *http.Request, userID string, jobs int) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.AllowN(r.Context(), userID, jobs)
	if err != nil {
		s.logger.Error("rate limiter unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

// afterEnqueue seeds the progress record and audit trail for a new job.
func (s *Server) afterEnqueue(ctx context.Context, p models.GradingPayload, res queue.AddResult) {
	if res.Duplicate {
		telemetry.DuplicateEnqueues.Inc()
		return
	}
	telemetry.EnqueueCounter.Inc()
	if s.progress != nil {
		if err := s.progress.Initialize(ctx, p.ResultID, 1); err != nil {
			telemetry.ProgressWriteErrors.Inc()
			s.logger.Warn("initialize progress", "result_id", p.ResultID, "error", err)
		}
	}
	if err := s.store.AppendAudit(ctx, p.ResultID, "enqueued", fmt.Sprintf("job=%s user=%s", res.JobID, p.UserID)); err != nil {
		s.logger.Warn("append audit", "result_id", p.ResultID, "error", err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobStatusResponse struct {
	JobID        string       `json:"jobId"`
	ResultID     string       `json:"resultId"`
	State        models.State `json:"state"`
	Phase        models.Phase `json:"phase"`
	Progress     int          `json:"progress"`
	Message      string       `json:"message"`
	Error        string       `json:"error,omitempty"`
	FailedReason string       `json:"failedReason,omitempty"`
	RunAt        *time.Time   `json:"runAt,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := jobStatusResponse{
		JobID:        job.ID,
		ResultID:     job.Payload.ResultID,
		State:        job.State,
		Phase:        models.PhaseCheck,
		FailedReason: job.FailedReason,
		RunAt:        job.RunAt,
	}
	rec, err := s.progress.Get(r.Context(), job.Payload.ResultID)
	switch {
	case err == nil:
		resp.Phase, resp.Progress, resp.Message, resp.Error = rec.Phase, rec.Progress, rec.Message, rec.Error
	case errors.Is(err, progress.ErrNotFound):
	default:
		s.logger.Warn("read progress", "result_id", job.Payload.ResultID, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.GetResult(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type queueStatusResponse struct {
	models.Counts
	IsRateLimited bool  `json:"isRateLimited"`
	IsProcessing  bool  `json:"isProcessing"`
	Paused        bool  `json:"paused"`
	RateLimitTTL  int64 `json:"rateLimitTTL"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{
		Counts:        st.Counts,
		IsRateLimited: st.IsRateLimited,
		IsProcessing:  st.IsProcessing,
		Paused:        st.Paused,
		RateLimitTTL:  st.RateLimitTTL,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
