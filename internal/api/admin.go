package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"grading-queue/internal/inspector"
	"grading-queue/internal/notify"
	"grading-queue/internal/store"
)

func (s *Server) handleCleanupPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.inspector.Preview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type cleanupRequest struct {
	IncludeActive bool `json:"includeActive"`
}

func (s *Server) handleCleanupExecute(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if v := r.URL.Query().Get("includeActive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "includeActive must be a boolean")
			return
		}
		req.IncludeActive = b
	}
	res, err := s.inspector.Cleanup(r.Context(), inspector.CleanupOptions{IncludeActive: req.IncludeActive})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleRemoveJob drops a job that has not started yet.
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.queue.Remove(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusConflict, "job is not waiting or delayed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "jobId": id})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	health, err := s.breakers.SystemHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.breakers.AllStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"health": health, "breakers": stats})
}

func (s *Server) handleBreakerAction(w http.ResponseWriter, r *http.Request) {
	name, action := chi.URLParam(r, "name"), chi.URLParam(r, "action")
	b := s.breakers.Get(name)
	var err error
	switch action {
	case "open":
		err = b.ForceOpen(r.Context())
	case "close":
		err = b.ForceClose(r.Context())
	case "reset":
		err = b.Reset(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "action must be open, close or reset")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("breaker overridden", "breaker", name, "action", action)
	stats, err := b.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleNotify publishes a domain notification for the relays to fan out.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "publisher not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var err error
	switch chi.URLParam(r, "kind") {
	case "submission":
		var ev notify.SubmissionNotification
		if err = json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.TeacherID == "" {
			writeError(w, http.StatusBadRequest, "teacherId is required")
			return
		}
		err = s.publisher.Submission(r.Context(), ev)
	case "assignment":
		var ev notify.AssignmentNotification
		if err = json.NewDecoder(r.Body).Decode(&ev); err != nil || len(ev.StudentIDs) == 0 {
			writeError(w, http.StatusBadRequest, "studentIds are required")
			return
		}
		err = s.publisher.Assignment(r.Context(), ev)
	case "chat":
		var ev notify.ChatEvent
		if err = json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.ChatID == "" || ev.Type == "" {
			writeError(w, http.StatusBadRequest, "chatId and type are required")
			return
		}
		err = s.publisher.Chat(r.Context(), ev)
	default:
		writeError(w, http.StatusNotFound, "unknown notification kind")
		return
	}
	if err != nil {
		s.logger.Warn("publish notification", "error", err)
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// handlePutUser registers the owner details shown in cleanup previews.
func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var u store.User
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u.ID = chi.URLParam(r, "id")
	if err := s.store.UpsertUser(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handlePutAssignment registers an assignment and its default rubric.
func (s *Server) handlePutAssignment(w http.ResponseWriter, r *http.Request) {
	var a store.Assignment
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	a.ID = chi.URLParam(r, "id")
	if a.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.store.UpsertAssignment(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}
