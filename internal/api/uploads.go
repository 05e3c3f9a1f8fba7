package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"grading-queue/internal/models"
	"grading-queue/internal/progress"
	"grading-queue/internal/store"
)

const (
	maxUploadBytes = 25 << 20
	progressStride = 256 << 10
	maxUploadFiles = 20
)

type createUploadRequest struct {
	progress.Session
	Files []progress.FileSpec `json:"files"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "userId and sessionId are required")
		return
	}
	if len(req.Files) == 0 || len(req.Files) > maxUploadFiles {
		writeError(w, http.StatusBadRequest, "between 1 and 20 files are required")
		return
	}
	for _, f := range req.Files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) || f.Size < 0 || f.Size > maxUploadBytes {
			writeError(w, http.StatusBadRequest, "invalid file entry "+f.Name)
			return
		}
	}

	uploadID := uuid.New().String()
	if err := s.uploads.SaveSession(r.Context(), uploadID, req.Session); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.uploads.Initialize(r.Context(), uploadID, req.Files); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uploadId": uploadID})
}

// progressReader reports bytes read to the upload tracker every progressStride bytes.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	report   func(ctx context.Context, read int64)
	read     int64
	reported int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read-p.reported >= progressStride {
		p.reported = p.read
		p.report(p.ctx, p.read)
	}
	return n, err
}

type uploadFileResponse struct {
	ResultID  string              `json:"resultId"`
	JobID     string              `json:"jobId"`
	Duplicate bool                `json:"duplicate"`
	File      models.FileProgress `json:"file"`
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	sess, err := s.uploads.Session(ctx, uploadID)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	files, err := s.uploads.Get(ctx, uploadID)
	if err != nil && !errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	declared, ok := files[name]
	if !ok {
		writeError(w, http.StatusNotFound, "file not declared in upload session")
		return
	}
	if !s.allowSubmit(w, r, sess.UserID, 1) {
		return
	}
	total := r.ContentLength
	if total <= 0 {
		total = declared.TotalBytes
	}

	fail := func(status int, msg string) {
		if _, err := s.uploads.FailFile(ctx, uploadID, name, msg); err != nil {
			s.logger.Warn("mark upload failed", "upload_id", uploadID, "file", name, "error", err)
		}
		writeError(w, status, msg)
	}

	body := &progressReader{
		ctx: ctx,
		r:   http.MaxBytesReader(w, r.Body, maxUploadBytes),
		report: func(ctx context.Context, read int64) {
			if _, err := s.uploads.UpdateBytes(ctx, uploadID, name, read, total); err != nil {
				s.logger.Warn("upload progress", "upload_id", uploadID, "file", name, "error", err)
			}
		},
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		fail(http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if buf.Len() == 0 {
		fail(http.StatusBadRequest, "empty file")
		return
	}
	if _, err := s.uploads.UpdateBytes(ctx, uploadID, name, int64(buf.Len()), int64(buf.Len())); err != nil {
		s.logger.Warn("upload progress", "upload_id", uploadID, "file", name, "error", err)
	}

	contentType := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	} else {
		contentType = http.DetectContentType(buf.Bytes())
	}

	result, err := s.store.CreateResult(ctx, store.CreateResultParams{
		UserID:       sess.UserID,
		SessionID:    sess.SessionID,
		AssignmentID: sess.AssignmentID,
		FileName:     name,
		ContentType:  contentType,
		Content:      buf.Bytes(),
		Rubric:       sess.Rubric,
		Language:     sess.Language,
	})
	if err != nil {
		s.logger.Error("store submission", "upload_id", uploadID, "file", name, "error", err)
		fail(http.StatusInternalServerError, "store submission failed")
		return
	}
	fp, err := s.uploads.CompleteFile(ctx, uploadID, name)
	if err != nil {
		s.logger.Warn("complete upload file", "upload_id", uploadID, "file", name, "error", err)
	}

	payload := models.GradingPayload{
		ResultID:     result.ID,
		UserID:       sess.UserID,
		SessionID:    sess.SessionID,
		UserLanguage: sess.Language,
	}
	added, err := s.queue.Add(ctx, payload)
	if err != nil {
		s.logger.Error("enqueue upload", "result_id", result.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.afterEnqueue(ctx, payload, added)
	writeJSON(w, http.StatusAccepted, uploadFileResponse{
		ResultID:  result.ID,
		JobID:     added.JobID,
		Duplicate: added.Duplicate,
		File:      fp,
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "id")
	files, err := s.uploads.Get(r.Context(), uploadID)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	list := make([]models.FileProgress, 0, len(files))
	for _, fp := range files {
		list = append(list, fp)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploadId": uploadID,
		"files":    files,
		"summary":  progress.Aggregate(list),
	})
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Cleanup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
