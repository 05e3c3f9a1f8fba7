package inspector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"grading-queue/internal/models"
	"grading-queue/internal/queue"
)

// perStateLimit caps how many jobs of each state a preview enumerates.
const perStateLimit = 100

const recentSample = 10

// MetadataLookup resolves a job payload to the user, assignment and file it refers to.
type MetadataLookup interface {
	LoadJobMetadata(ctx context.Context, p models.GradingPayload) (models.JobMetadata, error)
}

// JobDetail is one job as shown to an operator.
type JobDetail struct {
	JobID        string                `json:"jobId"`
	State        models.State          `json:"status"`
	Data         models.GradingPayload `json:"data"`
	Metadata     *models.JobMetadata   `json:"metadata,omitempty"`
	LookupError  string                `json:"lookupError,omitempty"`
	AddedAt      time.Time             `json:"addedAt"`
	ProcessedAt  *time.Time            `json:"processedAt,omitempty"`
	FailedReason string                `json:"failedReason,omitempty"`
}

// UserSummary counts enumerated jobs per owner.
type UserSummary struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// CleanupPreview describes what a cleanup would remove.
type CleanupPreview struct {
	Total      int64                  `json:"total"`
	ByState    models.Counts          `json:"byStatus"`
	ByUser     map[string]UserSummary `json:"byUser"`
	ActiveJobs []JobDetail            `json:"activeJobs"`
	RecentJobs []JobDetail            `json:"recentJobs"`
}

// CleanupOptions selects what a cleanup purges. Active jobs are in flight and
// are only removed when asked for explicitly.
type CleanupOptions struct {
	IncludeActive bool
}

// CleanupResult is the exact before/after accounting of a purge.
type CleanupResult struct {
	Before        models.Counts `json:"before"`
	After         models.Counts `json:"after"`
	Removed       models.Counts `json:"removed"`
	ActiveRemoved int64         `json:"activeRemoved"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Inspector enumerates and purges the grading queue.
type Inspector struct {
	queue  *queue.RedisQueue
	lookup MetadataLookup
	logger *slog.Logger
	now    func() time.Time
}

func New(q *queue.RedisQueue, lookup MetadataLookup, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{queue: q, lookup: lookup, logger: logger, now: time.Now}
}

// Preview enumerates the queue without changing it.
func (i *Inspector) Preview(ctx context.Context) (CleanupPreview, error) {
	counts, err := i.queue.Counts(ctx)
	if err != nil {
		return CleanupPreview{}, err
	}
	preview := CleanupPreview{
		Total:      counts.Total(),
		ByState:    counts,
		ByUser:     map[string]UserSummary{},
		ActiveJobs: []JobDetail{},
		RecentJobs: []JobDetail{},
	}

	var details []JobDetail
	for _, state := range models.States {
		jobs, err := i.queue.List(ctx, state, perStateLimit)
		if err != nil {
			return CleanupPreview{}, err
		}
		for _, job := range jobs {
			details = append(details, i.describe(ctx, job, state))
		}
	}

	for _, d := range details {
		if d.State == models.StateActive {
			preview.ActiveJobs = append(preview.ActiveJobs, d)
		}
		owner := d.Data.UserID
		if owner == "" {
			continue
		}
		s := preview.ByUser[owner]
		if s.Name == "" && d.Metadata != nil {
			s.Name = d.Metadata.OwnerName
		}
		s.Count++
		preview.ByUser[owner] = s
	}

	sort.SliceStable(details, func(a, b int) bool {
		if details[a].AddedAt.Equal(details[b].AddedAt) {
			return details[a].JobID > details[b].JobID
		}
		return details[a].AddedAt.After(details[b].AddedAt)
	})
	if len(details) > recentSample {
		details = details[:recentSample]
	}
	preview.RecentJobs = append(preview.RecentJobs, details...)
	return preview, nil
}

func (i *Inspector) describe(ctx context.Context, job models.Job, state models.State) JobDetail {
	d := JobDetail{
		JobID:        job.ID,
		State:        state,
		Data:         job.Payload,
		AddedAt:      job.EnqueuedAt,
		ProcessedAt:  job.ProcessedAt,
		FailedReason: job.FailedReason,
	}
	if i.lookup == nil || job.Payload.ResultID == "" {
		return d
	}
	md, err := i.lookup.LoadJobMetadata(ctx, job.Payload)
	if err != nil {
		d.LookupError = err.Error()
		i.logger.Debug("job metadata lookup failed", "job_id", job.ID, "error", err)
		return d
	}
	d.Metadata = &md
	return d
}

// Cleanup purges waiting, delayed, completed and failed jobs, plus active ones
// when opts.IncludeActive is set.
func (i *Inspector) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	states := []models.State{models.StateWaiting, models.StateDelayed, models.StateCompleted, models.StateFailed}
	if opts.IncludeActive {
		states = append(states, models.StateActive)
	}
	res, err := i.queue.Clean(ctx, states)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}
	out := CleanupResult{
		Before:        res.Before,
		After:         res.After,
		Removed:       res.Removed,
		ActiveRemoved: res.Removed.Active,
		Timestamp:     i.now().UTC(),
	}
	attrs := []any{
		"include_active", opts.IncludeActive,
		"removed_waiting", res.Removed.Waiting,
		"removed_delayed", res.Removed.Delayed,
		"removed_completed", res.Removed.Completed,
		"removed_failed", res.Removed.Failed,
	}
	if out.ActiveRemoved > 0 {
		i.logger.Warn("cleanup removed in-flight jobs", append(attrs, "removed_active", out.ActiveRemoved)...)
	} else {
		i.logger.Info("queue cleaned", attrs...)
	}
	return out, nil
}
