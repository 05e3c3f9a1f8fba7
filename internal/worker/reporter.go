package worker

import (
	"context"
	"log/slog"
	"time"

	"grading-queue/internal/models"
	"grading-queue/internal/notify"
	"grading-queue/internal/progress"
	"grading-queue/internal/telemetry"
)

// reporter mirrors a job's progress into the progress store and onto the
// grading channel. Both are advisory: failures are logged and counted, never
// returned to the job. The progress record is fenced on the lease token, and
// nothing is written or published once the lease is lost.
type reporter struct {
	job       *models.Job
	lease     *lease
	writer    *progress.Writer
	publisher *notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func (p *Processor) newReporter(ctx context.Context, job *models.Job, token string, l *lease, logger *slog.Logger) *reporter {
	r := &reporter{job: job, lease: l, publisher: p.publisher, logger: logger, now: p.now}
	if p.progress == nil || job.Payload.ResultID == "" {
		return r
	}
	w, err := p.progress.Takeover(ctx, job.Payload.ResultID, token)
	if err != nil {
		telemetry.ProgressWriteErrors.Inc()
		logger.Warn("acquire progress record", "error", err)
		return r
	}
	r.writer = w
	return r
}

func (r *reporter) stale() bool { return r.lease != nil && r.lease.Lost() }

func (r *reporter) update(ctx context.Context, phase models.Phase, pct int, message string) {
	if r.stale() {
		return
	}
	if r.writer != nil {
		if _, err := r.writer.Update(ctx, phase, pct, message); err != nil {
			telemetry.ProgressWriteErrors.Inc()
			r.logger.Warn("progress update failed", "phase", phase, "error", err)
		}
	}
	r.publish(ctx, notify.GradingEvent{
		Type:     notify.GradingProgress,
		Phase:    string(phase),
		Progress: pct,
		Message:  message,
	})
}

func (r *reporter) complete(ctx context.Context, outcome models.GradingOutcome) {
	if r.stale() {
		return
	}
	if r.writer != nil {
		if err := r.writer.Complete(ctx, "Grading complete"); err != nil {
			telemetry.ProgressWriteErrors.Inc()
			r.logger.Warn("progress complete failed", "error", err)
		}
	}
	total, max := outcome.TotalScore, outcome.MaxScore
	r.publish(ctx, notify.GradingEvent{
		Type:       notify.GradingCompleted,
		Phase:      string(models.PhaseComplete),
		Progress:   100,
		Message:    "Grading complete",
		TotalScore: &total,
		MaxScore:   &max,
	})
}

func (r *reporter) fail(ctx context.Context, reason string) {
	if r.stale() {
		return
	}
	if r.writer != nil {
		if err := r.writer.Fail(ctx, reason); err != nil {
			telemetry.ProgressWriteErrors.Inc()
			r.logger.Warn("progress fail failed", "error", err)
		}
	}
	r.publish(ctx, notify.GradingEvent{
		Type:  notify.GradingFailed,
		Phase: string(models.PhaseFailed),
		Error: reason,
	})
}

func (r *reporter) publish(ctx context.Context, ev notify.GradingEvent) {
	if r.publisher == nil {
		return
	}
	ev.JobID = r.job.ID
	ev.ResultID = r.job.Payload.ResultID
	ev.UserID = r.job.Payload.UserID
	ev.SessionID = r.job.Payload.SessionID
	ev.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	if err := r.publisher.Grading(ctx, ev); err != nil {
		r.logger.Warn("publish grading event", "type", ev.Type, "error", err)
	}
}
