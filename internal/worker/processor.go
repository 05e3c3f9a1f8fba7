package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"grading-queue/internal/archive"
	"grading-queue/internal/breaker"
	"grading-queue/internal/config"
	"grading-queue/internal/grading"
	"grading-queue/internal/models"
	"grading-queue/internal/notify"
	"grading-queue/internal/progress"
	"grading-queue/internal/queue"
	"grading-queue/internal/ratelimit"
	"grading-queue/internal/retry"
	"grading-queue/internal/store"
	"grading-queue/internal/telemetry"
)

// Deps are the collaborators a Processor drives. Publisher and Archiver are optional.
type Deps struct {
	Queue     *queue.RedisQueue
	Store     store.Store
	Gate      *ratelimit.Gate
	Breaker   *breaker.Breaker
	Grader    grading.Grader
	Progress  *progress.Store
	Publisher *notify.Publisher
	Archiver  archive.Archiver
	Logger    *slog.Logger
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	store     store.Store
	gate      *ratelimit.Gate
	breaker   *breaker.Breaker
	grader    grading.Grader
	progress  *progress.Store
	publisher *notify.Publisher
	archiver  archive.Archiver
	policy    retry.Policy
	logger    *slog.Logger
	workerID  string
	now       func() time.Time

	// unslotted counts running jobs whose gate slot expired under them.
	// While it is non-zero the claim loops admit nothing new.
	unslotted atomic.Int32
}

// NewProcessor names the processor after WORKER_ID, or the host and pid.
func NewProcessor(cfg config.Config, deps Deps) *Processor {
	return NewProcessorWithID(cfg, deps, ResolveWorkerID(cfg))
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, deps Deps, workerID string) *Processor {
	if workerID == "" {
		workerID = ResolveWorkerID(cfg)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:       cfg,
		queue:     deps.Queue,
		store:     deps.Store,
		gate:      deps.Gate,
		breaker:   deps.Breaker,
		grader:    deps.Grader,
		progress:  deps.Progress,
		publisher: deps.Publisher,
		archiver:  deps.Archiver,
		policy:    retry.PolicyFromConfig(cfg),
		logger:    logger.With("worker_id", workerID),
		workerID:  workerID,
		now:       time.Now,
	}
}

// ResolveWorkerID picks the ID a processor logs under.
func ResolveWorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return "worker-" + uuid.NewString()[:8]
}

// ID is the worker ID attached to every log line.
func (p *Processor) ID() string { return p.workerID }

// Run starts the maintenance loop and WORKER_CONCURRENCY claim loops and
// blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })

	slots := p.cfg.WorkerConcurrency
	if slots < 1 {
		slots = 1
	}
	for i := 0; i < slots; i++ {
		g.Go(func() error { return p.claimLoop(ctx) })
	}
	p.logger.Info("worker started", "concurrency", slots, "gate_key", p.cfg.GateKey, "gate_quota", p.gate.Quota())
	return g.Wait()
}

// maintain promotes due delayed jobs, requeues jobs whose lease ran out and
// refreshes gauges.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()
	for {
		now := p.now()
		if n, err := p.queue.PromoteDelayed(ctx, now, p.batchSize()); err != nil {
			p.logger.Warn("promote delayed jobs", "error", err)
		} else if n > 0 {
			p.logger.Debug("promoted delayed jobs", "count", n)
		}
		if ids, err := p.queue.RequeueExpired(ctx, now, p.batchSize()); err != nil {
			p.logger.Warn("requeue expired leases", "error", err)
		} else if len(ids) > 0 {
			p.logger.Warn("requeued jobs with expired leases", "count", len(ids), "job_ids", ids)
		}
		if counts, err := p.queue.Counts(ctx); err == nil {
			for _, s := range models.States {
				telemetry.QueueDepthGauge.WithLabelValues(string(s)).Set(float64(counts.Get(s)))
			}
		}
		if n, err := p.gate.InUse(ctx, p.cfg.GateKey); err == nil {
			telemetry.GateInUse.WithLabelValues(p.cfg.GateKey).Set(float64(n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.claimOnce(ctx) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval()):
			}
		}
	}
}

// claimOnce admits and runs at most one job. It reports whether a job ran.
func (p *Processor) claimOnce(ctx context.Context) bool {
	if p.unslotted.Load() > 0 {
		return false
	}
	token := uuid.NewString()
	admitted, err := p.gate.Acquire(ctx, p.cfg.GateKey, token)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("gate acquire failed", "error", err)
		}
		return false
	}
	if !admitted {
		return false
	}
	defer p.releaseSlot(token)

	job, err := p.queue.ClaimWithin(ctx, token, p.gate.Quota())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("claim failed", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}
	p.handle(ctx, job, token)
	return true
}

func (p *Processor) releaseSlot(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.gate.Release(ctx, p.cfg.GateKey, token); err != nil {
		p.logger.Warn("gate release failed", "error", err)
	}
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval <= 0 {
		return time.Second
	}
	return p.cfg.WorkerPollInterval
}

func (p *Processor) batchSize() int64 {
	if p.cfg.PromoteBatchSize <= 0 {
		return 100
	}
	return int64(p.cfg.PromoteBatchSize)
}

// lease tracks whether this execution still holds its queue lease.
type lease struct {
	lost atomic.Bool
}

func (l *lease) Lost() bool { return l.lost.Load() }

// heartbeat keeps the job lease and the gate slot alive until stop is closed.
// A lost lease is recorded on the returned lease so the job stops writing. A
// lost slot holds admission on this processor until the slot is taken back or
// the job ends; the running job itself is never cancelled.
func (p *Processor) heartbeat(ctx context.Context, job *models.Job, token string, logger *slog.Logger) (*lease, func()) {
	interval := p.queue.VisibilityTimeout() / 3
	if w := p.gate.Window() / 3; w < interval {
		interval = w
	}
	if interval <= 0 {
		interval = time.Second
	}
	l := &lease{}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var holding bool
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			if !l.Lost() {
				err := p.queue.ExtendLease(hbCtx, job.ID, token)
				switch {
				case errors.Is(err, queue.ErrLeaseLost):
					l.lost.Store(true)
					logger.Warn("job lease lost, results will be discarded")
				case err != nil && hbCtx.Err() == nil:
					logger.Warn("lease extension failed", "error", err)
				}
			}

			ok, err := p.gate.Extend(hbCtx, p.cfg.GateKey, token)
			if err == nil && !ok {
				ok, err = p.gate.Acquire(hbCtx, p.cfg.GateKey, token)
			}
			if err != nil {
				if hbCtx.Err() == nil {
					logger.Warn("gate slot extension failed", "error", err)
				}
				continue
			}
			switch {
			case !ok && !holding:
				holding = true
				p.unslotted.Add(1)
				logger.Warn("gate slot lost, holding admission")
			case ok && holding:
				holding = false
				p.unslotted.Add(-1)
				logger.Info("gate slot re-acquired")
			}
		}
	}()
	return l, func() {
		cancel()
		<-done
		if holding {
			p.unslotted.Add(-1)
		}
	}
}

func (p *Processor) handle(ctx context.Context, job *models.Job, token string) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger := p.logger.With("job_id", job.ID, "result_id", job.Payload.ResultID, "attempt", job.Attempts+1)
	l, stop := p.heartbeat(ctx, job, token, logger)
	defer stop()

	logger.Info("job started", "deferrals", job.Deferrals)
	rep := p.newReporter(ctx, job, token, l, logger)

	outcome, err := p.execute(ctx, job, l, rep, logger)
	if l.Lost() {
		telemetry.WorkerLeaseLost.Inc()
		logger.Warn("job abandoned after losing its lease", "error", err)
		return
	}
	if err != nil {
		p.handleFailure(ctx, job, rep, err, logger)
		return
	}
	p.handleSuccess(ctx, job, rep, outcome, logger)
}

// execute walks the grading phases and returns the outcome of the grading call.
func (p *Processor) execute(ctx context.Context, job *models.Job, l *lease, rep *reporter, logger *slog.Logger) (models.GradingOutcome, error) {
	if err := job.Payload.Validate(); err != nil {
		return models.GradingOutcome{}, fmt.Errorf("%w: %v", grading.ErrInvalidInput, err)
	}
	rep.update(ctx, models.PhaseCheck, 5, "Checking submission")
	if err := p.store.MarkProcessing(ctx, job.Payload.ResultID, job.Attempts+1); err != nil {
		return models.GradingOutcome{}, fmt.Errorf("mark processing: %w", err)
	}

	input, err := p.store.LoadGradingInput(ctx, job.Payload.ResultID)
	if err != nil {
		return models.GradingOutcome{}, fmt.Errorf("load submission: %w", err)
	}
	if job.Payload.UserLanguage != "" {
		input.Language = job.Payload.UserLanguage
	}

	rep.update(ctx, models.PhaseParsing, 20, "Preparing "+input.FileName)
	input, err = grading.PrepareContent(input, p.cfg.GradeImageMaxEdge)
	if err != nil {
		return models.GradingOutcome{}, err
	}

	rep.update(ctx, models.PhaseModelling, 40, "Grading with model")
	var outcome models.GradingOutcome
	start := time.Now()
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		o, err := p.grader.Grade(ctx, input)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	var open *breaker.CircuitOpenError
	if !errors.As(err, &open) {
		telemetry.GradeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return models.GradingOutcome{}, err
	}

	// The lease may have expired while the grader was busy; once another
	// worker owns the job this execution must not persist anything.
	if l.Lost() {
		return models.GradingOutcome{}, queue.ErrLeaseLost
	}
	if err := p.queue.ExtendLease(ctx, job.ID, job.LeaseToken); errors.Is(err, queue.ErrLeaseLost) {
		l.lost.Store(true)
		return models.GradingOutcome{}, err
	} else if err != nil {
		logger.Warn("lease check before save failed", "error", err)
	}
	rep.update(ctx, models.PhaseScoring, 85, fmt.Sprintf("Scored %.1f/%.1f", outcome.TotalScore, outcome.MaxScore))
	if err := p.store.SaveResult(ctx, job.Payload.ResultID, outcome); err != nil {
		return models.GradingOutcome{}, fmt.Errorf("save result: %w", err)
	}
	logger.Debug("result saved", "total_score", outcome.TotalScore, "max_score", outcome.MaxScore)
	return outcome, nil
}

func (p *Processor) handleSuccess(ctx context.Context, job *models.Job, rep *reporter, outcome models.GradingOutcome, logger *slog.Logger) {
	if p.archiver != nil {
		if loc, err := p.archiver.Archive(ctx, job.Payload.ResultID, outcome); err != nil {
			logger.Warn("archive outcome failed", "error", err)
		} else {
			logger.Debug("outcome archived", "location", loc)
		}
	}

	job.Attempts++
	if err := p.queue.Complete(ctx, job); err != nil {
		logger.Warn("complete job", "error", err)
	}
	rep.complete(ctx, outcome)
	p.audit(ctx, job, "completed", fmt.Sprintf("score=%.2f/%.2f attempts=%d", outcome.TotalScore, outcome.MaxScore, job.Attempts), logger)
	telemetry.WorkerSuccess.Inc()
	logger.Info("job completed", "total_score", outcome.TotalScore, "max_score", outcome.MaxScore)
}

func (p *Processor) handleFailure(ctx context.Context, job *models.Job, rep *reporter, cause error, logger *slog.Logger) {
	if ctx.Err() != nil {
		// Shutting down: the lease expires and the job is requeued.
		logger.Warn("job interrupted by shutdown", "error", cause)
		return
	}

	kind := classify(cause)
	var action retry.Action
	switch kind {
	case retry.CircuitOpen:
		job.Deferrals++
		action = p.policy.NextAction(job.Deferrals, kind)
	case retry.Transient:
		job.Attempts++
		action = p.policy.NextAction(job.Attempts, kind)
		var rl *grading.RateLimitError
		if action.Verdict == retry.Retry && errors.As(cause, &rl) && rl.RetryAfter > action.Delay {
			action.Delay = rl.RetryAfter
		}
	default:
		job.Attempts++
		action = p.policy.NextAction(job.Attempts, kind)
	}
	reason := cause.Error()
	logger = logger.With("kind", string(kind), "action", action.String())

	switch action.Verdict {
	case retry.Retry:
		runAt := p.now().Add(action.Delay)
		if err := p.queue.Delay(ctx, job, runAt, reason); err != nil {
			logger.Error("delay job", "error", err)
			return
		}
		event := "retry_scheduled"
		if kind == retry.CircuitOpen {
			event = "deferred"
			telemetry.WorkerDeferred.Inc()
		} else {
			telemetry.WorkerRetries.Inc()
		}
		p.audit(ctx, job, event, fmt.Sprintf("run_at=%s attempts=%d deferrals=%d: %s", runAt.UTC().Format(time.RFC3339), job.Attempts, job.Deferrals, reason), logger)
		logger.Warn("job delayed", "error", cause, "run_at", runAt)

	case retry.Escalate:
		if err := p.queue.Fail(ctx, job, reason); err != nil {
			logger.Error("fail job", "error", err)
		}
		if err := p.queue.DLQPush(ctx, job.ID); err != nil {
			logger.Error("dead-letter job", "error", err)
		}
		p.markFailed(ctx, job, rep, reason, logger)
		p.audit(ctx, job, "dead_letter", reason, logger)
		telemetry.WorkerDeadLetter.Inc()
		logger.Error("job escalated", "error", cause, "attempts", job.Attempts, "deferrals", job.Deferrals)

	default:
		if err := p.queue.Fail(ctx, job, reason); err != nil {
			logger.Error("fail job", "error", err)
		}
		p.markFailed(ctx, job, rep, reason, logger)
		p.audit(ctx, job, "failed", reason, logger)
		telemetry.WorkerFailed.Inc()
		logger.Error("job failed", "error", cause)
	}
}

func (p *Processor) markFailed(ctx context.Context, job *models.Job, rep *reporter, reason string, logger *slog.Logger) {
	if err := p.store.MarkFailed(ctx, job.Payload.ResultID, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("record failure", "error", err)
	}
	rep.fail(ctx, reason)
}

func (p *Processor) audit(ctx context.Context, job *models.Job, event, detail string, logger *slog.Logger) {
	if job.Payload.ResultID == "" {
		return
	}
	if err := p.store.AppendAudit(ctx, job.Payload.ResultID, event, detail); err != nil {
		logger.Warn("append audit", "event", event, "error", err)
	}
}

// classify maps an execution error to the retry policy's failure kinds.
func classify(err error) retry.Kind {
	var open *breaker.CircuitOpenError
	switch {
	case errors.As(err, &open):
		return retry.CircuitOpen
	case errors.Is(err, grading.ErrInvalidInput), errors.Is(err, store.ErrNotFound):
		return retry.Terminal
	default:
		return retry.Transient
	}
}
