// Package breaker isolates callers from an unhealthy dependency.
//
// A Breaker is closed while calls succeed, opens after FailureThreshold
// consecutive failures, and lets HalfOpenMaxCalls trial calls through once
// RecoveryTimeout has elapsed. Trials that all succeed close the circuit; any
// trial failure opens it again and restarts the timer.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"grading-queue/internal/config"
	"grading-queue/internal/telemetry"
)

// Options configure a breaker. Zero values take the defaults.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	// MonitoringPeriod is informational; the Redis backend uses it as the idle expiry.
	MonitoringPeriod time.Duration
	// IsFailure decides whether an error counts against the dependency.
	IsFailure func(error) bool
	Clock     func() time.Time
}

// DefaultOptions returns threshold 5, recovery 60s, 3 half-open calls, 300s monitoring.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
		MonitoringPeriod: 300 * time.Second,
	}
}

// OptionsFromConfig reads the BREAKER_* settings.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
		MonitoringPeriod: cfg.BreakerMonitoringPeriod,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = def.RecoveryTimeout
	}
	if o.HalfOpenMaxCalls <= 0 {
		o.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if o.MonitoringPeriod <= 0 {
		o.MonitoringPeriod = def.MonitoringPeriod
	}
	if o.IsFailure == nil {
		o.IsFailure = countsAsFailure
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// countsAsFailure ignores cancellation by the caller; everything else is the dependency's fault.
func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Health summarises a breaker for health endpoints.
type Health struct {
	Name         string  `json:"name"`
	Healthy      bool    `json:"healthy"`
	State        State   `json:"state"`
	SuccessRate  float64 `json:"successRate"`
	RecentErrors int     `json:"recentErrors"`
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	name    string
	opts    Options
	backend Backend
	logger  *slog.Logger
}

// New creates a breaker. A nil backend keeps state in memory.
func New(name string, opts Options, backend Backend, logger *slog.Logger) *Breaker {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:    name,
		opts:    opts.withDefaults(),
		backend: backend,
		logger:  logger.With("breaker", name),
	}
}

// Name returns the dependency key.
func (b *Breaker) Name() string { return b.name }

// Options returns the effective options.
func (b *Breaker) Options() Options { return b.opts }

// Execute runs op unless the circuit rejects it, and records the outcome.
// A rejected op is never invoked; the returned error is a *CircuitOpenError.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	now := b.opts.Clock()
	var (
		admitted bool
		from     State
	)
	st, err := b.update(ctx, func(s *Stats) {
		from = s.State
		admitted = s.admit(now, b.opts)
	})
	if err != nil {
		return err
	}
	b.observe(from, st)

	if !admitted {
		retry := st.NextAttempt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		telemetry.BreakerRejections.WithLabelValues(b.name).Inc()
		b.logger.Warn("call blocked", "state", st.State, "retry_in", retry.String(), "consecutive_failures", st.ConsecutiveFailures)
		return &CircuitOpenError{Name: b.name, State: st.State, RetryAfter: retry}
	}

	opErr := op(ctx)

	now = b.opts.Clock()
	st, err = b.update(ctx, func(s *Stats) {
		from = s.State
		switch {
		case opErr == nil:
			s.success(now, b.opts)
		case b.opts.IsFailure(opErr):
			s.failure(now, b.opts)
		default:
			s.release()
		}
	})
	if err != nil {
		b.logger.Warn("record call outcome", "error", err)
		return opErr
	}
	b.observe(from, st)
	return opErr
}

// Allowed reports whether a call would be admitted now, without reserving a trial.
func (b *Breaker) Allowed(ctx context.Context) (bool, error) {
	st, err := b.Stats(ctx)
	if err != nil {
		return false, err
	}
	switch st.State {
	case StateOpen:
		return !b.opts.Clock().Before(st.NextAttempt), nil
	case StateHalfOpen:
		return st.HalfOpenCalls < b.opts.HalfOpenMaxCalls, nil
	}
	return true, nil
}

// Stats returns the current state and counters.
func (b *Breaker) Stats(ctx context.Context) (Stats, error) {
	st, err := b.backend.Load(ctx, b.name)
	if err != nil {
		return Stats{}, err
	}
	st.Name = b.name
	st.normalize()
	return st, nil
}

// Health reports healthy only while closed. Success rate is a percentage rounded to 2 places.
func (b *Breaker) Health(ctx context.Context) (Health, error) {
	st, err := b.Stats(ctx)
	if err != nil {
		return Health{}, err
	}
	rate := 100.0
	if st.TotalCalls > 0 {
		rate = float64(st.SuccessfulCalls) / float64(st.TotalCalls) * 100
	}
	return Health{
		Name:         b.name,
		Healthy:      st.State == StateClosed,
		State:        st.State,
		SuccessRate:  math.Round(rate*100) / 100,
		RecentErrors: st.ConsecutiveFailures,
	}, nil
}

// RetryIn is the time until an open circuit will admit a trial call.
func (b *Breaker) RetryIn(ctx context.Context) (time.Duration, error) {
	st, err := b.Stats(ctx)
	if err != nil {
		return 0, err
	}
	if st.State != StateOpen {
		return 0, nil
	}
	if d := st.NextAttempt.Sub(b.opts.Clock()); d > 0 {
		return d, nil
	}
	return 0, nil
}

// Reset clears every counter and closes the circuit.
func (b *Breaker) Reset(ctx context.Context) error {
	var from State
	st, err := b.update(ctx, func(s *Stats) {
		from = s.State
		*s = Stats{Name: b.name, State: StateClosed, LastStateChange: b.opts.Clock()}
	})
	if err != nil {
		return err
	}
	b.observe(from, st)
	b.logger.Info("breaker reset")
	return nil
}

// ForceOpen opens the circuit for one recovery timeout.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	var from State
	st, err := b.update(ctx, func(s *Stats) {
		from = s.State
		s.normalize()
		s.trip(b.opts.Clock(), b.opts)
	})
	if err != nil {
		return err
	}
	b.observe(from, st)
	b.logger.Warn("breaker forced open", "next_attempt", st.NextAttempt)
	return nil
}

// ForceClose closes the circuit and clears the failure streak, keeping call totals.
func (b *Breaker) ForceClose(ctx context.Context) error {
	var from State
	st, err := b.update(ctx, func(s *Stats) {
		from = s.State
		s.normalize()
		s.moveTo(StateClosed, b.opts.Clock())
	})
	if err != nil {
		return err
	}
	b.observe(from, st)
	b.logger.Info("breaker forced closed")
	return nil
}

func (b *Breaker) update(ctx context.Context, fn func(*Stats)) (Stats, error) {
	st, err := b.backend.Update(ctx, b.name, fn)
	if err != nil {
		return Stats{}, err
	}
	st.Name = b.name
	return st, nil
}

func (b *Breaker) observe(from State, st Stats) {
	telemetry.BreakerState.WithLabelValues(b.name).Set(stateValue(st.State))
	if from == "" {
		from = StateClosed
	}
	if from == st.State {
		return
	}
	b.logger.Info("circuit state changed",
		"from", from,
		"to", st.State,
		"consecutive_failures", st.ConsecutiveFailures,
		"next_attempt", st.NextAttempt,
	)
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}
