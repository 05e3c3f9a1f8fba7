package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"grading-queue/internal/config"
)

// Kind classifies a failed grading attempt.
type Kind string

const (
	// Transient failures (timeouts, 429s, 5xx, unparseable output) are retried with backoff.
	Transient Kind = "transient"
	// CircuitOpen means the call never left the process; it is deferred, not counted as an attempt.
	CircuitOpen Kind = "circuit_open"
	// Terminal failures cannot succeed on retry.
	Terminal Kind = "terminal"
)

// Verdict is what should happen to the job next.
type Verdict string

const (
	Retry    Verdict = "retry"
	Fail     Verdict = "fail"
	Escalate Verdict = "escalate"
)

// Action is the outcome of NextAction. Delay is only set for Retry.
type Action struct {
	Verdict Verdict
	Delay   time.Duration
}

func (a Action) String() string {
	if a.Verdict == Retry {
		return fmt.Sprintf("retry in %s", a.Delay)
	}
	return string(a.Verdict)
}

// Policy bounds retries per failure kind.
type Policy struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RecoveryDelay time.Duration
	MaxDeferrals  int
}

// PolicyFromConfig builds the worker policy. Circuit-open deferrals wait one breaker recovery timeout.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffInitial,
		BackoffMax:    cfg.BackoffMax,
		RecoveryDelay: cfg.BreakerRecoveryTimeout,
		MaxDeferrals:  cfg.MaxDeferrals,
	}
}

// NextAction decides what to do after a failure. attempt is how many times
// this kind of failure has now happened to the job: grading attempts for
// Transient, deferrals for CircuitOpen.
func (p Policy) NextAction(attempt int, kind Kind) Action {
	switch kind {
	case Transient:
		if attempt < p.MaxAttempts {
			return Action{Verdict: Retry, Delay: BackoffWithJitter(p.BackoffBase, p.BackoffMax, attempt)}
		}
		return Action{Verdict: Escalate}
	case CircuitOpen:
		if attempt < p.MaxDeferrals {
			return Action{Verdict: Retry, Delay: p.RecoveryDelay}
		}
		return Action{Verdict: Escalate}
	default:
		return Action{Verdict: Fail}
	}
}

// BackoffWithJitter returns an exponential delay for the given attempt, capped at max,
// with "equal jitter": half fixed, half random.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > math.MaxInt64 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
