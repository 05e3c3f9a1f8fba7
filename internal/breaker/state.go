package breaker

import "time"

// State is the circuit state of one dependency.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Stats is the full mutable state of a breaker. Backends persist it as-is.
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalCalls          int64     `json:"totalCalls"`
	SuccessfulCalls     int64     `json:"successfulCalls"`
	FailedCalls         int64     `json:"failedCalls"`
	RejectedCalls       int64     `json:"rejectedCalls"`
	HalfOpenCalls       int       `json:"halfOpenCalls"`
	HalfOpenSuccesses   int       `json:"halfOpenSuccesses"`
	LastFailureTime     time.Time `json:"lastFailureTime"`
	NextAttempt         time.Time `json:"nextAttempt"`
	LastStateChange     time.Time `json:"lastStateChange"`
}

func (s *Stats) normalize() {
	if s.State == "" {
		s.State = StateClosed
	}
}

// admit decides whether a call may start and reserves a half-open trial slot.
func (s *Stats) admit(now time.Time, opts Options) bool {
	s.normalize()
	if s.State == StateOpen {
		if now.Before(s.NextAttempt) {
			s.RejectedCalls++
			return false
		}
		s.moveTo(StateHalfOpen, now)
	}
	if s.State == StateHalfOpen {
		if s.HalfOpenCalls >= opts.HalfOpenMaxCalls {
			s.RejectedCalls++
			return false
		}
		s.HalfOpenCalls++
	}
	return true
}

func (s *Stats) success(now time.Time, opts Options) {
	s.normalize()
	s.TotalCalls++
	s.SuccessfulCalls++
	s.ConsecutiveFailures = 0
	if s.State == StateHalfOpen {
		s.HalfOpenSuccesses++
		if s.HalfOpenSuccesses >= opts.HalfOpenMaxCalls {
			s.moveTo(StateClosed, now)
		}
	}
}

func (s *Stats) failure(now time.Time, opts Options) {
	s.normalize()
	s.TotalCalls++
	s.FailedCalls++
	s.ConsecutiveFailures++
	s.LastFailureTime = now
	switch s.State {
	case StateHalfOpen:
		s.trip(now, opts)
	case StateClosed:
		if s.ConsecutiveFailures >= opts.FailureThreshold {
			s.trip(now, opts)
		}
	}
}

// release hands back a half-open reservation for a call whose error says nothing about the dependency.
func (s *Stats) release() {
	if s.State == StateHalfOpen && s.HalfOpenCalls > 0 {
		s.HalfOpenCalls--
	}
}

func (s *Stats) trip(now time.Time, opts Options) {
	s.moveTo(StateOpen, now)
	s.NextAttempt = now.Add(opts.RecoveryTimeout)
}

func (s *Stats) moveTo(state State, now time.Time) {
	if s.State != state {
		s.LastStateChange = now
	}
	s.State = state
	s.HalfOpenCalls = 0
	s.HalfOpenSuccesses = 0
	if state == StateClosed {
		s.ConsecutiveFailures = 0
		s.NextAttempt = time.Time{}
	}
}
