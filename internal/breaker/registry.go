package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry hands out one breaker per dependency name, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     Options
	backend  Backend
	logger   *slog.Logger
}

// NewRegistry shares opts and backend between every breaker it creates.
func NewRegistry(opts Options, backend Backend, logger *slog.Logger) *Registry {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
		backend:  backend,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.opts, r.backend, r.logger)
	r.breakers[name] = b
	return b
}

// Lookup returns an existing breaker without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names lists known breakers in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AllStats returns the stats of every known breaker.
func (r *Registry) AllStats(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats)
	for _, name := range r.Names() {
		st, err := r.Get(name).Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, nil
}

// SystemHealth aggregates every breaker's health.
type SystemHealth struct {
	Healthy         bool     `json:"healthy"`
	TotalBreakers   int      `json:"totalBreakers"`
	HealthyBreakers int      `json:"healthyBreakers"`
	Details         []Health `json:"details"`
}

// SystemHealth is healthy only when every breaker is closed.
func (r *Registry) SystemHealth(ctx context.Context) (SystemHealth, error) {
	names := r.Names()
	out := SystemHealth{Details: make([]Health, 0, len(names))}
	for _, name := range names {
		h, err := r.Get(name).Health(ctx)
		if err != nil {
			return SystemHealth{}, err
		}
		if h.Healthy {
			out.HealthyBreakers++
		}
		out.Details = append(out.Details, h)
	}
	out.TotalBreakers = len(out.Details)
	out.Healthy = out.HealthyBreakers == out.TotalBreakers
	return out, nil
}

// ResetAll resets every known breaker.
func (r *Registry) ResetAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Get(name).Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}
