package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"grading-queue/internal/config"
)

// Backend owns breaker state. Update applies fn atomically and returns the new state.
type Backend interface {
	Load(ctx context.Context, name string) (Stats, error)
	Update(ctx context.Context, name string, fn func(*Stats)) (Stats, error)
}

// MemoryBackend keeps state in process memory. It resets on restart.
type MemoryBackend struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stats: make(map[string]*Stats)}
}

func (m *MemoryBackend) Load(_ context.Context, name string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[name]; ok {
		return *s, nil
	}
	return Stats{Name: name, State: StateClosed}, nil
}

func (m *MemoryBackend) Update(_ context.Context, name string, fn func(*Stats)) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[name]
	if !ok {
		s = &Stats{Name: name, State: StateClosed}
		m.stats[name] = s
	}
	fn(s)
	return *s, nil
}

// RedisBackend shares breaker state between processes through one hash per breaker.
type RedisBackend struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	maxRetries int
}

// NewRedisBackend stores state under prefix+name; idle state expires after ttl (0 keeps it).
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "breaker:"
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl, maxRetries: 20}
}

// BackendFromConfig picks the backend every service process uses. State is
// shared through Redis unless BREAKER_SHARED=false asks for a per-process
// breaker.
func BackendFromConfig(cfg config.Config, client *redis.Client) Backend {
	if !cfg.BreakerShared || client == nil {
		return NewMemoryBackend()
	}
	return NewRedisBackend(client, "breaker:", cfg.BreakerMonitoringPeriod)
}

func (r *RedisBackend) key(name string) string {
	return r.prefix + name
}

func (r *RedisBackend) Load(ctx context.Context, name string) (Stats, error) {
	vals, err := r.client.HGetAll(ctx, r.key(name)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("load breaker %s: %w", name, err)
	}
	return decodeStats(name, vals), nil
}

// Update runs fn under WATCH and retries when another process changed the hash first.
func (r *RedisBackend) Update(ctx context.Context, name string, fn func(*Stats)) (Stats, error) {
	key := r.key(name)
	var out Stats
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		s := decodeStats(name, vals)
		fn(&s)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeStats(s))
			if r.ttl > 0 {
				pipe.PExpire(ctx, key, r.ttl)
			}
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}
	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Stats{}, fmt.Errorf("update breaker %s: %w", name, err)
	}
	return Stats{}, fmt.Errorf("update breaker %s: too much contention", name)
}

func encodeStats(s Stats) map[string]any {
	return map[string]any{
		"state":               string(s.State),
		"consecutive":         s.ConsecutiveFailures,
		"total":               s.TotalCalls,
		"successful":          s.SuccessfulCalls,
		"failed":              s.FailedCalls,
		"rejected":            s.RejectedCalls,
		"half_open_calls":     s.HalfOpenCalls,
		"half_open_successes": s.HalfOpenSuccesses,
		"last_failure_ms":     unixMilli(s.LastFailureTime),
		"next_attempt_ms":     unixMilli(s.NextAttempt),
		"last_change_ms":      unixMilli(s.LastStateChange),
	}
}

func decodeStats(name string, vals map[string]string) Stats {
	s := Stats{Name: name, State: State(vals["state"])}
	s.normalize()
	s.ConsecutiveFailures = int(parseInt(vals["consecutive"]))
	s.TotalCalls = parseInt(vals["total"])
	s.SuccessfulCalls = parseInt(vals["successful"])
	s.FailedCalls = parseInt(vals["failed"])
	s.RejectedCalls = parseInt(vals["rejected"])
	s.HalfOpenCalls = int(parseInt(vals["half_open_calls"]))
	s.HalfOpenSuccesses = int(parseInt(vals["half_open_successes"]))
	s.LastFailureTime = fromMilli(parseInt(vals["last_failure_ms"]))
	s.NextAttempt = fromMilli(parseInt(vals["next_attempt_ms"]))
	s.LastStateChange = fromMilli(parseInt(vals["last_change_ms"]))
	return s
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
