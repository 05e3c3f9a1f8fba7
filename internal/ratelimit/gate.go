package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"grading-queue/internal/models"
)

// Gate caps how many calls to a dependency may be in flight across every
// worker process. Each admitted call holds a slot in a sorted set scored by
// its expiry; holders extend the slot while they work and release it when
// done, and a slot whose holder vanished frees itself after one window.
type Gate struct {
	client *redis.Client
	prefix string
	quota  int
	window time.Duration
	now    func() time.Time
}

// NewGate builds a gate admitting quota holders per key, each lease lasting window.
func NewGate(client *redis.Client, quota int, window time.Duration) *Gate {
	if quota < 1 {
		quota = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Gate{
		client: client,
		prefix: "gate:",
		quota:  quota,
		window: window,
		now:    time.Now,
	}
}

// Quota is the configured ceiling per key.
func (g *Gate) Quota() int { return g.quota }

// Window is the lease length of one slot.
func (g *Gate) Window() time.Duration { return g.window }

func (g *Gate) key(dep string) string {
	return g.prefix + dep
}

// Acquire takes a slot for token if one is free. Acquiring twice with the same token refreshes it.
func (g *Gate) Acquire(ctx context.Context, dep, token string) (bool, error) {
	now := g.now()
	res, err := acquireScript.Run(ctx, g.client, []string{g.key(dep)},
		now.UnixMilli(),
		now.Add(g.window).UnixMilli(),
		g.quota,
		token,
		(2 * g.window).Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("gate acquire %s: %w", dep, err)
	}
	return res == 1, nil
}

// Extend pushes the slot's expiry one window forward. It reports false if the slot was lost.
func (g *Gate) Extend(ctx context.Context, dep, token string) (bool, error) {
	now := g.now()
	res, err := extendScript.Run(ctx, g.client, []string{g.key(dep)},
		now.UnixMilli(),
		now.Add(g.window).UnixMilli(),
		token,
		(2 * g.window).Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("gate extend %s: %w", dep, err)
	}
	return res == 1, nil
}

// Release frees the slot held by token.
func (g *Gate) Release(ctx context.Context, dep, token string) error {
	if err := g.client.ZRem(ctx, g.key(dep), token).Err(); err != nil {
		return fmt.Errorf("gate release %s: %w", dep, err)
	}
	return nil
}

// InUse counts unexpired slots.
func (g *Gate) InUse(ctx context.Context, dep string) (int64, error) {
	min := "(" + strconv.FormatInt(g.now().UnixMilli(), 10)
	n, err := g.client.ZCount(ctx, g.key(dep), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("gate usage %s: %w", dep, err)
	}
	return n, nil
}

// IsRateLimited reports whether new work is being held back: jobs are waiting
// for admission or explicitly delayed. Active jobs at the quota with nothing
// waiting or delayed is not rate limited.
func IsRateLimited(c models.Counts) bool {
	return c.Waiting > 0 || c.Delayed > 0
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
if redis.call('ZSCORE', key, ARGV[4]) then
  redis.call('ZADD', key, ARGV[2], ARGV[4])
  return 1
end
if redis.call('ZCARD', key) < tonumber(ARGV[3]) then
  redis.call('ZADD', key, ARGV[2], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[5])
  return 1
end
return 0
`)

var extendScript = redis.NewScript(`
local key = KEYS[1]
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', key, ARGV[2], ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`)
