package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"grading-queue/internal/models"
)

var (
	// ErrNotOwner is returned when a writer updates a task owned by another job.
	ErrNotOwner = errors.New("progress task owned by another writer")
	// ErrNotFound is returned for unknown or expired records.
	ErrNotFound = errors.New("progress record not found")
)

// Store keeps one advisory progress record per task in a Redis hash that
// expires after ttl of inactivity.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewStore builds a progress store. A zero ttl defaults to ten minutes.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &Store{client: client, prefix: "progress:task:", ttl: ttl, now: time.Now}
}

func (s *Store) key(taskID string) string { return s.prefix + taskID }

// Initialize seeds a record in the check phase so pollers never see a gap.
// A live record is left untouched; a finished one (complete or failed) is
// reseeded, since a new job for the task is about to run.
func (s *Store) Initialize(ctx context.Context, taskID string, totalUnits int) error {
	err := initScript.Run(ctx, s.client, []string{s.key(taskID)},
		string(models.PhaseCheck), models.PhaseCheck.Rank(), totalUnits,
		s.now().UnixMilli(), s.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("initialize progress %s: %w", taskID, err)
	}
	return nil
}

// Get returns the current record.
func (s *Store) Get(ctx context.Context, taskID string) (*models.ProgressRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", taskID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	rec := &models.ProgressRecord{
		TaskID:  taskID,
		Phase:   models.Phase(vals["phase"]),
		Message: vals["message"],
		Error:   vals["error"],
	}
	rec.Progress, _ = strconv.Atoi(vals["progress"])
	rec.TotalUnits, _ = strconv.Atoi(vals["totalUnits"])
	if ms, err := strconv.ParseInt(vals["updatedAt"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

// Delete drops the record.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, s.key(taskID)).Err()
}

// Acquire claims the task for owner. The same owner may acquire again; a
// different owner is refused until the record reaches a terminal phase or
// expires.
func (s *Store) Acquire(ctx context.Context, taskID, owner string) (*Writer, error) {
	return s.acquire(ctx, taskID, owner, false)
}

// Takeover hands the task to owner whoever held it before. Callers must hold
// proof of ownership elsewhere, such as the job lease token; writers of the
// previous owner get ErrNotOwner from then on.
func (s *Store) Takeover(ctx context.Context, taskID, owner string) (*Writer, error) {
	return s.acquire(ctx, taskID, owner, true)
}

func (s *Store) acquire(ctx context.Context, taskID, owner string, force bool) (*Writer, error) {
	forced := 0
	if force {
		forced = 1
	}
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(taskID)},
		owner, s.now().UnixMilli(), s.ttl.Milliseconds(), string(models.PhaseCheck), models.PhaseCheck.Rank(), forced,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("acquire progress %s: %w", taskID, err)
	}
	if res == 0 {
		return nil, ErrNotOwner
	}
	return &Writer{store: s, taskID: taskID, owner: owner}, nil
}

// Writer is the single-writer handle for one task.
type Writer struct {
	store  *Store
	taskID string
	owner  string
}

// TaskID is the task this writer owns.
func (w *Writer) TaskID() string { return w.taskID }

// Update records a phase change. Updates that would move phase or percent
// backwards are ignored and reported as not applied.
func (w *Writer) Update(ctx context.Context, phase models.Phase, progress int, message string) (bool, error) {
	if !phase.Valid() {
		return false, fmt.Errorf("unknown phase %q", phase)
	}
	if progress > 100 {
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}
	return w.write(ctx, phase, progress, message, "")
}

// Complete moves the task to its terminal success phase.
func (w *Writer) Complete(ctx context.Context, message string) error {
	_, err := w.write(ctx, models.PhaseComplete, 100, message, "")
	return err
}

// Fail records a terminal failure, keeping the last reached percent.
func (w *Writer) Fail(ctx context.Context, reason string) error {
	_, err := w.write(ctx, models.PhaseFailed, -1, reason, reason)
	return err
}

func (w *Writer) write(ctx context.Context, phase models.Phase, progress int, message, failure string) (bool, error) {
	s := w.store
	res, err := updateScript.Run(ctx, s.client, []string{s.key(w.taskID)},
		w.owner, string(phase), phase.Rank(), progress, message, failure,
		s.now().UnixMilli(), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("update progress %s: %w", w.taskID, err)
	}
	switch res {
	case -1:
		return false, ErrNotOwner
	case 0:
		return false, nil
	}
	return true, nil
}

// KEYS: task hash
// ARGV: phase, rank, totalUnits, now ms, ttl ms
var initScript = redis.NewScript(`
local phase = redis.call('HGET', KEYS[1], 'phase')
if phase and phase ~= 'complete' and phase ~= 'failed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'phase', ARGV[1], 'rank', ARGV[2], 'progress', '0',
  'message', '', 'totalUnits', ARGV[3], 'updatedAt', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// KEYS: task hash
// ARGV: owner, now ms, ttl ms, initial phase, initial rank, force (1 skips the owner check)
var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'phase')
local owner, phase = cur[1], cur[2]
if ARGV[6] ~= '1' and owner and owner ~= '' and owner ~= ARGV[1] and phase ~= 'complete' and phase ~= 'failed' then
  return 0
end
if owner ~= ARGV[1] and (phase == 'complete' or phase == 'failed') then
  redis.call('HSET', KEYS[1], 'phase', ARGV[4], 'rank', ARGV[5], 'progress', '0', 'message', '')
  redis.call('HDEL', KEYS[1], 'error')
end
if not phase then
  redis.call('HSET', KEYS[1], 'phase', ARGV[4], 'rank', ARGV[5], 'progress', '0', 'message', '')
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'updatedAt', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS: task hash
// ARGV: owner, phase, rank, progress (-1 keeps current), message, error, now ms, ttl ms
var updateScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'rank', 'progress')
if cur[1] and cur[1] ~= ARGV[1] then
  return -1
end
local rank = tonumber(cur[2]) or -1
local current = tonumber(cur[3]) or 0
local nextRank = tonumber(ARGV[3])
local nextProgress = tonumber(ARGV[4])
if nextProgress < 0 then
  nextProgress = current
end
if rank >= 4 or nextRank < rank or nextProgress < current then
  return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'phase', ARGV[2], 'rank', ARGV[3],
  'progress', tostring(nextProgress), 'message', ARGV[5], 'updatedAt', ARGV[7])
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'error', ARGV[6])
end
redis.call('PEXPIRE', KEYS[1], ARGV[8])
return 1
`)
