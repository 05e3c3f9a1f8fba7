package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"grading-queue/internal/config"
	"grading-queue/internal/models"
	"grading-queue/internal/ratelimit"
)

var (
	// ErrJobNotFound is returned when a job hash no longer exists.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker finishes a job it no longer owns.
	ErrLeaseLost = errors.New("job lease lost")
)

// Options tune a RedisQueue.
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	KeepCompleted     int
	KeepFailed        int
	DedupeTTL         time.Duration
	DLQMax            int64
}

// OptionsFromConfig maps runtime configuration onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		KeepCompleted:     cfg.KeepCompleted,
		KeepFailed:        cfg.KeepFailed,
		DedupeTTL:         cfg.IdempotencyTTL,
	}
}

// RedisQueue tracks grading jobs through waiting, active, delayed, completed
// and failed states. Waiting is a FIFO list; the other states are sorted sets
// scored by lease deadline, run time or finish time.
type RedisQueue struct {
	client        *redis.Client
	name          string
	waitKey       string
	activeKey     string
	delayedKey    string
	completedKey  string
	failedKey     string
	pausedKey     string
	dlqKey        string
	jobPrefix     string
	dedupePrefix  string
	visibilityTTL time.Duration
	keepCompleted int
	keepFailed    int
	dedupeTTL     time.Duration
	dlqMax        int64
	now           func() time.Time
}

// NewRedisQueue builds a queue over an existing client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	name := opts.Name
	if name == "" {
		name = "grading"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	dlqMax := opts.DLQMax
	if dlqMax == 0 {
		dlqMax = 1000
	}
	p := name + ":"
	return &RedisQueue{
		client:        client,
		name:          name,
		waitKey:       p + "wait",
		activeKey:     p + "active",
		delayedKey:    p + "delayed",
		completedKey:  p + "completed",
		failedKey:     p + "failed",
		pausedKey:     p + "paused",
		dlqKey:        p + "escalated",
		jobPrefix:     p + "job:",
		dedupePrefix:  p + "dedupe:",
		visibilityTTL: visibility,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
		dedupeTTL:     opts.DedupeTTL,
		dlqMax:        dlqMax,
		now:           time.Now,
	}
}

// Name is the queue's key prefix.
func (q *RedisQueue) Name() string { return q.name }

// VisibilityTimeout is how long a claimed job stays leased without a heartbeat.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

// Client exposes the underlying redis client for components sharing the connection.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix + id }

func (q *RedisQueue) stateKey(s models.State) string {
	switch s {
	case models.StateWaiting:
		return q.waitKey
	case models.StateActive:
		return q.activeKey
	case models.StateDelayed:
		return q.delayedKey
	case models.StateCompleted:
		return q.completedKey
	case models.StateFailed:
		return q.failedKey
	}
	return ""
}

// AddResult reports the outcome of one enqueue.
type AddResult struct {
	JobID     string `json:"jobId"`
	ResultID  string `json:"resultId"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

// Add enqueues a grading job at the tail of the waiting list. A payload whose
// resultId already has a live job is not enqueued again; the existing job id
// is returned with Duplicate set.
func (q *RedisQueue) Add(ctx context.Context, p models.GradingPayload) (AddResult, error) {
	if err := p.Validate(); err != nil {
		return AddResult{}, err
	}
	id := uuid.NewString()
	res, err := addScript.Run(ctx, q.client, q.addKeys(id, p), q.addArgs(id, p)...).Slice()
	if err != nil {
		return AddResult{}, fmt.Errorf("enqueue %s: %w", p.ResultID, err)
	}
	return decodeAdd(p.ResultID, res)
}

// AddBulk enqueues several payloads in one round trip. Invalid payloads are
// reported per item and do not stop the rest.
func (q *RedisQueue) AddBulk(ctx context.Context, payloads []models.GradingPayload) ([]AddResult, error) {
	out := make([]AddResult, len(payloads))
	cmds := make([]*redis.Cmd, len(payloads))
	pipe := q.client.Pipeline()
	for i, p := range payloads {
		out[i].ResultID = p.ResultID
		if err := p.Validate(); err != nil {
			out[i].Error = err.Error()
			continue
		}
		id := uuid.NewString()
		cmds[i] = addScript.Eval(ctx, pipe, q.addKeys(id, p), q.addArgs(id, p)...)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("enqueue bulk: %w", err)
	}
	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		res, err := cmd.Slice()
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		r, err := decodeAdd(payloads[i].ResultID, res)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i] = r
	}
	return out, nil
}

func (q *RedisQueue) addKeys(id string, p models.GradingPayload) []string {
	return []string{q.waitKey, q.jobKey(id), q.dedupePrefix + p.ResultID}
}

func (q *RedisQueue) addArgs(id string, p models.GradingPayload) []interface{} {
	return []interface{}{
		id,
		q.now().UnixMilli(),
		p.ResultID,
		p.UserID,
		p.SessionID,
		p.UserLanguage,
		q.dedupeTTL.Milliseconds(),
		q.jobPrefix,
	}
}

func decodeAdd(resultID string, res []interface{}) (AddResult, error) {
	if len(res) != 2 {
		return AddResult{}, fmt.Errorf("enqueue %s: unexpected reply", resultID)
	}
	created, _ := res[0].(int64)
	id, _ := res[1].(string)
	return AddResult{JobID: id, ResultID: resultID, Duplicate: created == 0}, nil
}

// Claim moves the oldest waiting job to active under the given lease token.
// It returns nil when nothing is waiting or the queue is paused.
func (q *RedisQueue) Claim(ctx context.Context, token string) (*models.Job, error) {
	return q.ClaimWithin(ctx, token, 0)
}

// ClaimWithin is Claim bounded by the size of the active set: it returns nil
// while maxActive jobs already hold a lease, including leases whose holder
// died and have not been requeued yet. A maxActive of zero means unbounded.
func (q *RedisQueue) ClaimWithin(ctx context.Context, token string, maxActive int) (*models.Job, error) {
	if maxActive < 0 {
		maxActive = 0
	}
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.waitKey, q.activeKey, q.pausedKey},
		now.Add(q.visibilityTTL).UnixMilli(), now.UnixMilli(), token, q.jobPrefix, maxActive,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendLease pushes the visibility deadline forward for a job the caller still owns.
func (q *RedisQueue) ExtendLease(ctx context.Context, id, token string) error {
	res, err := extendScript.Run(ctx, q.client, []string{q.activeKey, q.jobKey(id)},
		id, q.now().Add(q.visibilityTTL).UnixMilli(), token,
	).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", id, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete marks an active job completed and drops its dedupe marker.
func (q *RedisQueue) Complete(ctx context.Context, job *models.Job) error {
	return q.finish(ctx, job, models.StateCompleted, q.completedKey, q.keepCompleted, "")
}

// Fail marks an active job permanently failed.
func (q *RedisQueue) Fail(ctx context.Context, job *models.Job, reason string) error {
	return q.finish(ctx, job, models.StateFailed, q.failedKey, q.keepFailed, reason)
}

func (q *RedisQueue) finish(ctx context.Context, job *models.Job, state models.State, key string, keep int, reason string) error {
	if keep <= 0 {
		keep = -1
	}
	res, err := finishScript.Run(ctx, q.client, []string{q.activeKey, key, q.jobKey(job.ID)},
		job.ID, q.now().UnixMilli(), job.LeaseToken, string(state), keep, reason, job.Attempts,
		q.jobPrefix, q.dedupePrefix,
	).Int64()
	if err != nil {
		return fmt.Errorf("%s %s: %w", state, job.ID, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Delay parks an active job until runAt, recording the attempt and deferral counters on the job.
func (q *RedisQueue) Delay(ctx context.Context, job *models.Job, runAt time.Time, reason string) error {
	res, err := delayScript.Run(ctx, q.client, []string{q.activeKey, q.delayedKey, q.jobKey(job.ID)},
		job.ID, runAt.UnixMilli(), job.LeaseToken, reason, job.Attempts, job.Deferrals,
	).Int64()
	if err != nil {
		return fmt.Errorf("delay %s: %w", job.ID, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// PromoteDelayed moves due delayed jobs to the tail of waiting. It returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.waitKey},
		now.UnixMilli(), limit, q.jobPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// RequeueExpired reclaims leases that timed out, putting those jobs back at the head of waiting.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := requeueScript.Run(ctx, q.client, []string{q.activeKey, q.waitKey},
		now.UnixMilli(), limit, q.jobPrefix,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// Remove deletes a job that has not started yet. It reports false if the job
// is active, finished or unknown.
func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	res, err := removeScript.Run(ctx, q.client, []string{q.waitKey, q.delayedKey, q.jobKey(id)},
		id, q.dedupePrefix,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	return res == 1, nil
}

// DLQPush records a job that needs an operator's attention.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.dlqKey, jobID)
	pipe.LTrim(ctx, q.dlqKey, 0, q.dlqMax-1)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the most recently escalated job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Pause stops workers from claiming new jobs. Active jobs finish normally.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey, "1", 0).Err()
}

// Resume lets workers claim again.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey).Err()
}

// Paused reports whether claiming is suspended.
func (q *RedisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Counts returns the number of jobs in every state.
func (q *RedisQueue) Counts(ctx context.Context) (models.Counts, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[models.State]*redis.IntCmd, len(models.States))
	for _, s := range models.States {
		if s == models.StateWaiting {
			cmds[s] = pipe.LLen(ctx, q.waitKey)
			continue
		}
		cmds[s] = pipe.ZCard(ctx, q.stateKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	var c models.Counts
	for s, cmd := range cmds {
		c.Set(s, cmd.Val())
	}
	return c, nil
}

// NextDelayedAt returns when the earliest delayed job becomes due, or nil if none is delayed.
func (q *RedisQueue) NextDelayedAt(ctx context.Context) (*time.Time, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.delayedKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("next delayed: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	t := time.UnixMilli(int64(zs[0].Score))
	return &t, nil
}

// Status is the queue health snapshot served to clients and operators.
type Status struct {
	Counts        models.Counts `json:"counts"`
	Paused        bool          `json:"paused"`
	IsRateLimited bool          `json:"isRateLimited"`
	IsProcessing  bool          `json:"isProcessing"`
	RateLimitTTL  int64         `json:"rateLimitTTL"`
}

// Status reports counts and derived flags. RateLimitTTL is the number of
// milliseconds until the earliest delayed job is due, or 0.
func (q *RedisQueue) Status(ctx context.Context) (Status, error) {
	counts, err := q.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	paused, err := q.Paused(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue paused flag: %w", err)
	}
	st := Status{
		Counts:        counts,
		Paused:        paused,
		IsRateLimited: ratelimit.IsRateLimited(counts),
		IsProcessing:  counts.Active > 0,
	}
	if counts.Delayed > 0 {
		next, err := q.NextDelayedAt(ctx)
		if err != nil {
			return Status{}, err
		}
		if next != nil {
			if ttl := next.Sub(q.now()).Milliseconds(); ttl > 0 {
				st.RateLimitTTL = ttl
			}
		}
	}
	return st, nil
}

// Get loads one job by id.
func (q *RedisQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	vals, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(id, vals), nil
}

// List returns up to limit jobs in the given state. Waiting, active and delayed
// jobs come oldest first; completed and failed jobs come newest first.
func (q *RedisQueue) List(ctx context.Context, state models.State, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		ids []string
		err error
	)
	switch state {
	case models.StateWaiting:
		ids, err = q.client.LRange(ctx, q.waitKey, 0, limit-1).Result()
	case models.StateActive, models.StateDelayed:
		ids, err = q.client.ZRange(ctx, q.stateKey(state), 0, limit-1).Result()
	case models.StateCompleted, models.StateFailed:
		ids, err = q.client.ZRevRange(ctx, q.stateKey(state), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", state, err)
	}
	return q.load(ctx, ids, state)
}

func (q *RedisQueue) load(ctx context.Context, ids []string, state models.State) ([]models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			jobs = append(jobs, models.Job{ID: ids[i], State: state})
			continue
		}
		jobs = append(jobs, *decodeJob(ids[i], vals))
	}
	return jobs, nil
}

// CleanResult reports one purge.
type CleanResult struct {
	Before  models.Counts `json:"before"`
	After   models.Counts `json:"after"`
	Removed models.Counts `json:"removed"`
}

// Clean purges every job in the given states. Counting and removal run in a
// single script, so Removed is exactly Before minus After.
func (q *RedisQueue) Clean(ctx context.Context, states []models.State) (CleanResult, error) {
	selected := make(map[models.State]bool, len(states))
	for _, s := range states {
		selected[s] = true
	}
	keys := make([]string, 0, len(models.States))
	args := []interface{}{q.jobPrefix, q.dedupePrefix}
	for _, s := range models.States {
		keys = append(keys, q.stateKey(s))
		flag := "0"
		if selected[s] {
			flag = "1"
		}
		args = append(args, flag)
	}
	vals, err := cleanScript.Run(ctx, q.client, keys, args...).Int64Slice()
	if err != nil {
		return CleanResult{}, fmt.Errorf("clean: %w", err)
	}
	if len(vals) != 2*len(models.States) {
		return CleanResult{}, fmt.Errorf("clean: unexpected reply of %d values", len(vals))
	}
	var res CleanResult
	for i, s := range models.States {
		res.Before.Set(s, vals[i])
		res.After.Set(s, vals[len(models.States)+i])
		res.Removed.Set(s, vals[i]-vals[len(models.States)+i])
	}
	return res, nil
}

func decodeJob(id string, vals map[string]string) *models.Job {
	job := &models.Job{
		ID: id,
		Payload: models.GradingPayload{
			ResultID:     vals["resultId"],
			UserID:       vals["userId"],
			SessionID:    vals["sessionId"],
			UserLanguage: vals["userLanguage"],
		},
		State:        models.State(vals["state"]),
		FailedReason: vals["failedReason"],
		LeaseToken:   vals["lease"],
	}
	job.Attempts, _ = strconv.Atoi(vals["attempts"])
	job.Deferrals, _ = strconv.Atoi(vals["deferrals"])
	if t := msTime(vals["enqueuedAt"]); t != nil {
		job.EnqueuedAt = *t
	}
	job.ProcessedAt = msTime(vals["processedAt"])
	job.FinishedAt = msTime(vals["finishedAt"])
	job.RunAt = msTime(vals["runAt"])
	return job
}

func msTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
