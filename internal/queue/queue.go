package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options configures a Queue
type Options struct {
	KeyPrefix        string
	PollInterval     time.Duration
	BatchSize        int
	Attempts         int
	Backoff          time.Duration
	LockDuration     time.Duration
	RemoveOnComplete Retention
	RemoveOnFail     Retention
}

// Retention bounds how many finished jobs are kept and for how long
type Retention struct {
	Count int
	Age   time.Duration
}

// Queue is a durable delayed-job queue stored in Redis.
//
// Redis layout, all keys under KeyPrefix:
//   - job:{id}   hash with the job record
//   - delayed    zset, score = due time (ms)
//   - waiting    zset, score = promotion time (ms)
//   - active     zset, score = lock deadline (ms)
//   - completed  zset, score = finish time (ms)
//   - failed     zset, score = finish time (ms)
type Queue struct {
	client redis.Cmdable
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a queue on top of a connected Redis client
func New(client redis.Cmdable, opts Options, logger *slog.Logger) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Second
	}

	return &Queue{
		client: client,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Options returns the queue settings
func (q *Queue) Options() Options {
	return q.opts
}

// Add stores a new job that becomes due after delay.
// Returns ErrJobExists if any record with the same id is present.
func (q *Queue) Add(ctx context.Context, name, id, payload string, delay time.Duration) (*Job, error) {
	now := q.now()
	job := &Job{
		ID:          id,
		Name:        name,
		Payload:     payload,
		Token:       uuid.New().String(),
		State:       StateDelayed,
		MaxAttempts: q.opts.Attempts,
		Backoff:     q.opts.Backoff,
		DueAt:       now.Add(delay),
		CreatedAt:   now,
	}

	added, err := addScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key(StateDelayed)},
		job.ID,
		job.Name,
		job.Payload,
		job.Token,
		job.MaxAttempts,
		job.Backoff.Milliseconds(),
		job.DueAt.UnixMilli(),
		job.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	if added == 0 {
		return nil, ErrJobExists
	}

	q.logger.Debug("Job added",
		slog.String("job_id", id),
		slog.Time("due_at", job.DueAt),
	)

	return job, nil
}

// GetJob loads the job record
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(fields), nil
}

// GetState returns the current state of a job
func (q *Queue) GetState(ctx context.Context, id string) (State, error) {
	state, err := q.client.HGet(ctx, q.jobKey(id), "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job state: %w", err)
	}
	return State(state), nil
}

// Remove deletes a job that is not being processed.
// A delivery already published for the job becomes stale.
func (q *Queue) Remove(ctx context.Context, id string) error {
	res, err := removeScript.Run(ctx, q.client,
		[]string{
			q.jobKey(id),
			q.key(StateDelayed),
			q.key(StateWaiting),
			q.key(StateActive),
			q.key(StateCompleted),
			q.key(StateFailed),
		},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}

	switch res {
	case 0:
		return ErrJobNotFound
	case -1:
		return ErrJobLocked
	}
	return nil
}

// DueJob identifies a job moved to waiting by PromoteDue
type DueJob struct {
	ID    string
	Token string
}

// PromoteDue moves up to BatchSize due jobs from delayed to waiting
func (q *Queue) PromoteDue(ctx context.Context) ([]DueJob, error) {
	raw, err := promoteScript.Run(ctx, q.client,
		[]string{q.key(StateDelayed), q.key(StateWaiting)},
		q.now().UnixMilli(),
		q.opts.BatchSize,
		q.opts.KeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to promote due jobs: %w", err)
	}

	due := make([]DueJob, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		due = append(due, DueJob{ID: raw[i], Token: raw[i+1]})
	}
	return due, nil
}

// Requeue returns a waiting job to delayed so it is promoted again after delay
func (q *Queue) Requeue(ctx context.Context, id, token string, delay time.Duration) error {
	_, err := requeueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key(StateWaiting), q.key(StateDelayed)},
		id,
		token,
		q.now().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// Activate claims a waiting job for processing and takes its lock.
// Only one delivery per job can succeed; every other returns ErrStaleDelivery.
func (q *Queue) Activate(ctx context.Context, id, token string) (*Job, error) {
	now := q.now()
	ok, err := activateScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key(StateWaiting), q.key(StateActive)},
		id,
		token,
		now.UnixMilli(),
		now.Add(q.opts.LockDuration).UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to activate job: %w", err)
	}
	if ok == 0 {
		return nil, ErrStaleDelivery
	}

	return q.GetJob(ctx, id)
}

// ExtendLock pushes the lock deadline of an active job forward
func (q *Queue) ExtendLock(ctx context.Context, id, token string) error {
	ok, err := extendLockScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key(StateActive)},
		id,
		token,
		q.now().Add(q.opts.LockDuration).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend job lock: %w", err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

// Complete marks an active job as completed
func (q *Queue) Complete(ctx context.Context, id, token string) error {
	now := q.now()
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key(StateActive), q.key(StateCompleted)},
		id,
		token,
		now.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if ok == 0 {
		return ErrLockLost
	}

	if _, err := q.clean(ctx, StateCompleted, q.opts.RemoveOnComplete, now); err != nil {
		q.logger.Warn("Failed to prune completed jobs", slog.Any("error", err))
	}
	return nil
}

// Fail records a failed attempt. The job is delayed with exponential backoff
// while attempts remain, otherwise it moves to failed. The returned bool
// reports whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, id, token, reason string) (bool, error) {
	now := q.now()
	res, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key(StateActive), q.key(StateDelayed), q.key(StateFailed)},
		id,
		token,
		now.UnixMilli(),
		reason,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}

	switch res {
	case 0:
		return false, ErrLockLost
	case 1:
		return true, nil
	}

	if _, err := q.clean(ctx, StateFailed, q.opts.RemoveOnFail, now); err != nil {
		q.logger.Warn("Failed to prune failed jobs", slog.Any("error", err))
	}
	return false, nil
}

// RecoverStalled moves active jobs whose lock expired back to delayed, or to
// failed when they used all attempts. Waiting jobs that were never activated
// within a lock duration are delayed again so they get republished.
func (q *Queue) RecoverStalled(ctx context.Context) (stalled, requeued int, err error) {
	now := q.now()
	res, err := recoverScript.Run(ctx, q.client,
		[]string{q.key(StateActive), q.key(StateWaiting), q.key(StateDelayed), q.key(StateFailed)},
		now.UnixMilli(),
		now.Add(-q.opts.LockDuration).UnixMilli(),
		q.opts.BatchSize,
		q.opts.KeyPrefix,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected recover result length %d", len(res))
	}
	return int(res[0]), int(res[1]), nil
}

// Clean prunes completed and failed jobs beyond their retention
func (q *Queue) Clean(ctx context.Context) (int, error) {
	now := q.now()

	completed, err := q.clean(ctx, StateCompleted, q.opts.RemoveOnComplete, now)
	if err != nil {
		return 0, err
	}

	failed, err := q.clean(ctx, StateFailed, q.opts.RemoveOnFail, now)
	if err != nil {
		return completed, err
	}

	return completed + failed, nil
}

func (q *Queue) clean(ctx context.Context, state State, retention Retention, now time.Time) (int, error) {
	if retention.Count <= 0 && retention.Age <= 0 {
		return 0, nil
	}

	cutoff := int64(0)
	if retention.Age > 0 {
		cutoff = now.Add(-retention.Age).UnixMilli()
	}
	keep := retention.Count
	if keep <= 0 {
		keep = math.MaxInt32
	}

	removed, err := cleanScript.Run(ctx, q.client,
		[]string{q.key(state)},
		cutoff,
		keep,
		q.opts.KeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}
	return removed, nil
}

// Counts returns the number of jobs in each state
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	states := []State{StateDelayed, StateWaiting, StateActive, StateCompleted, StateFailed}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(states))
	for i, state := range states {
		cmds[i] = pipe.ZCard(ctx, q.key(state))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[State]int64, len(states))
	for i, state := range states {
		counts[state] = cmds[i].Val()
	}
	return counts, nil
}

func (q *Queue) key(state State) string {
	return q.opts.KeyPrefix + string(state)
}

func (q *Queue) jobKey(id string) string {
	return q.opts.KeyPrefix + "job:" + id
}
