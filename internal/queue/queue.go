// Package queue implements the durable batch job queue on Redis lists and
// sorted sets. Jobs wait in FIFO order, move to a delayed set on retryable
// failure, and settle into completed or failed sets with bounded retention.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/pkg/observability"
)

// Queue errors
var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueuePaused = errors.New("queue is paused")
)

// Job states
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// AllStates lists every state a job can occupy
var AllStates = []string{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// Job is one unit of queued work
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	State        string          `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedOn  time.Time       `json:"processedOn,omitempty"`
	FinishedOn   time.Time       `json:"finishedOn,omitempty"`
	DelayUntil   time.Time       `json:"delayUntil,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
}

// AddOptions customizes job submission
type AddOptions struct {
	// JobID overrides the generated id, useful for idempotent submission
	JobID string

	// Delay schedules the job for later instead of the waiting list
	Delay time.Duration
}

// Queue is a Redis-backed job queue
type Queue struct {
	client *redis.Client
	name   string
	cfg    config.QueueConfig

	logger  observability.Logger
	metrics observability.MetricsClient

	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
}

// New creates a queue handle. Call StartMaintenance on exactly one process
// per queue to promote delayed jobs and enforce retention.
func New(client *redis.Client, cfg config.QueueConfig, logger observability.Logger, metrics observability.MetricsClient) *Queue {
	if cfg.Name == "" {
		cfg.Name = "batches"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.CompletedKeep <= 0 {
		cfg.CompletedKeep = 1000
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Queue{
		client:  client,
		name:    cfg.Name,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string { return "queue:" + q.name + ":" + suffix }

func (q *Queue) jobKey(jobID string) string { return q.key("job:" + jobID) }

func (q *Queue) waitKey() string { return q.key("wait") }

func (q *Queue) activeKey() string { return q.key("active") }

func (q *Queue) delayedKey() string { return q.key("delayed") }

func (q *Queue) completedKey() string { return q.key("completed") }

func (q *Queue) failedKey() string { return q.key("failed") }

func (q *Queue) pausedKey() string { return q.key("paused") }

// Add submits a job. With no delay it joins the waiting list immediately.
func (q *Queue) Add(ctx context.Context, name string, data interface{}, opts *AddOptions) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job data")
	}

	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        payload,
		State:       StateWaiting,
		MaxAttempts: q.cfg.Attempts,
		CreatedAt:   time.Now(),
	}
	if opts != nil && opts.JobID != "" {
		job.ID = opts.JobID
	}

	fields := map[string]interface{}{
		"name":         job.Name,
		"data":         string(payload),
		"state":        StateWaiting,
		"attemptsMade": 0,
		"maxAttempts":  job.MaxAttempts,
		"createdAt":    job.CreatedAt.UnixMilli(),
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), fields)
	if opts != nil && opts.Delay > 0 {
		job.State = StateDelayed
		job.DelayUntil = job.CreatedAt.Add(opts.Delay)
		pipe.HSet(ctx, q.jobKey(job.ID), "state", StateDelayed, "delayUntil", job.DelayUntil.UnixMilli())
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(job.DelayUntil.UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, q.waitKey(), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to add job")
	}

	q.metrics.IncrementCounter("queue_jobs_added_total", 1)
	q.logger.Debug("job added", map[string]interface{}{
		"queue":  q.name,
		"job_id": job.ID,
		"name":   name,
		"state":  job.State,
	})
	return job, nil
}

// GetJob loads a job by id
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load job")
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(jobID, fields), nil
}

// Fetch blocks up to timeout for the next waiting job and marks it active.
// It returns nil with no error when the queue is paused or the wait times
// out: callers loop.
func (q *Queue) Fetch(ctx context.Context, timeout time.Duration) (*Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	jobID, err := q.client.BRPopLPush(ctx, q.waitKey(), q.activeKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch job")
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), "state", StateActive, "processedOn", now.UnixMilli())
	attempts := pipe.HIncrBy(ctx, q.jobKey(jobID), "attemptsMade", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to activate job")
	}

	job, err := q.GetJob(ctx, jobID)
	if err == ErrJobNotFound {
		// Removed while in flight; drop the dangling active entry.
		q.client.LRem(ctx, q.activeKey(), 1, jobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.AttemptsMade = int(attempts.Val())
	return job, nil
}

// UpdateProgress stores the job's progress document
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress interface{}) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress")
	}
	if err := q.client.HSet(ctx, q.jobKey(jobID), "progress", string(data)).Err(); err != nil {
		return errors.Wrap(err, "failed to update progress")
	}
	return nil
}

// Complete settles an active job as completed and stores its return value
func (q *Queue) Complete(ctx context.Context, jobID string, result interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	pipe.HSet(ctx, q.jobKey(jobID),
		"state", StateCompleted,
		"finishedOn", now.UnixMilli(),
		"returnvalue", string(payload),
	)
	pipe.ZAdd(ctx, q.completedKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to complete job")
	}

	q.metrics.IncrementCounter("queue_jobs_completed_total", 1)
	return nil
}

// Fail settles an attempt. With attempts remaining the job moves to the
// delayed set under exponential backoff; otherwise it lands in failed.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	if job.AttemptsMade < job.MaxAttempts {
		delay := q.backoffFor(job.AttemptsMade)
		until := time.Now().Add(delay)

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID),
			"state", StateDelayed,
			"failedReason", reason,
			"delayUntil", until.UnixMilli(),
		)
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(until.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, "failed to delay job")
		}

		q.logger.Info("job retry scheduled", map[string]interface{}{
			"queue":    q.name,
			"job_id":   job.ID,
			"attempt":  job.AttemptsMade,
			"delay_ms": delay.Milliseconds(),
			"reason":   reason,
		})
		return nil
	}

	return q.failTerminal(ctx, job, reason)
}

// FailPermanently settles an active job as failed even with attempts
// remaining, for errors redelivery cannot fix.
func (q *Queue) FailPermanently(ctx context.Context, job *Job, reason string) error {
	return q.failTerminal(ctx, job, reason)
}

func (q *Queue) failTerminal(ctx context.Context, job *Job, reason string) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID),
		"state", StateFailed,
		"failedReason", reason,
		"finishedOn", now.UnixMilli(),
	)
	pipe.ZAdd(ctx, q.failedKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to fail job")
	}

	q.metrics.IncrementCounter("queue_jobs_failed_total", 1)
	q.logger.Warn("job failed permanently", map[string]interface{}{
		"queue":    q.name,
		"job_id":   job.ID,
		"attempts": job.AttemptsMade,
		"reason":   reason,
	})
	return nil
}

// backoffFor returns the delay before retry number attemptsMade+1
func (q *Queue) backoffFor(attemptsMade int) time.Duration {
	delay := q.cfg.BackoffInitial
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// MoveToDelayed reschedules an active job for a specific time
func (q *Queue) MoveToDelayed(ctx context.Context, jobID string, until time.Time) error {
	exists, err := q.client.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return errors.Wrap(err, "failed to check job")
	}
	if exists == 0 {
		return ErrJobNotFound
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	pipe.LRem(ctx, q.waitKey(), 1, jobID)
	pipe.HSet(ctx, q.jobKey(jobID), "state", StateDelayed, "delayUntil", until.UnixMilli())
	pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(until.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to move job to delayed")
	}
	return nil
}

// Promote moves a delayed job to the waiting list immediately
func (q *Queue) Promote(ctx context.Context, jobID string) error {
	removed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
	if err != nil {
		return errors.Wrap(err, "failed to promote job")
	}
	if removed == 0 {
		return ErrJobNotFound
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), "state", StateWaiting, "delayUntil", 0)
	pipe.LPush(ctx, q.waitKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to promote job")
	}
	return nil
}

// Remove deletes a job from every structure it may occupy
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.waitKey(), 0, jobID)
	pipe.LRem(ctx, q.activeKey(), 0, jobID)
	pipe.ZRem(ctx, q.delayedKey(), jobID)
	pipe.ZRem(ctx, q.completedKey(), jobID)
	pipe.ZRem(ctx, q.failedKey(), jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to remove job")
	}
	return nil
}

// Pause stops Fetch from handing out jobs; queued work is retained
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.pausedKey(), "1", 0).Err(); err != nil {
		return errors.Wrap(err, "failed to pause queue")
	}
	q.logger.Info("queue paused", map[string]interface{}{"queue": q.name})
	return nil
}

// Resume lifts a pause
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.pausedKey()).Err(); err != nil {
		return errors.Wrap(err, "failed to resume queue")
	}
	q.logger.Info("queue resumed", map[string]interface{}{"queue": q.name})
	return nil
}

// IsPaused reports whether the queue is paused
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	exists, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check pause flag")
	}
	return exists > 0, nil
}

// CountByState returns job counts for the requested states
func (q *Queue) CountByState(ctx context.Context, states ...string) (map[string]int64, error) {
	if len(states) == 0 {
		states = AllStates
	}

	counts := make(map[string]int64, len(states))
	for _, state := range states {
		var count int64
		var err error
		switch state {
		case StateWaiting:
			count, err = q.client.LLen(ctx, q.waitKey()).Result()
		case StateActive:
			count, err = q.client.LLen(ctx, q.activeKey()).Result()
		case StateDelayed:
			count, err = q.client.ZCard(ctx, q.delayedKey()).Result()
		case StateCompleted:
			count, err = q.client.ZCard(ctx, q.completedKey()).Result()
		case StateFailed:
			count, err = q.client.ZCard(ctx, q.failedKey()).Result()
		default:
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s jobs", state)
		}
		counts[state] = count
	}
	return counts, nil
}

// Backlog returns the number of jobs not yet settled
func (q *Queue) Backlog(ctx context.Context) (int64, error) {
	counts, err := q.CountByState(ctx, StateWaiting, StateActive, StateDelayed)
	if err != nil {
		return 0, err
	}
	return counts[StateWaiting] + counts[StateActive] + counts[StateDelayed], nil
}

// JobsByState pages through one state's jobs, newest first for settled
// states and queue order for the rest.
func (q *Queue) JobsByState(ctx context.Context, state string, start, end int64) ([]*Job, error) {
	var ids []string
	var err error
	switch state {
	case StateWaiting:
		ids, err = q.client.LRange(ctx, q.waitKey(), start, end).Result()
	case StateActive:
		ids, err = q.client.LRange(ctx, q.activeKey(), start, end).Result()
	case StateDelayed:
		ids, err = q.client.ZRange(ctx, q.delayedKey(), start, end).Result()
	case StateCompleted:
		ids, err = q.client.ZRevRange(ctx, q.completedKey(), start, end).Result()
	case StateFailed:
		ids, err = q.client.ZRevRange(ctx, q.failedKey(), start, end).Result()
	default:
		return nil, errors.Errorf("unknown state %q", state)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", state)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, jobID := range ids {
		job, err := q.GetJob(ctx, jobID)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Jobs pages through several states at once
func (q *Queue) Jobs(ctx context.Context, states []string, start, end int64) ([]*Job, error) {
	var all []*Job
	for _, state := range states {
		jobs, err := q.JobsByState(ctx, state, start, end)
		if err != nil {
			return nil, err
		}
		all = append(all, jobs...)
	}
	return all, nil
}

// RunMaintenance promotes due delayed jobs and enforces retention. It is
// safe to call from multiple processes; operations are idempotent.
func (q *Queue) RunMaintenance(ctx context.Context) error {
	now := time.Now()

	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "failed to scan delayed jobs")
	}
	for _, jobID := range due {
		if err := q.Promote(ctx, jobID); err != nil && err != ErrJobNotFound {
			return err
		}
	}

	if err := q.trimSettled(ctx, q.completedKey(), q.cfg.CompletedRetention, q.cfg.CompletedKeep); err != nil {
		return err
	}
	if err := q.trimSettled(ctx, q.failedKey(), q.cfg.FailedRetention, 0); err != nil {
		return err
	}

	if backlog, err := q.Backlog(ctx); err == nil {
		q.metrics.RecordGauge("queue_backlog", float64(backlog), map[string]string{"queue": q.name})
	}
	return nil
}

// trimSettled drops entries past the retention window and, when keep is
// positive, the oldest entries beyond that cap. Job hashes go with them.
func (q *Queue) trimSettled(ctx context.Context, key string, retention time.Duration, keep int) error {
	cutoff := time.Now().Add(-retention).UnixMilli()

	expired, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "failed to scan settled jobs")
	}

	var overflow []string
	if keep > 0 {
		count, err := q.client.ZCard(ctx, key).Result()
		if err != nil {
			return errors.Wrap(err, "failed to count settled jobs")
		}
		excess := count - int64(len(expired)) - int64(keep)
		if excess > 0 {
			overflow, err = q.client.ZRange(ctx, key, int64(len(expired)), int64(len(expired))+excess-1).Result()
			if err != nil {
				return errors.Wrap(err, "failed to scan overflow jobs")
			}
		}
	}

	victims := append(expired, overflow...)
	if len(victims) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	members := make([]interface{}, len(victims))
	for i, jobID := range victims {
		members[i] = jobID
		pipe.Del(ctx, q.jobKey(jobID))
	}
	pipe.ZRem(ctx, key, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to trim settled jobs")
	}

	q.logger.Debug("settled jobs trimmed", map[string]interface{}{
		"queue":   q.name,
		"key":     key,
		"removed": len(victims),
	})
	return nil
}

// StartMaintenance runs RunMaintenance on an interval until Close
func (q *Queue) StartMaintenance(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(q.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := q.RunMaintenance(ctx); err != nil {
					q.logger.Warn("queue maintenance failed", map[string]interface{}{
						"queue": q.name,
						"error": err.Error(),
					})
				}
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the maintenance loop; the Redis client is shared and stays open
func (q *Queue) Close() {
	select {
	case <-q.stopCh:
		return
	default:
		close(q.stopCh)
	}
	if q.started.Load() {
		<-q.doneCh
	}
}

func parseJob(jobID string, fields map[string]string) *Job {
	job := &Job{
		ID:           jobID,
		Name:         fields["name"],
		Data:         json.RawMessage(fields["data"]),
		State:        fields["state"],
		FailedReason: fields["failedReason"],
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	job.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	if ms, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["processedOn"], 10, 64); err == nil && ms > 0 {
		job.ProcessedOn = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["finishedOn"], 10, 64); err == nil && ms > 0 {
		job.FinishedOn = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["delayUntil"], 10, 64); err == nil && ms > 0 {
		job.DelayUntil = time.UnixMilli(ms)
	}
	if raw := fields["progress"]; raw != "" {
		job.Progress = json.RawMessage(raw)
	}
	if raw := fields["returnvalue"]; raw != "" {
		job.ReturnValue = json.RawMessage(raw)
	}
	return job
}
