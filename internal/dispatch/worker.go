// Package dispatch runs the batch consumer: it pulls process-batch jobs from
// the queue under an adjustable width, validates each job's records, fans them
// out through the record pipeline in fixed sub-batches, reports progress after
// every sub-batch, and settles the job with its ordered results.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/pool"
	"github.com/corval/dispatchd/internal/queue"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/models"
	"github.com/corval/dispatchd/pkg/observability"
)

const (
	fetchTimeout         = 2 * time.Second
	idleDelay            = 250 * time.Millisecond
	progressHistoryLimit = 20
)

// recordSchemaJSON is the shape every batch record must satisfy before it
// reaches the pipeline.
const recordSchemaJSON = `{
	"type": "object",
	"required": ["memberId", "requestId"],
	"properties": {
		"memberId": {"type": "string", "minLength": 1},
		"requestId": {"type": "string", "minLength": 1}
	}
}`

// Pipeline is the per-record processing seam the worker fans out through
type Pipeline interface {
	TaskFor(session *models.Session, jobID string, record json.RawMessage) pool.Task
	Settled(res pool.Result, record json.RawMessage) models.RecordResult
	ProcessInline(ctx context.Context, session *models.Session, jobID string, record json.RawMessage) models.RecordResult
}

// jobProgress is the document written to the job's progress field after
// every sub-batch.
type jobProgress struct {
	models.ProgressSample
	Backlog          int64                  `json:"backlog"`
	ControllerStatus map[string]interface{} `json:"controllerStatus,omitempty"`
}

// batchReturn is the completed job's return value: the summary plus the
// per-record results in submission order.
type batchReturn struct {
	models.BatchSummary
	Results []models.RecordResult `json:"results"`
}

// tally accumulates per-record outcomes across sub-batches
type tally struct {
	success    int
	failure    int
	userAction int
}

// Worker consumes batch jobs at an adjustable width
type Worker struct {
	cfg      config.WorkerConfig
	queue    *queue.Queue
	store    *store.Store
	pipeline Pipeline
	pool     *pool.Pool

	// status supplies the controller snapshot attached to progress updates
	status func() map[string]interface{}

	logger  observability.Logger
	metrics observability.MetricsClient

	gate         *gate
	wg           sync.WaitGroup
	recordSchema *gojsonschema.Schema

	now func() time.Time
}

// New creates a worker consuming at the given initial width. The queue,
// store, pipeline, and pool are required; status may be nil.
func New(
	cfg config.WorkerConfig,
	q *queue.Queue,
	st *store.Store,
	pipe Pipeline,
	taskPool *pool.Pool,
	width int,
	status func() map[string]interface{},
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()
	}
	if cfg.SubBatchSize <= 0 {
		cfg.SubBatchSize = 10
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchemaJSON))
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile record schema")
	}

	return &Worker{
		cfg:          cfg,
		queue:        q,
		store:        st,
		pipeline:     pipe,
		pool:         taskPool,
		status:       status,
		logger:       logger,
		metrics:      metrics,
		gate:         newGate(width),
		recordSchema: schema,
		now:          time.Now,
	}, nil
}

// ID returns the worker's identity used in durable metrics keys
func (w *Worker) ID() string { return w.cfg.ID }

// Width returns the current job concurrency bound
func (w *Worker) Width() int { return w.gate.width() }

// InFlight returns how many jobs are being handled right now
func (w *Worker) InFlight() int { return w.gate.inFlight() }

// Resize adjusts the job concurrency bound. Shrinking takes effect as
// in-flight jobs finish.
func (w *Worker) Resize(width int) {
	w.gate.resize(width)
	w.metrics.RecordGauge("worker_concurrency", float64(w.gate.width()), nil)
}

// Run consumes jobs until ctx is canceled, then drains in-flight jobs up to
// the configured drain timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Batch worker started", map[string]interface{}{
		"worker_id":      w.cfg.ID,
		"width":          w.gate.width(),
		"sub_batch_size": w.cfg.SubBatchSize,
	})

	// In-flight jobs finish on their own context so a canceled run can
	// still drain them.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	for ctx.Err() == nil {
		if err := w.gate.acquire(ctx); err != nil {
			break
		}

		job, err := w.queue.Fetch(ctx, fetchTimeout)
		if err != nil {
			w.gate.release()
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("Failed to fetch job", map[string]interface{}{
				"error": err.Error(),
			})
			sleepCtx(ctx, idleDelay)
			continue
		}
		if job == nil {
			w.gate.release()
			sleepCtx(ctx, idleDelay)
			continue
		}

		w.wg.Add(1)
		go func(job *queue.Job) {
			defer w.wg.Done()
			defer w.gate.release()
			w.handle(jobCtx, job)
		}(job)
	}

	w.drain(cancelJobs)
	return ctx.Err()
}

// drain waits for in-flight jobs, forcing cancellation at the deadline
func (w *Worker) drain(cancelJobs context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("Drain timeout reached, canceling in-flight jobs", map[string]interface{}{
			"timeout": w.cfg.DrainTimeout.String(),
		})
		cancelJobs()
		<-done
	}
	w.logger.Info("Batch worker stopped", nil)
}

// handle runs one job to settlement
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	started := w.now()

	var data models.BatchJobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		w.failJob(ctx, job, fmt.Sprintf("malformed job payload: %v", err), true)
		return
	}
	if len(data.Records) == 0 {
		w.failJob(ctx, job, "batch contains no records", true)
		return
	}
	if bad := w.invalidRecords(data.Records); len(bad) > 0 {
		w.failJob(ctx, job,
			fmt.Sprintf("records missing memberId or requestId at indices %v", bad), true)
		return
	}

	session, err := w.store.GetSession(ctx, data.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		w.failJob(ctx, job, "No config found for session "+data.SessionID, true)
		return
	}
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("failed to load session %s: %v", data.SessionID, err), false)
		return
	}

	ctx, span := observability.TraceJob(ctx, job.ID, session.SessionID)
	defer span.End()

	w.appendSessionLog(ctx, session.SessionID, map[string]interface{}{
		"event":   "BATCH_START",
		"jobId":   job.ID,
		"records": len(data.Records),
		"attempt": job.AttemptsMade,
	})
	w.logger.Info("Batch job started", map[string]interface{}{
		"job_id":     job.ID,
		"session_id": session.SessionID,
		"records":    len(data.Records),
	})

	results, counts := w.processBatch(ctx, session, job, data.Records)
	w.complete(ctx, job, session.SessionID, data.Verbose, results, counts, w.now().Sub(started))
}

// invalidRecords returns the indices of records that fail the schema
func (w *Worker) invalidRecords(records []json.RawMessage) []int {
	var bad []int
	for i, record := range records {
		result, err := w.recordSchema.Validate(gojsonschema.NewBytesLoader(record))
		if err != nil || !result.Valid() {
			bad = append(bad, i)
		}
	}
	return bad
}

// processBatch fans the records out in fixed sub-batches, reporting progress
// after each one. Results hold every record in submission order.
func (w *Worker) processBatch(ctx context.Context, session *models.Session, job *queue.Job, records []json.RawMessage) ([]models.RecordResult, tally) {
	var (
		counts  tally
		history []models.ProgressSample
	)
	total := len(records)
	results := make([]models.RecordResult, 0, total)
	started := w.now()

	for from := 0; from < total; from += w.cfg.SubBatchSize {
		to := from + w.cfg.SubBatchSize
		if to > total {
			to = total
		}

		for _, res := range w.processChunk(ctx, session, job.ID, records[from:to]) {
			if res.Success {
				counts.success++
			} else {
				counts.failure++
			}
			if res.UserActionRequired {
				counts.userAction++
			}
			results = append(results, res)
		}

		history = w.reportProgress(ctx, job, total, len(results), counts, started, history)
	}
	return results, counts
}

// processChunk submits one sub-batch to the task pool and maps the settled
// outcomes. Records the pool refused outright (shut down mid-batch) are
// reprocessed inline so every record still settles.
func (w *Worker) processChunk(ctx context.Context, session *models.Session, jobID string, chunk []json.RawMessage) []models.RecordResult {
	tasks := make([]pool.Task, len(chunk))
	for i, record := range chunk {
		tasks[i] = w.pipeline.TaskFor(session, jobID, record)
	}

	settled := w.pool.BatchProcess(ctx, tasks)

	out := make([]models.RecordResult, len(chunk))
	for i, res := range settled {
		if errors.Is(res.Err, pool.ErrPoolClosed) {
			w.metrics.IncrementCounter("dispatch_serial_fallbacks_total", 1)
			w.logger.Warn("Task pool refused record, processing inline", map[string]interface{}{
				"job_id":     jobID,
				"session_id": session.SessionID,
			})
			out[i] = w.pipeline.ProcessInline(ctx, session, jobID, chunk[i])
			continue
		}
		out[i] = w.pipeline.Settled(res, chunk[i])
	}
	return out
}

// reportProgress pushes one progress sample after a sub-batch and mirrors
// the worker's state into the durable metrics document.
func (w *Worker) reportProgress(ctx context.Context, job *queue.Job, total, processed int, counts tally, started time.Time, history []models.ProgressSample) []models.ProgressSample {
	now := w.now()
	width := w.gate.width()
	avgMs := float64(now.Sub(started).Milliseconds()) / float64(processed)
	remaining := total - processed
	estSec := int64(math.Ceil(avgMs * float64(remaining) / float64(width) / 1000))

	sample := models.ProgressSample{
		Timestamp:               now.UnixMilli(),
		Processed:               processed,
		Total:                   total,
		SuccessCount:            counts.success,
		FailureCount:            counts.failure,
		UserActionRequiredCount: counts.userAction,
		AvgTimePerRecordMs:      avgMs,
		EstTimeLeftSec:          estSec,
		Percent:                 processed * 100 / total,
	}
	history = append(history, sample)
	if len(history) > progressHistoryLimit {
		history = history[len(history)-progressHistoryLimit:]
	}

	backlog, err := w.queue.Backlog(ctx)
	if err != nil {
		backlog = 0
	}

	progress := jobProgress{ProgressSample: sample, Backlog: backlog}
	if w.status != nil {
		progress.ControllerStatus = w.status()
	}
	if err := w.queue.UpdateProgress(ctx, job.ID, progress); err != nil {
		w.logger.Warn("Failed to update job progress", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	w.store.PublishWorkerMetrics(ctx, &models.WorkerMetrics{
		WorkerID:           w.cfg.ID,
		CurrentConcurrency: width,
		AvgTimePerRecordMs: avgMs,
		EstTimeLeftSec:     estSec,
		SuccessCount:       int64(counts.success),
		FailureCount:       int64(counts.failure),
		Completed:          int64(processed),
		Total:              int64(total),
		Backlog:            backlog,
		ProgressHistory:    history,
		ControllerStatus:   progress.ControllerStatus,
		Timestamp:          now.UnixMilli(),
	})
	return history
}

// complete settles a fully processed job
func (w *Worker) complete(ctx context.Context, job *queue.Job, sessionID string, verbose bool, results []models.RecordResult, counts tally, elapsed time.Duration) {
	summary := models.BatchSummary{
		SuccessCount:            counts.success,
		FailureCount:            counts.failure,
		UserActionRequiredCount: counts.userAction,
		TotalRecords:            len(results),
		DurationMs:              elapsed.Milliseconds(),
	}

	if err := w.store.SaveJobMetrics(ctx, job.ID, counts.success, counts.failure, len(results), w.now()); err != nil {
		w.logger.Warn("Failed to save job metrics", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	w.appendSessionLog(ctx, sessionID, map[string]interface{}{
		"event":        "BATCH_COMPLETE",
		"jobId":        job.ID,
		"successCount": counts.success,
		"failureCount": counts.failure,
		"totalRecords": len(results),
		"durationMs":   summary.DurationMs,
	})

	if !verbose {
		// The record echo doubles the payload; keep the settled document lean.
		for i := range results {
			results[i].Record = nil
		}
	}
	if err := w.queue.Complete(ctx, job.ID, batchReturn{BatchSummary: summary, Results: results}); err != nil {
		w.logger.Error("Failed to settle completed job", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	w.logger.Info("Batch job completed", map[string]interface{}{
		"job_id":        job.ID,
		"session_id":    sessionID,
		"success_count": counts.success,
		"failure_count": counts.failure,
		"duration_ms":   summary.DurationMs,
	})
	w.metrics.IncrementCounter("dispatch_jobs_completed_total", 1)
	w.metrics.RecordHistogram("dispatch_job_duration_seconds", elapsed.Seconds(), nil)
}

// failJob settles a job-level failure. Unretryable reasons skip the queue's
// redelivery backoff entirely.
func (w *Worker) failJob(ctx context.Context, job *queue.Job, reason string, unretryable bool) {
	w.logger.Warn("Batch job rejected", map[string]interface{}{
		"job_id":      job.ID,
		"reason":      reason,
		"unretryable": unretryable,
	})

	var err error
	if unretryable {
		err = w.queue.FailPermanently(ctx, job, reason)
	} else {
		err = w.queue.Fail(ctx, job, reason)
	}
	if err != nil {
		w.logger.Error("Failed to settle job failure", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	w.metrics.IncrementCounter("dispatch_jobs_failed_total", 1)
}

func (w *Worker) appendSessionLog(ctx context.Context, sessionID string, entry map[string]interface{}) {
	if err := w.store.AppendSessionLog(ctx, sessionID, entry); err != nil {
		w.logger.Warn("Failed to append session log", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
