// Package pipeline orchestrates one record from admission to durable outcome:
// breaker gate, rate-limited HTTP attempts with classified retries, per-attempt
// tracing, and terminal persistence (success response, user-action error, or
// record-error bump).
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/corval/dispatchd/internal/breaker"
	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/pool"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/apierrors"
	"github.com/corval/dispatchd/pkg/httpclient"
	"github.com/corval/dispatchd/pkg/models"
	"github.com/corval/dispatchd/pkg/observability"
	"github.com/corval/dispatchd/pkg/ratelimit"
)

const breakerRejectionMessage = "Circuit breaker active"

// Aggregator consumes per-attempt telemetry
type Aggregator interface {
	RecordCall(endpoint string, statusCode int, duration time.Duration)
	RecordError(ts time.Time)
}

// Pipeline runs records through the dispatch chain
type Pipeline struct {
	cfg     config.PipelineConfig
	limiter *ratelimit.Limiter
	client  *httpclient.Client
	pool    *pool.Pool
	breaker *breaker.Breaker
	store   *store.Store
	agg     Aggregator
	logger  observability.Logger
	metrics observability.MetricsClient

	// timer overrides the retry wait in tests; nil uses the system timer.
	timer backoff.Timer
}

// New creates a pipeline
func New(cfg config.PipelineConfig, limiter *ratelimit.Limiter, client *httpclient.Client,
	taskPool *pool.Pool, brk *breaker.Breaker, st *store.Store, agg Aggregator,
	logger observability.Logger, metrics observability.MetricsClient) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Pipeline{
		cfg:     cfg,
		limiter: limiter,
		client:  client,
		pool:    taskPool,
		breaker: brk,
		store:   st,
		agg:     agg,
		logger:  logger,
		metrics: metrics,
	}
}

// ProcessRecord dispatches one record through the task pool and waits for its
// settled outcome. Pool-level failures (timeout, crash, shutdown) come back as
// SYSTEM_ERROR results.
func (p *Pipeline) ProcessRecord(ctx context.Context, session *models.Session, jobID string, record json.RawMessage) models.RecordResult {
	res := <-p.pool.Submit(ctx, pool.Task{
		Type:        pool.TypeAPICall,
		Requeueable: true,
		Meta:        taskMeta(session.SessionID, jobID),
		Run: func(taskCtx context.Context) (interface{}, error) {
			return p.process(taskCtx, session, jobID, record), nil
		},
	})
	return p.settled(res, record)
}

// TaskFor wraps one record as a process_record task for batch fan-out. The
// caller owns submission and settlement mapping via Settled.
func (p *Pipeline) TaskFor(session *models.Session, jobID string, record json.RawMessage) pool.Task {
	return pool.Task{
		Type:        pool.TypeProcessRecord,
		Requeueable: true,
		Meta:        taskMeta(session.SessionID, jobID),
		Run: func(taskCtx context.Context) (interface{}, error) {
			return p.process(taskCtx, session, jobID, record), nil
		},
	}
}

// Settled maps a pool result back to a record result
func (p *Pipeline) Settled(res pool.Result, record json.RawMessage) models.RecordResult {
	return p.settled(res, record)
}

// ProcessInline runs the record on the calling goroutine, bypassing the task
// pool. The batch worker falls back to this when the pool itself fails.
func (p *Pipeline) ProcessInline(ctx context.Context, session *models.Session, jobID string, record json.RawMessage) models.RecordResult {
	return *p.process(ctx, session, jobID, record)
}

func (p *Pipeline) settled(res pool.Result, record json.RawMessage) models.RecordResult {
	if res.Err != nil {
		var apiErr *apierrors.APIError
		if !errors.As(res.Err, &apiErr) {
			apiErr = apierrors.NewSystemError(res.Err.Error()).WithCause(res.Err)
		}
		requestID := ""
		if _, rid, err := models.RecordIdentifiers(record); err == nil {
			requestID = rid
		}
		return models.RecordResult{
			RequestID: requestID,
			Success:   false,
			Error:     apiErr,
			Record:    record,
		}
	}
	result, ok := res.Value.(*models.RecordResult)
	if !ok {
		return models.RecordResult{
			Success: false,
			Error:   apierrors.NewSystemError("task settled without a record result"),
			Record:  record,
		}
	}
	return *result
}

// process is the full per-record chain. Every path returns a settled result.
func (p *Pipeline) process(ctx context.Context, session *models.Session, jobID string, record json.RawMessage) *models.RecordResult {
	memberID, requestID, err := models.RecordIdentifiers(record)
	if err != nil || requestID == "" {
		p.metrics.IncrementCounter("pipeline_invalid_records", 1)
		return &models.RecordResult{
			Success: false,
			Error:   apierrors.NewSystemError("record is missing its requestId").WithCause(err),
			Record:  record,
		}
	}

	ctx, span := observability.TraceRecord(ctx, session.SessionID, requestID)
	defer span.End()

	if p.breaker.Active() {
		p.metrics.IncrementCounter("pipeline_breaker_rejections", 1)
		p.logger.Warn("Record rejected while circuit breaker is active", map[string]interface{}{
			"session_id": session.SessionID,
			"request_id": requestID,
		})
		return &models.RecordResult{
			RequestID: requestID,
			Success:   false,
			Error:     apierrors.NewSystemError(breakerRejectionMessage),
			Record:    record,
		}
	}

	start := time.Now()
	last, attempts := p.runAttempts(ctx, session, requestID, memberID, record)
	elapsed := time.Since(start)

	result := &models.RecordResult{
		RequestID:  requestID,
		DurationMs: elapsed.Milliseconds(),
		Attempts:   attempts,
	}

	if last.err == nil {
		result.Success = true
		result.StatusCode = last.resp.StatusCode
		result.Data = rawJSON(last.resp.Body)
		p.saveSuccess(ctx, session, jobID, record, last)
		p.metrics.RecordCounter("records_processed_total", 1, map[string]string{"outcome": "success"})
		return result
	}

	result.Success = false
	result.StatusCode = last.err.StatusCode
	result.Error = last.err
	result.Record = record
	result.UserActionRequired = last.err.Category == apierrors.CategoryRequiresUserAction
	span.RecordError(last.err)

	p.finalizeFailure(ctx, session, jobID, requestID, record, last)
	p.metrics.RecordCounter("records_processed_total", 1, map[string]string{"outcome": string(last.err.Category)})

	return result
}

// attemptOutcome is the observed result of a single HTTP attempt
type attemptOutcome struct {
	resp *httpclient.Response
	err  *apierrors.APIError
}

// runAttempts drives the retry loop: exponential delays 2s, 4s, 8s with a
// Retry-After override on 429, at most MaxRetries retries, and only
// TEMPORARY_FAILURE and NETWORK_ERROR categories retried.
func (p *Pipeline) runAttempts(ctx context.Context, session *models.Session, requestID, memberID string, record json.RawMessage) (*attemptOutcome, int) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 2 * p.cfg.BackoffInitial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 5 * time.Minute
	exp.MaxElapsedTime = 0

	policy := &retryAfterBackOff{next: backoff.WithMaxRetries(exp, uint64(p.cfg.MaxRetries))}

	var last *attemptOutcome
	attempts := 0

	operation := func() error {
		attempts++
		outcome := p.attempt(ctx, session, requestID, memberID, record, attempts)
		last = outcome
		if outcome.err == nil {
			return nil
		}
		policy.observe(outcome.err)
		if !outcome.err.CanRetry {
			return backoff.Permanent(outcome.err)
		}
		return outcome.err
	}

	notify := func(err error, next time.Duration) {
		p.logger.Warn("Retrying record after failure", map[string]interface{}{
			"session_id": session.SessionID,
			"request_id": requestID,
			"attempt":    attempts,
			"retry_in":   next.String(),
			"error":      err.Error(),
		})
		p.metrics.IncrementCounter("pipeline_retries", 1)
	}

	_ = backoff.RetryNotifyWithTimer(operation, backoff.WithContext(policy, ctx), notify, p.timer)

	return last, attempts
}

// attempt performs one traced HTTP attempt through the rate limiter
func (p *Pipeline) attempt(ctx context.Context, session *models.Session, requestID, memberID string, record json.RawMessage, attempt int) *attemptOutcome {
	ctx, span := observability.StartSpan(ctx, "pipeline.attempt")
	defer span.End()
	span.SetAttribute("session_id", session.SessionID)
	span.SetAttribute("request_id", requestID)
	span.SetAttribute("member_id", memberID)
	span.SetAttribute("attempt", attempt)

	req := &httpclient.Request{
		Method:  http.MethodPost,
		URL:     session.APIURL,
		Headers: session.AuthHeaders(),
		Body:    record,
	}

	var resp *httpclient.Response
	var callErr error
	schedErr := p.limiter.Schedule(ctx, func(callCtx context.Context) error {
		resp, callErr = p.client.Execute(callCtx, req, attempt-1)
		return callErr
	})

	if resp == nil {
		// Admission was denied; no HTTP call happened, so there is nothing
		// to trace or aggregate.
		msg := "dispatch canceled before the call started"
		if errors.Is(schedErr, ratelimit.ErrHighWater) || errors.Is(schedErr, ratelimit.ErrClosed) {
			msg = "rate limiter rejected the call"
		}
		span.RecordError(schedErr)
		return &attemptOutcome{
			resp: &httpclient.Response{},
			err:  apierrors.NewSystemError(msg).WithCause(schedErr),
		}
	}

	outcome := &attemptOutcome{resp: resp}
	switch {
	case callErr != nil:
		outcome.err = apierrors.AsAPIError(callErr)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		outcome.err = nil
	default:
		outcome.err = apierrors.Classify(&apierrors.HTTPResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       resp.Body,
		}, nil)
	}

	if outcome.err != nil {
		span.RecordError(outcome.err)
	}

	p.trace(ctx, session, requestID, req, outcome, attempt)
	p.feedAggregator(session.APIURL, outcome)

	return outcome
}

// trace persists the attempt through the store; failures are logged, never
// propagated into the retry flow.
func (p *Pipeline) trace(ctx context.Context, session *models.Session, requestID string, req *httpclient.Request, outcome *attemptOutcome, attempt int) {
	trace := &models.RequestTrace{
		SessionID:      session.SessionID,
		RequestID:      requestID,
		Timestamp:      time.Now(),
		URL:            req.URL,
		Method:         req.Method,
		RequestHeaders: maskAuth(req.Headers),
		RequestBody:    string(req.Body),
		Success:        outcome.err == nil,
		Attempt:        attempt,
	}
	if outcome.resp != nil {
		trace.ResponseStatus = outcome.resp.StatusCode
		trace.ResponseHeaders = flattenHeaders(outcome.resp.Headers)
		trace.ResponseBody = string(outcome.resp.Body)
		trace.TimeMs = outcome.resp.DurationMs
	}
	if outcome.err != nil {
		trace.ErrorMessage = outcome.err.Message
	}
	if attempt > 1 {
		trace.IsRetry = true
		trace.OriginalTraceID = trace.TraceID()
	}

	if err := p.store.RecordAttempt(ctx, trace); err != nil {
		p.logger.Error("Failed to record attempt trace", map[string]interface{}{
			"session_id": session.SessionID,
			"request_id": requestID,
			"error":      err.Error(),
		})
	}
}

func (p *Pipeline) feedAggregator(endpoint string, outcome *attemptOutcome) {
	if p.agg == nil {
		return
	}
	status := 0
	var duration time.Duration
	if outcome.resp != nil {
		status = outcome.resp.StatusCode
		duration = time.Duration(outcome.resp.DurationMs) * time.Millisecond
	}
	p.agg.RecordCall(endpoint, status, duration)
	if outcome.err != nil {
		p.agg.RecordError(time.Now())
	}
}

// saveSuccess persists the durable success response
func (p *Pipeline) saveSuccess(ctx context.Context, session *models.Session, jobID string, record json.RawMessage, last *attemptOutcome) {
	sr := &models.SuccessResponse{
		SessionID:  session.SessionID,
		JobID:      jobID,
		Timestamp:  time.Now().UnixMilli(),
		StatusCode: last.resp.StatusCode,
		Headers:    flattenHeaders(last.resp.Headers),
		Data:       rawJSON(last.resp.Body),
		Record:     record,
		DurationMs: last.resp.DurationMs,
	}
	if err := p.store.SaveSuccessResponse(ctx, sr); err != nil {
		p.logger.Error("Failed to save success response", map[string]interface{}{
			"session_id": session.SessionID,
			"job_id":     jobID,
			"error":      err.Error(),
		})
	}
}

// finalizeFailure applies the terminal failure side effects: a durable
// UserActionError for REQUIRES_USER_ACTION only, and a record-error bump for
// terminal 429s and server errors.
func (p *Pipeline) finalizeFailure(ctx context.Context, session *models.Session, jobID, requestID string, record json.RawMessage, last *attemptOutcome) {
	apiErr := last.err

	if apiErr.Category == apierrors.CategoryRequiresUserAction {
		uae := &models.UserActionError{
			SessionID:          session.SessionID,
			JobID:              jobID,
			Timestamp:          time.Now().UnixMilli(),
			StatusCode:         apiErr.StatusCode,
			Category:           apiErr.Category,
			Message:            apiErr.Message,
			ValidationErrors:   apiErr.ValidationErrors,
			PermissionInfo:     apiErr.PermissionInfo,
			UserActionGuidance: apiErr.UserActionGuidance,
			Record:             record,
		}
		if err := p.store.SaveUserActionError(ctx, uae); err != nil {
			p.logger.Error("Failed to save user action error", map[string]interface{}{
				"session_id": session.SessionID,
				"request_id": requestID,
				"error":      err.Error(),
			})
		}
	}

	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
		details := ""
		if last.resp != nil {
			details = truncate(string(last.resp.Body), 512)
		}
		p.store.BumpRecordError(ctx, session.APIURL, apiErr.StatusCode, apiErr.Message, details)
	}

	p.logger.Warn("Record failed terminally", map[string]interface{}{
		"session_id": session.SessionID,
		"request_id": requestID,
		"category":   string(apiErr.Category),
		"status":     apiErr.StatusCode,
	})
}

// retryAfterBackOff yields the server-requested delay when the last failure
// carried one, otherwise the wrapped schedule. Exhaustion always wins.
type retryAfterBackOff struct {
	next       backoff.BackOff
	retryAfter time.Duration
}

func (b *retryAfterBackOff) observe(err *apierrors.APIError) {
	b.retryAfter = 0
	if err != nil && err.RetryAfter > 0 {
		b.retryAfter = err.RetryAfter
		if b.retryAfter < time.Second {
			b.retryAfter = time.Second
		}
	}
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.next.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.retryAfter > 0 {
		return b.retryAfter
	}
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.retryAfter = 0
	b.next.Reset()
}

func taskMeta(sessionID, jobID string) map[string]interface{} {
	return map[string]interface{}{
		"session_id": sessionID,
		"job_id":     jobID,
	}
}

// rawJSON returns body as-is when it is valid JSON, or a JSON string wrapping
// it otherwise, so downstream marshaling never breaks.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
}

// maskAuth copies headers with credential values blanked for trace storage
func maskAuth(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		if key == "Authorization" {
			out[key] = "Basic ****"
			continue
		}
		out[key] = value
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
