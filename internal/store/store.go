// Package store persists sessions, per-attempt request traces, and dispatch
// outcomes in Redis. Multi-key updates ride a single pipeline so related
// counters always move together. TTLs are set on insert and refreshed on
// mutation; nothing in this keyspace lives forever.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/corval/dispatchd/pkg/models"
	"github.com/corval/dispatchd/pkg/observability"
)

// Store errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTraceNotFound   = errors.New("trace not found")
	ErrErrorNotFound   = errors.New("user action error not found")
)

// Retention windows
const (
	SessionTTL = 7 * 24 * time.Hour
	TraceTTL   = 24 * time.Hour
	OutcomeTTL = 24 * time.Hour
	LogTTL     = 24 * time.Hour

	workerMetricsTTL  = 10 * time.Minute
	errorTimestampCap = 100
)

func sessionKey(sessionID string) string { return "session:" + sessionID }

func userSessionsKey(userID string) string { return "user:sessions:" + userID }

func traceKey(sessionID, requestID string) string {
	return "apidata:" + sessionID + ":" + requestID
}

func requestsKey(sessionID string) string { return "apirequests:" + sessionID }

func statsKey(sessionID string) string { return "apistats:" + sessionID }

func logsKey(sessionID string) string { return "logs:" + sessionID }

func jobMetricsKey(jobID string) string { return "metrics:" + jobID }
func userActionErrorKey(errorID string) string {
	return "userActionError:" + errorID
}

func userActionErrorsKey(sessionID string) string {
	return "userActionErrors:" + sessionID
}

func successResponseKey(responseID string) string {
	return "successResponse:" + responseID
}

func successResponsesKey(sessionID string) string {
	return "successResponses:" + sessionID
}

func workerMetricsKey(workerID string) string {
	return "worker:globalMetrics:" + workerID
}

const (
	apiPerformanceKey  = "metrics:apiPerformance"
	endpointsKey       = "metrics:endpoints"
	errorTimestampsKey = "metrics:errorTimestamps"
	rateLimiterKey     = "metrics:rateLimiter"
	recordErrorsKey    = "metrics:recordErrors"
	circuitBreakerKey  = "metrics:circuitBreaker"
)

// Store is the Redis-backed durability layer
type Store struct {
	client  *redis.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	// publish guards the best-effort metrics writes so a degraded Redis
	// cannot stall the dispatch hot path.
	publish *gobreaker.CircuitBreaker
}

// New wraps an existing Redis client
func New(client *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	s := &Store{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
	s.publish = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-publish",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("store publish breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return s
}

// Ping verifies the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for components that share it
func (s *Store) Client() *redis.Client {
	return s.client
}

// SaveSession stores a session and indexes it under its owner. The session
// expires after a week unless refreshed.
func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	if session.SessionID == "" {
		return errors.New("session id is required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.SessionID), data, SessionTTL)
	if session.OwnerUserID != "" {
		key := userSessionsKey(session.OwnerUserID)
		pipe.LRem(ctx, key, 0, session.SessionID)
		pipe.RPush(ctx, key, session.SessionID)
		pipe.Expire(ctx, key, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	return nil
}

// GetSession loads a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	if session.SessionID == "" {
		session.SessionID = sessionID
	}
	return &session, nil
}

// RefreshSessionTTL extends a session's life by the full retention window
func (s *Store) RefreshSessionTTL(ctx context.Context, sessionID string) error {
	ok, err := s.client.Expire(ctx, sessionKey(sessionID), SessionTTL).Result()
	if err != nil {
		return errors.Wrap(err, "failed to refresh session ttl")
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// ListUserSessions returns the session ids owned by a user
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, userSessionsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user sessions")
	}
	return ids, nil
}

// DeleteSession removes a session and everything recorded under it: traces,
// the request index, stats, logs, and both outcome collections.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil && err != ErrSessionNotFound {
		return err
	}

	requestIDs, err := s.client.ZRange(ctx, requestsKey(sessionID), 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate traces")
	}
	errorIDs, err := s.client.LRange(ctx, userActionErrorsKey(sessionID), 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate user action errors")
	}
	responseIDs, err := s.client.LRange(ctx, successResponsesKey(sessionID), 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate success responses")
	}

	pipe := s.client.TxPipeline()
	for _, requestID := range requestIDs {
		pipe.Del(ctx, traceKey(sessionID, requestID))
	}
	for _, errorID := range errorIDs {
		pipe.Del(ctx, userActionErrorKey(errorID))
	}
	for _, responseID := range responseIDs {
		pipe.Del(ctx, successResponseKey(responseID))
	}
	pipe.Del(ctx,
		requestsKey(sessionID),
		statsKey(sessionID),
		logsKey(sessionID),
		userActionErrorsKey(sessionID),
		successResponsesKey(sessionID),
		sessionKey(sessionID),
	)
	if session != nil && session.OwnerUserID != "" {
		pipe.LRem(ctx, userSessionsKey(session.OwnerUserID), 0, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}

	s.logger.Info("session deleted", map[string]interface{}{
		"session_id": sessionID,
		"traces":     len(requestIDs),
	})
	return nil
}

// RecordAttempt persists one HTTP attempt: the trace hash, the time-ordered
// request index, and the session counters, all in a single pipeline.
// Repeated attempts for the same request overwrite the same trace key.
func (s *Store) RecordAttempt(ctx context.Context, trace *models.RequestTrace) error {
	if trace.SessionID == "" || trace.RequestID == "" {
		return errors.New("trace requires session and request ids")
	}
	if trace.Timestamp.IsZero() {
		trace.Timestamp = time.Now()
	}

	fields := map[string]interface{}{
		"timestamp":      trace.Timestamp.UnixMilli(),
		"url":            trace.URL,
		"method":         trace.Method,
		"requestBody":    trace.RequestBody,
		"responseStatus": trace.ResponseStatus,
		"responseBody":   trace.ResponseBody,
		"success":        boolFlag(trace.Success),
		"errorMessage":   trace.ErrorMessage,
		"timeMs":         trace.TimeMs,
		"attempt":        trace.Attempt,
		"isRetry":        boolFlag(trace.IsRetry),
	}
	if len(trace.RequestHeaders) > 0 {
		fields["requestHeaders"] = marshalString(trace.RequestHeaders)
	}
	if len(trace.ResponseHeaders) > 0 {
		fields["responseHeaders"] = marshalString(trace.ResponseHeaders)
	}
	if trace.OriginalTraceID != "" {
		fields["originalTraceId"] = trace.OriginalTraceID
	}

	dataKey := traceKey(trace.SessionID, trace.RequestID)
	indexKey := requestsKey(trace.SessionID)
	countKey := statsKey(trace.SessionID)
	score := float64(trace.Timestamp.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dataKey, fields)
	pipe.Expire(ctx, dataKey, TraceTTL)
	pipe.ZAdd(ctx, indexKey, &redis.Z{Score: score, Member: trace.RequestID})
	pipe.Expire(ctx, indexKey, TraceTTL)
	pipe.HIncrBy(ctx, countKey, "total", 1)
	if trace.Success {
		pipe.HIncrBy(ctx, countKey, "success", 1)
	} else {
		pipe.HIncrBy(ctx, countKey, "failure", 1)
	}
	if trace.ResponseStatus > 0 {
		pipe.HIncrBy(ctx, countKey, "status:"+strconv.Itoa(trace.ResponseStatus), 1)
	}
	pipe.Expire(ctx, countKey, TraceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to record attempt")
	}
	return nil
}

// GetTrace loads the final recorded state of one request
func (s *Store) GetTrace(ctx context.Context, sessionID, requestID string) (*models.RequestTrace, error) {
	fields, err := s.client.HGetAll(ctx, traceKey(sessionID, requestID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load trace")
	}
	if len(fields) == 0 {
		return nil, ErrTraceNotFound
	}
	return parseTrace(sessionID, requestID, fields), nil
}

// RecentRequestIDs returns the newest request ids, most recent first
func (s *Store) RecentRequestIDs(ctx context.Context, sessionID string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, requestsKey(sessionID), 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list requests")
	}
	return ids, nil
}

// GetRecentTraces loads the newest traces, most recent first. Traces whose
// hashes have already expired are skipped.
func (s *Store) GetRecentTraces(ctx context.Context, sessionID string, limit int64) ([]*models.RequestTrace, error) {
	ids, err := s.RecentRequestIDs(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}

	traces := make([]*models.RequestTrace, 0, len(ids))
	for _, requestID := range ids {
		trace, err := s.GetTrace(ctx, sessionID, requestID)
		if err == ErrTraceNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	return traces, nil
}

// GetStats returns the session counters; a session with no traffic yields
// zeroes rather than an error.
func (s *Store) GetStats(ctx context.Context, sessionID string) (*models.SessionStats, error) {
	fields, err := s.client.HGetAll(ctx, statsKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load stats")
	}

	stats := &models.SessionStats{StatusCodes: map[int]int64{}}
	for field, value := range fields {
		count, _ := strconv.ParseInt(value, 10, 64)
		switch {
		case field == "total":
			stats.Total = count
		case field == "success":
			stats.Success = count
		case field == "failure":
			stats.Failure = count
		case strings.HasPrefix(field, "status:"):
			if code, err := strconv.Atoi(strings.TrimPrefix(field, "status:")); err == nil {
				stats.StatusCodes[code] = count
			}
		}
	}
	return stats, nil
}

// AppendSessionLog appends a structured entry to the session's activity log
func (s *Store) AppendSessionLog(ctx context.Context, sessionID string, entry map[string]interface{}) error {
	if entry == nil {
		entry = map[string]interface{}{}
	}
	if _, ok := entry["timestamp"]; !ok {
		entry["timestamp"] = time.Now().UnixMilli()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal log entry")
	}

	key := logsKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, LogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to append session log")
	}
	return nil
}

// GetSessionLogs returns the newest log entries, oldest first
func (s *Store) GetSessionLogs(ctx context.Context, sessionID string, limit int64) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, logsKey(sessionID), -limit, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session logs")
	}

	entries := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		entries = append(entries, json.RawMessage(item))
	}
	return entries, nil
}

func parseTrace(sessionID, requestID string, fields map[string]string) *models.RequestTrace {
	trace := &models.RequestTrace{
		SessionID:       sessionID,
		RequestID:       requestID,
		URL:             fields["url"],
		Method:          fields["method"],
		RequestBody:     fields["requestBody"],
		ResponseBody:    fields["responseBody"],
		ErrorMessage:    fields["errorMessage"],
		OriginalTraceID: fields["originalTraceId"],
		Success:         fields["success"] == "1",
		IsRetry:         fields["isRetry"] == "1",
	}
	if ms, err := strconv.ParseInt(fields["timestamp"], 10, 64); err == nil {
		trace.Timestamp = time.UnixMilli(ms)
	}
	trace.ResponseStatus, _ = strconv.Atoi(fields["responseStatus"])
	trace.TimeMs, _ = strconv.ParseInt(fields["timeMs"], 10, 64)
	trace.Attempt, _ = strconv.Atoi(fields["attempt"])
	if raw := fields["requestHeaders"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &trace.RequestHeaders)
	}
	if raw := fields["responseHeaders"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &trace.ResponseHeaders)
	}
	return trace
}

func boolFlag(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

func marshalString(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
