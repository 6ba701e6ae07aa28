package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/corval/dispatchd/pkg/models"
)

// EndpointStat is the per-pattern rollup published to metrics:endpoints
type EndpointStat struct {
	AvgTime     float64 `json:"avgTime"`
	Calls       int64   `json:"calls"`
	LastUpdated int64   `json:"lastUpdated"`
}

// publishGuarded runs a best-effort metrics write behind the publish
// breaker. Failures are logged and swallowed so callers never stall.
func (s *Store) publishGuarded(name string, fn func() error) {
	_, err := s.publish.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		s.logger.Warn("metrics publish failed", map[string]interface{}{
			"publish": name,
			"error":   err.Error(),
		})
	}
}

// PublishAPIPerformance writes the aggregate call statistics
func (s *Store) PublishAPIPerformance(ctx context.Context, avgResponseTime float64, callsLastMinute int64, statusCodes map[int]int64) {
	s.publishGuarded("api_performance", func() error {
		codes, err := json.Marshal(statusCodes)
		if err != nil {
			return errors.Wrap(err, "failed to marshal status codes")
		}
		fields := map[string]interface{}{
			"avgResponseTime": formatFloat(avgResponseTime),
			"callsLastMinute": callsLastMinute,
			"timestamp":       time.Now().UnixMilli(),
			"statusCodes":     string(codes),
		}
		return s.client.HSet(ctx, apiPerformanceKey, fields).Err()
	})
}

// PublishEndpointMetrics writes one JSON rollup per URL pattern
func (s *Store) PublishEndpointMetrics(ctx context.Context, stats map[string]EndpointStat) {
	if len(stats) == 0 {
		return
	}
	s.publishGuarded("endpoints", func() error {
		fields := make(map[string]interface{}, len(stats))
		for pattern, stat := range stats {
			data, err := json.Marshal(stat)
			if err != nil {
				return errors.Wrap(err, "failed to marshal endpoint stat")
			}
			fields[pattern] = string(data)
		}
		return s.client.HSet(ctx, endpointsKey, fields).Err()
	})
}

// AppendErrorTimestamps pushes failure times onto the durable error list,
// keeping only the newest entries.
func (s *Store) AppendErrorTimestamps(ctx context.Context, timestamps ...time.Time) {
	if len(timestamps) == 0 {
		return
	}
	s.publishGuarded("error_timestamps", func() error {
		values := make([]interface{}, len(timestamps))
		for i, ts := range timestamps {
			values[i] = ts.UnixMilli()
		}
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, errorTimestampsKey, values...)
		pipe.LTrim(ctx, errorTimestampsKey, -errorTimestampCap, -1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListErrorTimestamps returns the stored failure times, oldest first
func (s *Store) ListErrorTimestamps(ctx context.Context) ([]time.Time, error) {
	raw, err := s.client.LRange(ctx, errorTimestampsKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list error timestamps")
	}

	timestamps := make([]time.Time, 0, len(raw))
	for _, item := range raw {
		ms, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			continue
		}
		timestamps = append(timestamps, time.UnixMilli(ms))
	}
	return timestamps, nil
}

// PublishRateLimiterSettings mirrors the limiter's tuned state
func (s *Store) PublishRateLimiterSettings(ctx context.Context, maxConcurrent int, minTime time.Duration, errorRate, avgResponseTime float64) {
	s.publishGuarded("rate_limiter", func() error {
		fields := map[string]interface{}{
			"maxConcurrent":   maxConcurrent,
			"minTime":         minTime.Milliseconds(),
			"errorRate":       formatFloat(errorRate),
			"avgResponseTime": formatFloat(avgResponseTime),
			"lastUpdated":     time.Now().UnixMilli(),
		}
		return s.client.HSet(ctx, rateLimiterKey, fields).Err()
	})
}

// BumpRecordError counts a terminal failure by url and status code
func (s *Store) BumpRecordError(ctx context.Context, url string, statusCode int, message, details string) {
	s.publishGuarded("record_errors", func() error {
		field := fmt.Sprintf("%s:%d", url, statusCode)
		pipe := s.client.TxPipeline()
		pipe.HIncrBy(ctx, recordErrorsKey, field, 1)
		pipe.HSet(ctx, recordErrorsKey, map[string]interface{}{
			"lastError":        message,
			"lastErrorDetails": details,
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RecordBreakerTrip mirrors a circuit breaker trip into the durable store.
// Unlike the periodic publishes this write is not breaker-guarded; a trip
// should be recorded even when Redis is flapping.
func (s *Store) RecordBreakerTrip(ctx context.Context, record models.BreakerRecord) error {
	snapshot := ""
	if record.Metrics != nil {
		snapshot = marshalString(record.Metrics)
	}
	fields := map[string]interface{}{
		"lastTripped":  record.LastTripped,
		"reason":       record.Reason,
		"resetTimeout": record.ResetTimeout,
		"metrics":      snapshot,
	}
	if err := s.client.HSet(ctx, circuitBreakerKey, fields).Err(); err != nil {
		return errors.Wrap(err, "failed to record breaker trip")
	}
	return nil
}

// GetBreakerRecord loads the last persisted trip, nil if none
func (s *Store) GetBreakerRecord(ctx context.Context) (*models.BreakerRecord, error) {
	fields, err := s.client.HGetAll(ctx, circuitBreakerKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load breaker record")
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record := &models.BreakerRecord{Reason: fields["reason"]}
	record.LastTripped, _ = strconv.ParseInt(fields["lastTripped"], 10, 64)
	record.ResetTimeout, _ = strconv.ParseInt(fields["resetTimeout"], 10, 64)
	if raw := fields["metrics"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &record.Metrics)
	}
	return record, nil
}

// PublishWorkerMetrics overwrites this worker's status document
func (s *Store) PublishWorkerMetrics(ctx context.Context, wm *models.WorkerMetrics) {
	if wm.WorkerID == "" {
		return
	}
	s.publishGuarded("worker_metrics", func() error {
		if wm.Timestamp == 0 {
			wm.Timestamp = time.Now().UnixMilli()
		}
		data, err := json.Marshal(wm)
		if err != nil {
			return errors.Wrap(err, "failed to marshal worker metrics")
		}
		return s.client.Set(ctx, workerMetricsKey(wm.WorkerID), data, workerMetricsTTL).Err()
	})
}

// GetWorkerMetrics loads another worker's status document
func (s *Store) GetWorkerMetrics(ctx context.Context, workerID string) (*models.WorkerMetrics, error) {
	data, err := s.client.Get(ctx, workerMetricsKey(workerID)).Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load worker metrics")
	}

	var wm models.WorkerMetrics
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal worker metrics")
	}
	return &wm, nil
}

// SaveJobMetrics records a completed job's final counts
func (s *Store) SaveJobMetrics(ctx context.Context, jobID string, successCount, failureCount, totalRecords int, completedAt time.Time) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	fields := map[string]interface{}{
		"successCount": successCount,
		"failureCount": failureCount,
		"totalRecords": totalRecords,
		"completedAt":  completedAt.UnixMilli(),
	}
	if err := s.client.HSet(ctx, jobMetricsKey(jobID), fields).Err(); err != nil {
		return errors.Wrap(err, "failed to save job metrics")
	}
	return nil
}

// GetJobMetrics loads a completed job's final counts
func (s *Store) GetJobMetrics(ctx context.Context, jobID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, jobMetricsKey(jobID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load job metrics")
	}
	return fields, nil
}
