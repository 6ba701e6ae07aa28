package store

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corval/dispatchd/pkg/models"
)

func TestPublishAPIPerformance(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	s.PublishAPIPerformance(ctx, 142.5, 37, map[int]int64{200: 30, 429: 7})

	assert.Equal(t, "142.5", mr.HGet(apiPerformanceKey, "avgResponseTime"))
	assert.Equal(t, "37", mr.HGet(apiPerformanceKey, "callsLastMinute"))
	assert.NotEmpty(t, mr.HGet(apiPerformanceKey, "timestamp"))

	var codes map[string]int64
	require.NoError(t, json.Unmarshal([]byte(mr.HGet(apiPerformanceKey, "statusCodes")), &codes))
	assert.Equal(t, int64(30), codes["200"])
	assert.Equal(t, int64(7), codes["429"])
}

func TestPublishEndpointMetrics(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	s.PublishEndpointMetrics(ctx, map[string]EndpointStat{
		"https://api.example.com/records/:id": {AvgTime: 120, Calls: 14, LastUpdated: 1700000000000},
	})

	raw := mr.HGet(endpointsKey, "https://api.example.com/records/:id")
	require.NotEmpty(t, raw)

	var stat EndpointStat
	require.NoError(t, json.Unmarshal([]byte(raw), &stat))
	assert.Equal(t, float64(120), stat.AvgTime)
	assert.Equal(t, int64(14), stat.Calls)
}

func TestAppendErrorTimestampsTrims(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1700000000000)
	for i := 0; i < 120; i++ {
		s.AppendErrorTimestamps(ctx, base.Add(time.Duration(i)*time.Second))
	}

	timestamps, err := s.ListErrorTimestamps(ctx)
	require.NoError(t, err)
	require.Len(t, timestamps, errorTimestampCap)

	// Only the newest hundred survive.
	assert.Equal(t, base.Add(20*time.Second).UnixMilli(), timestamps[0].UnixMilli())
	assert.Equal(t, base.Add(119*time.Second).UnixMilli(), timestamps[len(timestamps)-1].UnixMilli())
}

func TestPublishRateLimiterSettings(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	s.PublishRateLimiterSettings(ctx, 4, 120*time.Millisecond, 0.2, 315.5)

	assert.Equal(t, "4", mr.HGet(rateLimiterKey, "maxConcurrent"))
	assert.Equal(t, "120", mr.HGet(rateLimiterKey, "minTime"))
	assert.Equal(t, "0.2", mr.HGet(rateLimiterKey, "errorRate"))
	assert.Equal(t, "315.5", mr.HGet(rateLimiterKey, "avgResponseTime"))
	assert.NotEmpty(t, mr.HGet(rateLimiterKey, "lastUpdated"))
}

func TestBumpRecordError(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	url := "https://api.example.com/records"
	s.BumpRecordError(ctx, url, 503, "SYSTEM_ERROR: down (status 503)", `{"message":"down"}`)
	s.BumpRecordError(ctx, url, 503, "SYSTEM_ERROR: down (status 503)", `{"message":"down"}`)
	s.BumpRecordError(ctx, url, 429, "TEMPORARY_FAILURE: slow down (status 429)", "")

	assert.Equal(t, "2", mr.HGet(recordErrorsKey, url+":503"))
	assert.Equal(t, "1", mr.HGet(recordErrorsKey, url+":429"))
	assert.Equal(t, "TEMPORARY_FAILURE: slow down (status 429)", mr.HGet(recordErrorsKey, "lastError"))
}

func TestBreakerRecordRoundTrip(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	none, err := s.GetBreakerRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	record := models.BreakerRecord{
		LastTripped:  1700000000000,
		Reason:       "error rate 0.42 exceeds threshold",
		ResetTimeout: 60000,
		Metrics:      map[string]interface{}{"avgError": 0.42},
	}
	require.NoError(t, s.RecordBreakerTrip(ctx, record))

	loaded, err := s.GetBreakerRecord(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1700000000000), loaded.LastTripped)
	assert.Equal(t, "error rate 0.42 exceeds threshold", loaded.Reason)
	assert.Equal(t, int64(60000), loaded.ResetTimeout)
	assert.Equal(t, 0.42, loaded.Metrics["avgError"])
}

func TestWorkerMetricsRoundTrip(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	wm := &models.WorkerMetrics{
		WorkerID:           "worker-1",
		CurrentConcurrency: 24,
		SuccessCount:       180,
		FailureCount:       3,
		Backlog:            12,
	}
	s.PublishWorkerMetrics(ctx, wm)

	loaded, err := s.GetWorkerMetrics(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 24, loaded.CurrentConcurrency)
	assert.Equal(t, int64(180), loaded.SuccessCount)
	assert.NotZero(t, loaded.Timestamp)
}

func TestJobMetrics(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	completedAt := time.UnixMilli(1700000123456)
	require.NoError(t, s.SaveJobMetrics(ctx, "job-1", 48, 2, 50, completedAt))

	fields, err := s.GetJobMetrics(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "48", fields["successCount"])
	assert.Equal(t, "2", fields["failureCount"])
	assert.Equal(t, "50", fields["totalRecords"])
	assert.Equal(t, strconv.FormatInt(completedAt.UnixMilli(), 10), fields["completedAt"])
}
