package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corval/dispatchd/pkg/models"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, nil, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func testSession() *models.Session {
	return &models.Session{
		SessionID:   "sess-1",
		APIURL:      "https://api.example.com/records",
		Auth:        models.Auth{UserID: "alice", APIKey: "secret"},
		OwnerUserID: "alice",
	}
}

func TestSaveAndGetSession(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, testSession()))

	session, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/records", session.APIURL)
	assert.Equal(t, "alice", session.Auth.UserID)
	assert.Equal(t, "secret", session.Auth.APIKey)
	assert.False(t, session.CreatedAt.IsZero())

	ttl := mr.TTL(sessionKey("sess-1"))
	assert.Equal(t, SessionTTL, ttl)

	ids, err := s.ListUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, ids)
}

func TestSaveSessionIsIdempotentInOwnerIndex(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, testSession()))
	require.NoError(t, s.SaveSession(ctx, testSession()))

	ids, err := s.ListUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, ids)
}

func TestGetSessionNotFound(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.Equal(t, ErrSessionNotFound, err)
}

func TestRefreshSessionTTL(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, testSession()))
	mr.FastForward(3 * 24 * time.Hour)

	require.NoError(t, s.RefreshSessionTTL(ctx, "sess-1"))
	assert.Equal(t, SessionTTL, mr.TTL(sessionKey("sess-1")))

	assert.Equal(t, ErrSessionNotFound, s.RefreshSessionTTL(ctx, "missing"))
}

func successTrace(requestID string, status int) *models.RequestTrace {
	return &models.RequestTrace{
		SessionID:      "sess-1",
		RequestID:      requestID,
		Timestamp:      time.Now(),
		URL:            "https://api.example.com/records",
		Method:         "POST",
		RequestHeaders: map[string]string{"X-User-Id": "alice"},
		RequestBody:    `{"memberId":"m1"}`,
		ResponseStatus: status,
		ResponseBody:   `{"ok":true}`,
		Success:        status >= 200 && status < 300,
		TimeMs:         120,
		Attempt:        1,
	}
}

func TestRecordAttemptWritesAllKeys(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAttempt(ctx, successTrace("req-1", 200)))

	trace, err := s.GetTrace(ctx, "sess-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/records", trace.URL)
	assert.Equal(t, "POST", trace.Method)
	assert.Equal(t, 200, trace.ResponseStatus)
	assert.True(t, trace.Success)
	assert.Equal(t, int64(120), trace.TimeMs)
	assert.Equal(t, 1, trace.Attempt)
	assert.False(t, trace.IsRetry)
	assert.Equal(t, map[string]string{"X-User-Id": "alice"}, trace.RequestHeaders)

	ids, err := s.RecentRequestIDs(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, ids)

	stats, err := s.GetStats(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
	assert.Equal(t, int64(0), stats.Failure)
	assert.Equal(t, int64(1), stats.StatusCodes[200])

	assert.Equal(t, TraceTTL, mr.TTL(traceKey("sess-1", "req-1")))
	assert.Equal(t, TraceTTL, mr.TTL(requestsKey("sess-1")))
	assert.Equal(t, TraceTTL, mr.TTL(statsKey("sess-1")))
}

func TestRecordAttemptCountsStayConsistent(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAttempt(ctx, successTrace("req-1", 200)))
	require.NoError(t, s.RecordAttempt(ctx, successTrace("req-2", 422)))
	require.NoError(t, s.RecordAttempt(ctx, successTrace("req-3", 500)))
	require.NoError(t, s.RecordAttempt(ctx, successTrace("req-4", 200)))

	stats, err := s.GetStats(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, stats.Total, stats.Success+stats.Failure)
	assert.Equal(t, int64(2), stats.StatusCodes[200])
	assert.Equal(t, int64(1), stats.StatusCodes[422])
	assert.Equal(t, int64(1), stats.StatusCodes[500])
}

func TestRecordAttemptRetryOverwritesTrace(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	first := successTrace("req-1", 429)
	require.NoError(t, s.RecordAttempt(ctx, first))

	retry := successTrace("req-1", 200)
	retry.Attempt = 2
	retry.IsRetry = true
	retry.OriginalTraceID = "sess-1:req-1"
	require.NoError(t, s.RecordAttempt(ctx, retry))

	trace, err := s.GetTrace(ctx, "sess-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, 200, trace.ResponseStatus)
	assert.Equal(t, 2, trace.Attempt)
	assert.True(t, trace.IsRetry)
	assert.Equal(t, "sess-1:req-1", trace.OriginalTraceID)

	// Both attempts counted even though the trace key was overwritten.
	stats, err := s.GetStats(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)

	ids, err := s.RecentRequestIDs(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, ids)
}

func TestRecordAttemptNetworkFailureHasNoStatusBucket(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	trace := successTrace("req-1", 0)
	trace.Success = false
	trace.ErrorMessage = "request timed out"
	require.NoError(t, s.RecordAttempt(ctx, trace))

	stats, err := s.GetStats(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Failure)
	assert.Empty(t, stats.StatusCodes)

	loaded, err := s.GetTrace(ctx, "sess-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "request timed out", loaded.ErrorMessage)
	assert.False(t, loaded.Success)
}

func TestGetRecentTracesOrder(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, requestID := range []string{"req-a", "req-b", "req-c"} {
		trace := successTrace(requestID, 200)
		trace.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.RecordAttempt(ctx, trace))
	}

	traces, err := s.GetRecentTraces(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "req-c", traces[0].RequestID)
	assert.Equal(t, "req-b", traces[1].RequestID)
}

func TestDeleteSessionCascades(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, testSession()))
	require.NoError(t, s.RecordAttempt(ctx, successTrace("req-1", 200)))
	require.NoError(t, s.AppendSessionLog(ctx, "sess-1", map[string]interface{}{"msg": "started"}))
	require.NoError(t, s.SaveUserActionError(ctx, &models.UserActionError{
		SessionID: "sess-1", JobID: "job-1", StatusCode: 422,
		Category: "REQUIRES_USER_ACTION", Message: "bad date",
	}))
	require.NoError(t, s.SaveSuccessResponse(ctx, &models.SuccessResponse{
		SessionID: "sess-1", JobID: "job-1", StatusCode: 200,
	}))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err := s.GetSession(ctx, "sess-1")
	assert.Equal(t, ErrSessionNotFound, err)
	_, err = s.GetTrace(ctx, "sess-1", "req-1")
	assert.Equal(t, ErrTraceNotFound, err)

	errorsList, err := s.ListUserActionErrors(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, errorsList)

	responses, err := s.ListSuccessResponses(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, responses)

	ids, err := s.ListUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.False(t, mr.Exists(statsKey("sess-1")))
	assert.False(t, mr.Exists(logsKey("sess-1")))
}

func TestSessionLogs(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSessionLog(ctx, "sess-1", map[string]interface{}{"msg": "batch started", "jobId": "job-1"}))
	require.NoError(t, s.AppendSessionLog(ctx, "sess-1", map[string]interface{}{"msg": "batch completed", "jobId": "job-1"}))

	entries, err := s.GetSessionLogs(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, string(entries[0]), "batch started")
	assert.Contains(t, string(entries[1]), "batch completed")

	assert.Equal(t, LogTTL, mr.TTL(logsKey("sess-1")))
}
