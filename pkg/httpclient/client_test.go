package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corval/dispatchd/pkg/apierrors"
)

func TestTimeoutFor(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)

	assert.Equal(t, 10*time.Second, c.TimeoutFor(0))
	assert.Equal(t, 15*time.Second, c.TimeoutFor(1))
	assert.Equal(t, 20*time.Second, c.TimeoutFor(2))
	assert.Equal(t, 30*time.Second, c.TimeoutFor(4))
	assert.Equal(t, 30*time.Second, c.TimeoutFor(9))
	assert.Equal(t, 10*time.Second, c.TimeoutFor(-1))
}

func TestExecuteSuccess(t *testing.T) {
	var got struct {
		method      string
		contentType string
		userAgent   string
		auth        string
		userID      string
		body        []byte
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.contentType = r.Header.Get("Content-Type")
		got.userAgent = r.Header.Get("User-Agent")
		got.auth = r.Header.Get("Authorization")
		got.userID = r.Header.Get("X-User-Id")
		got.body, _ = io.ReadAll(r.Body)
		w.Header().Set(DescriptionHeader, "record accepted")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "42"})
	}))
	defer server.Close()

	c := New(DefaultConfig(), nil, nil)
	record := []byte(`{"memberId":"m1","requestId":"r1"}`)
	resp, err := c.Execute(context.Background(), &Request{
		URL:  server.URL,
		Body: record,
		Headers: map[string]string{
			"Authorization": "Basic YWxpY2U6c2VjcmV0",
			"X-User-Id":     "alice",
		},
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "record accepted", resp.Description)
	assert.GreaterOrEqual(t, resp.DurationMs, int64(0))
	assert.JSONEq(t, `{"id":"42"}`, string(resp.Body))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, UserAgent, got.userAgent)
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", got.auth)
	assert.Equal(t, "alice", got.userID)
	assert.Equal(t, record, got.body)
}

func TestExecuteClientErrorIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":["bad date"]}`))
	}))
	defer server.Close()

	c := New(DefaultConfig(), nil, nil)
	resp, err := c.Execute(context.Background(), &Request{URL: server.URL, Body: []byte(`{}`)}, 0)

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.JSONEq(t, `{"errors":["bad date"]}`, string(resp.Body))
}

func TestExecuteServerErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"down for maintenance"}`))
	}))
	defer server.Close()

	c := New(DefaultConfig(), nil, nil)
	resp, err := c.Execute(context.Background(), &Request{URL: server.URL, Body: []byte(`{}`)}, 0)

	require.Error(t, err)
	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, apierrors.CategorySystemError, apiErr.Category)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "down for maintenance", apiErr.Message)

	// The captured response still comes back alongside the error.
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"message":"down for maintenance"}`, string(resp.Body))
}

func TestExecuteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	cfg := Config{BaseTimeout: 50 * time.Millisecond, AttemptStep: time.Millisecond, TimeoutCeiling: 100 * time.Millisecond}
	c := New(cfg, nil, nil)
	resp, err := c.Execute(context.Background(), &Request{URL: server.URL, Body: []byte(`{}`)}, 0)

	require.Error(t, err)
	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, apierrors.CategoryNetworkError, apiErr.Category)
	assert.True(t, apiErr.CanRetry)

	require.NotNil(t, resp)
	assert.Zero(t, resp.StatusCode)
	assert.GreaterOrEqual(t, resp.DurationMs, int64(0))
}

func TestExecuteConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(DefaultConfig(), nil, nil)
	resp, err := c.Execute(context.Background(), &Request{URL: url, Body: []byte(`{}`)}, 0)

	require.Error(t, err)
	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, apierrors.CategoryNetworkError, apiErr.Category)
	require.NotNil(t, resp)
	assert.Zero(t, resp.StatusCode)
}
