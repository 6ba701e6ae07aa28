// Package httpclient executes the per-record outbound POST calls. Each
// attempt gets a deadline derived from its retry ordinal, response bodies are
// always captured, and failures come back classified.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/corval/dispatchd/pkg/apierrors"
	"github.com/corval/dispatchd/pkg/observability"
)

const (
	// UserAgent identifies this service to the target API
	UserAgent = "POC-Excel-Formatter/1.0"

	// DescriptionHeader is an optional operator hint returned by some APIs
	DescriptionHeader = "response-description"

	maxResponseBody = 10 << 20
)

// Config holds the executor timeout policy
type Config struct {
	// BaseTimeout applies to the first attempt
	BaseTimeout time.Duration

	// AttemptStep is added per retry ordinal
	AttemptStep time.Duration

	// TimeoutCeiling caps the derived deadline
	TimeoutCeiling time.Duration
}

// DefaultConfig returns the production timeout policy
func DefaultConfig() Config {
	return Config{
		BaseTimeout:    10 * time.Second,
		AttemptStep:    5 * time.Second,
		TimeoutCeiling: 30 * time.Second,
	}
}

// Request describes one outbound call
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response captures the full outcome of an attempt. DurationMs is populated
// even when the call failed before any bytes arrived.
type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	DurationMs  int64
	Description string
}

// Client executes outbound API calls
type Client struct {
	config  Config
	client  *http.Client
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a client with a pooled transport
func New(config Config, logger observability.Logger, metrics observability.MetricsClient) *Client {
	if config.BaseTimeout <= 0 {
		config.BaseTimeout = DefaultConfig().BaseTimeout
	}
	if config.AttemptStep <= 0 {
		config.AttemptStep = DefaultConfig().AttemptStep
	}
	if config.TimeoutCeiling <= 0 {
		config.TimeoutCeiling = DefaultConfig().TimeoutCeiling
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		config:  config,
		client:  &http.Client{Transport: transport},
		logger:  logger,
		metrics: metrics,
	}
}

// TimeoutFor derives the deadline for a retry ordinal (0 is the first try)
func (c *Client) TimeoutFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	timeout := c.config.BaseTimeout + time.Duration(attempt)*c.config.AttemptStep
	if timeout > c.config.TimeoutCeiling {
		timeout = c.config.TimeoutCeiling
	}
	return timeout
}

// Execute performs one attempt. Responses below 500 return with a nil error,
// including 4xx. Responses at or above 500 and transport failures return a
// classified *apierrors.APIError; the response still carries whatever was
// captured, at minimum the elapsed time.
func (c *Client) Execute(ctx context.Context, req *Request, attempt int) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, c.TimeoutFor(attempt))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &Response{}, apierrors.Classify(nil, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", UserAgent)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	endpoint := endpointLabel(req.URL)

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		elapsed := time.Since(start)
		c.metrics.RecordAPIOperation(method, endpoint, 0, elapsed)
		classified := apierrors.Classify(nil, err)
		c.logger.Warn("api call failed", map[string]interface{}{
			"url":      req.URL,
			"attempt":  attempt,
			"category": string(classified.Category),
			"error":    classified.Message,
		})
		return &Response{DurationMs: elapsed.Milliseconds()}, classified
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	elapsed := time.Since(start)

	resp := &Response{
		StatusCode:  httpResp.StatusCode,
		Headers:     httpResp.Header,
		Body:        body,
		DurationMs:  elapsed.Milliseconds(),
		Description: httpResp.Header.Get(DescriptionHeader),
	}

	c.metrics.RecordAPIOperation(method, endpoint, resp.StatusCode, elapsed)

	if readErr != nil {
		classified := apierrors.Classify(nil, readErr)
		return resp, classified
	}

	if resp.StatusCode >= 500 {
		classified := apierrors.Classify(&apierrors.HTTPResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       resp.Body,
		}, nil)
		c.logger.Warn("api call returned server error", map[string]interface{}{
			"url":     req.URL,
			"status":  resp.StatusCode,
			"attempt": attempt,
			"time_ms": resp.DurationMs,
		})
		return resp, classified
	}

	c.logger.Debug("api call completed", map[string]interface{}{
		"url":     req.URL,
		"status":  resp.StatusCode,
		"time_ms": resp.DurationMs,
	})

	return resp, nil
}

// endpointLabel reduces a call URL to host+path for metrics labels. Query,
// fragment and userinfo never belong in a label value.
func endpointLabel(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return parsed.Host + parsed.Path
}
