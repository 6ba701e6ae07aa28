// Package models defines the entities shared across the dispatch engine.
// JSON tags follow the durable-store wire format.
package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corval/dispatchd/pkg/apierrors"
)

// Auth holds the per-session credentials for the remote API
type Auth struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// Session is the tenant configuration a job executes against. Read-only
// after creation; shared by all the session's jobs.
type Session struct {
	SessionID   string    `json:"sessionId"`
	APIURL      string    `json:"apiUrl"`
	Auth        Auth      `json:"auth"`
	CreatedAt   time.Time `json:"createdAt"`
	OwnerUserID string    `json:"ownerUserId,omitempty"`
}

// AuthHeaders derives the outbound auth headers for this session
func (s *Session) AuthHeaders() map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(s.Auth.UserID + ":" + s.Auth.APIKey))
	return map[string]string{
		"Authorization": "Basic " + token,
		"X-User-Id":     s.Auth.UserID,
	}
}

// RecordIdentifiers extracts the correlation fields every record must carry
func RecordIdentifiers(record json.RawMessage) (memberID, requestID string, err error) {
	var keys struct {
		MemberID  string `json:"memberId"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(record, &keys); err != nil {
		return "", "", fmt.Errorf("failed to decode record: %w", err)
	}
	return keys.MemberID, keys.RequestID, nil
}

// BatchJobData is the payload of a process-batch queue job
type BatchJobData struct {
	SessionID string            `json:"sessionId"`
	Records   []json.RawMessage `json:"records"`
	Verbose   bool              `json:"verbose,omitempty"`
}

// RecordResult is the settled outcome of one record
type RecordResult struct {
	RequestID          string              `json:"requestId"`
	Success            bool                `json:"success"`
	StatusCode         int                 `json:"statusCode,omitempty"`
	Data               json.RawMessage     `json:"data,omitempty"`
	Error              *apierrors.APIError `json:"error,omitempty"`
	Record             json.RawMessage     `json:"record,omitempty"`
	UserActionRequired bool                `json:"userActionRequired,omitempty"`
	DurationMs         int64               `json:"durationMs"`
	Attempts           int                 `json:"attempts"`
}

// BatchSummary is the return value of a completed batch job
type BatchSummary struct {
	SuccessCount            int   `json:"successCount"`
	FailureCount            int   `json:"failureCount"`
	UserActionRequiredCount int   `json:"userActionRequiredCount"`
	TotalRecords            int   `json:"totalRecords"`
	DurationMs              int64 `json:"durationMs"`
}

// RequestTrace is the durable artifact of a single HTTP attempt
type RequestTrace struct {
	SessionID       string            `json:"sessionId"`
	RequestID       string            `json:"requestId"`
	Timestamp       time.Time         `json:"timestamp"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseStatus  int               `json:"responseStatus,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Success         bool              `json:"success"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	TimeMs          int64             `json:"timeMs"`
	Attempt         int               `json:"attempt"`
	IsRetry         bool              `json:"isRetry"`
	OriginalTraceID string            `json:"originalTraceId,omitempty"`
}

// TraceID is the composite identifier sessionId:requestId
func (t *RequestTrace) TraceID() string {
	return t.SessionID + ":" + t.RequestID
}

// SessionStats are the monotonically incremented per-session counters
type SessionStats struct {
	Total       int64         `json:"total"`
	Success     int64         `json:"success"`
	Failure     int64         `json:"failure"`
	StatusCodes map[int]int64 `json:"statusCodes,omitempty"`
}

// UserActionError is a terminal failure requiring human remediation.
// ErrorID is the composite sessionId:jobId:ts.
type UserActionError struct {
	ErrorID            string                    `json:"errorId"`
	SessionID          string                    `json:"sessionId"`
	JobID              string                    `json:"jobId"`
	Timestamp          int64                     `json:"ts"`
	StatusCode         int                       `json:"statusCode"`
	Category           apierrors.Category        `json:"category"`
	Message            string                    `json:"message"`
	ValidationErrors   []string                  `json:"validationErrors,omitempty"`
	PermissionInfo     *apierrors.PermissionInfo `json:"permissionInfo,omitempty"`
	UserActionGuidance string                    `json:"userActionGuidance,omitempty"`
	Record             json.RawMessage           `json:"record,omitempty"`
	Resolved           bool                      `json:"resolved"`
	Resolution         string                    `json:"resolution,omitempty"`
	ResolvedAt         int64                     `json:"resolvedAt,omitempty"`
}

// SuccessResponse preserves a successful remote reply for later inspection
type SuccessResponse struct {
	ResponseID string            `json:"responseId"`
	SessionID  string            `json:"sessionId"`
	JobID      string            `json:"jobId"`
	Timestamp  int64             `json:"ts"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Record     json.RawMessage   `json:"record,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// BreakerRecord mirrors circuit breaker state into the durable store
type BreakerRecord struct {
	LastTripped  int64                  `json:"lastTripped"`
	Reason       string                 `json:"reason"`
	ResetTimeout int64                  `json:"resetTimeout"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// ProgressSample is one entry of a job's progress history
type ProgressSample struct {
	Timestamp               int64   `json:"timestamp"`
	Processed               int     `json:"processed"`
	Total                   int     `json:"total"`
	SuccessCount            int     `json:"successCount"`
	FailureCount            int     `json:"failureCount"`
	UserActionRequiredCount int     `json:"userActionRequiredCount"`
	AvgTimePerRecordMs      float64 `json:"avgTimePerRecordMs"`
	EstTimeLeftSec          int64   `json:"estTimeLeftSec"`
	Percent                 int     `json:"percent"`
}

// WorkerMetrics is the per-worker status document, overwritten on every
// publish under worker:globalMetrics:<workerId>.
type WorkerMetrics struct {
	WorkerID           string                 `json:"workerId"`
	CurrentConcurrency int                    `json:"currentConcurrency"`
	AvgTimePerRecordMs float64                `json:"avgTimePerRecordMs"`
	EstTimeLeftSec     int64                  `json:"estTimeLeftSec"`
	SuccessCount       int64                  `json:"successCount"`
	FailureCount       int64                  `json:"failureCount"`
	Completed          int64                  `json:"completed"`
	Total              int64                  `json:"total"`
	Backlog            int64                  `json:"backlog"`
	AvgCPU             float64                `json:"avgCpu"`
	AvgMem             float64                `json:"avgMem"`
	AvgError           float64                `json:"avgError"`
	ProgressHistory    []ProgressSample       `json:"progressHistory,omitempty"`
	ControllerStatus   map[string]interface{} `json:"controllerStatus,omitempty"`
	Timestamp          int64                  `json:"timestamp"`
}
