package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HTTPResponse is the minimal view of a remote response the classifier needs
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Classify maps a response and/or transport error into the taxonomy. At least
// one of resp (with a non-zero status) or err must be provided.
func Classify(resp *HTTPResponse, err error) *APIError {
	if resp != nil && resp.StatusCode > 0 {
		return classifyStatus(resp, err)
	}
	return classifyTransport(err)
}

func classifyStatus(resp *HTTPResponse, cause error) *APIError {
	status := resp.StatusCode
	body := decodeBody(resp.Body)

	apiErr := New(categoryForStatus(status), messageFrom(body, status))
	apiErr.StatusCode = status
	apiErr.cause = cause

	switch {
	case status == 400 || status == 422:
		apiErr.ValidationErrors = extractValidationErrors(body)
	case status == 403:
		apiErr.PermissionInfo = extractPermissionInfo(body, resp.Headers)
	case status == 429:
		apiErr.RetryAfter = ParseRetryAfter(resp.Headers.Get("Retry-After"))
	}

	apiErr.UserActionGuidance = extractGuidance(body, resp.Headers)

	return apiErr
}

// categoryForStatus applies the status mapping. The 403 overlap between
// AUTH_ERROR and REQUIRES_USER_ACTION resolves to REQUIRES_USER_ACTION.
func categoryForStatus(status int) Category {
	switch {
	case status == 401:
		return CategoryAuthError
	case status == 400 || status == 403 || status == 404 || status == 409 || status == 422:
		return CategoryRequiresUserAction
	case status == 429:
		return CategoryTemporaryFailure
	case status >= 500:
		return CategorySystemError
	}
	return CategoryUnknownError
}

func classifyTransport(err error) *APIError {
	if err == nil {
		return New(CategoryUnknownError, "unknown failure")
	}

	var apiErr *APIError

	switch {
	case isTimeout(err):
		apiErr = New(CategoryNetworkError, "request timed out")
	case isConnectionRefused(err):
		apiErr = New(CategoryNetworkError, "connection refused")
	case isDNSFailure(err):
		apiErr = New(CategoryNetworkError, "host not found")
	default:
		apiErr = New(CategoryUnknownError, err.Error())
	}

	apiErr.cause = err
	return apiErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date. The result is floored at one second; unparseable values yield 0.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return 0
}

// decodeBody best-effort parses a JSON object body; non-object bodies give nil
func decodeBody(body []byte) map[string]interface{} {
	if len(body) == 0 {
		return nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	return decoded
}

func messageFrom(body map[string]interface{}, status int) string {
	for _, key := range []string{"message", "error"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("request failed with status %d", status)
}

// extractValidationErrors pulls per-field errors from the paths remote APIs
// use: errors, validationErrors, details. First present wins.
func extractValidationErrors(body map[string]interface{}) []string {
	for _, key := range []string{"errors", "validationErrors", "details"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				out = append(out, stringify(item))
			}
			return out
		case string:
			return []string{v}
		}
	}
	return nil
}

func extractPermissionInfo(body map[string]interface{}, headers http.Header) *PermissionInfo {
	info := &PermissionInfo{}

	if s, ok := body["permission"].(string); ok {
		info.Permission = s
	}
	if raw, ok := body["requiredPermissions"].([]interface{}); ok {
		for _, item := range raw {
			info.RequiredPermissions = append(info.RequiredPermissions, stringify(item))
		}
	}
	if info.Permission == "" && len(info.RequiredPermissions) == 0 {
		if h := headers.Get("required-permission"); h != "" {
			info.Permission = h
		}
	}

	if info.Permission == "" && len(info.RequiredPermissions) == 0 {
		return nil
	}
	return info
}

func extractGuidance(body map[string]interface{}, headers http.Header) string {
	for _, key := range []string{"userAction", "userGuidance"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return headers.Get("user-action")
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
