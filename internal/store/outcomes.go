package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corval/dispatchd/pkg/models"
)

// SaveUserActionError persists a terminal failure that needs human
// remediation and indexes it under its session. Both keys share the outcome
// retention window.
func (s *Store) SaveUserActionError(ctx context.Context, uae *models.UserActionError) error {
	if uae.SessionID == "" {
		return errors.New("user action error requires a session id")
	}
	if uae.Timestamp == 0 {
		uae.Timestamp = time.Now().UnixMilli()
	}
	if uae.ErrorID == "" {
		uae.ErrorID = fmt.Sprintf("%s:%s:%d", uae.SessionID, uae.JobID, uae.Timestamp)
	}

	data, err := json.Marshal(uae)
	if err != nil {
		return errors.Wrap(err, "failed to marshal user action error")
	}

	listKey := userActionErrorsKey(uae.SessionID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, userActionErrorKey(uae.ErrorID), data, OutcomeTTL)
	pipe.RPush(ctx, listKey, uae.ErrorID)
	pipe.Expire(ctx, listKey, OutcomeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to save user action error")
	}

	s.metrics.IncrementCounter("user_action_errors_total", 1)
	return nil
}

// GetUserActionError loads one stored error by id
func (s *Store) GetUserActionError(ctx context.Context, errorID string) (*models.UserActionError, error) {
	data, err := s.client.Get(ctx, userActionErrorKey(errorID)).Bytes()
	if err == redis.Nil {
		return nil, ErrErrorNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user action error")
	}

	var uae models.UserActionError
	if err := json.Unmarshal(data, &uae); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal user action error")
	}
	return &uae, nil
}

// ListUserActionErrors returns the session's stored errors in insertion
// order. Entries whose bodies have already expired are skipped.
func (s *Store) ListUserActionErrors(ctx context.Context, sessionID string) ([]*models.UserActionError, error) {
	ids, err := s.client.LRange(ctx, userActionErrorsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user action errors")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, errorID := range ids {
		keys[i] = userActionErrorKey(errorID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user action errors")
	}

	result := make([]*models.UserActionError, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var uae models.UserActionError
		if err := json.Unmarshal([]byte(raw), &uae); err != nil {
			continue
		}
		result = append(result, &uae)
	}
	return result, nil
}

// ResolveUserActionError marks an error resolved without disturbing its
// remaining TTL. Resolving twice is a no-op.
func (s *Store) ResolveUserActionError(ctx context.Context, errorID, resolution string) (*models.UserActionError, error) {
	uae, err := s.GetUserActionError(ctx, errorID)
	if err != nil {
		return nil, err
	}
	if uae.Resolved {
		return uae, nil
	}

	uae.Resolved = true
	uae.Resolution = resolution
	uae.ResolvedAt = time.Now().UnixMilli()

	data, err := json.Marshal(uae)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal user action error")
	}
	if err := s.client.Set(ctx, userActionErrorKey(errorID), data, redis.KeepTTL).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to resolve user action error")
	}

	s.logger.Info("user action error resolved", map[string]interface{}{
		"error_id":   errorID,
		"session_id": uae.SessionID,
	})
	return uae, nil
}

// SaveSuccessResponse preserves a successful remote reply for later
// inspection, indexed under its session.
func (s *Store) SaveSuccessResponse(ctx context.Context, response *models.SuccessResponse) error {
	if response.SessionID == "" {
		return errors.New("success response requires a session id")
	}
	if response.Timestamp == 0 {
		response.Timestamp = time.Now().UnixMilli()
	}
	if response.ResponseID == "" {
		response.ResponseID = uuid.NewString()
	}

	data, err := json.Marshal(response)
	if err != nil {
		return errors.Wrap(err, "failed to marshal success response")
	}

	listKey := successResponsesKey(response.SessionID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, successResponseKey(response.ResponseID), data, OutcomeTTL)
	pipe.RPush(ctx, listKey, response.ResponseID)
	pipe.Expire(ctx, listKey, OutcomeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to save success response")
	}
	return nil
}

// GetSuccessResponse loads one stored response by id
func (s *Store) GetSuccessResponse(ctx context.Context, responseID string) (*models.SuccessResponse, error) {
	data, err := s.client.Get(ctx, successResponseKey(responseID)).Bytes()
	if err == redis.Nil {
		return nil, errors.New("success response not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load success response")
	}

	var response models.SuccessResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal success response")
	}
	return &response, nil
}

// ListSuccessResponses returns the session's stored responses in insertion
// order, skipping any whose bodies have expired.
func (s *Store) ListSuccessResponses(ctx context.Context, sessionID string) ([]*models.SuccessResponse, error) {
	ids, err := s.client.LRange(ctx, successResponsesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list success responses")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, responseID := range ids {
		keys[i] = successResponseKey(responseID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load success responses")
	}

	result := make([]*models.SuccessResponse, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var response models.SuccessResponse
		if err := json.Unmarshal([]byte(raw), &response); err != nil {
			continue
		}
		result = append(result, &response)
	}
	return result, nil
}
