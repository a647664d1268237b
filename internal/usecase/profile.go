// Package usecase holds the profile and upload-history flows that sit
// between the HTTP handlers and the remote API, cache and audit log.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/api"
	"github.com/example/trip-profile/internal/logging"
)

// ProfileSource fetches a profile from the remote API.
type ProfileSource interface {
	GetProfile(ctx context.Context, token string) (*api.Response, error)
}

// ProfileUseCase serves profiles through a read-through cache that is
// invalidated whenever the user's photo changes.
type ProfileUseCase struct {
	source         ProfileSource
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewProfileUseCase builds the use case. A nil cache disables caching.
func NewProfileUseCase(source ProfileSource, cache Cache, ttl time.Duration, logger *zap.Logger) *ProfileUseCase {
	return &ProfileUseCase{
		source:         source,
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("profile_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func profileKey(userID string) string {
	return fmt.Sprintf("profile:%s", userID)
}

// GetProfile returns the cached profile for userID, or fetches it with
// token and caches successful replies. Cache failures never fail the call.
func (uc *ProfileUseCase) GetProfile(ctx context.Context, userID, token string) (*api.Response, bool, error) {
	key := profileKey(userID)
	opLogger := logging.WithOperation(uc.logger, "usecase.get_profile", userID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, userID, "cache.get.profile", key)
		switch {
		case err == nil && json.Valid([]byte(cached)):
			return &api.Response{Status: http.StatusOK, Body: json.RawMessage(cached)}, true, nil
		case err == nil:
			opLogger.Warn("discarding malformed cached profile")
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	resp, err := uc.source.GetProfile(ctx, token)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.fetch_profile", userID, err)
		opLogger.Error("profile fetch failed", zap.Error(wrapped))
		return nil, false, wrapped
	}
	if uc.cache != nil && resp.Status == http.StatusOK && resp.Body != nil {
		if err := uc.withRedisRetry(ctx, userID, "cache.set.profile", func() error {
			return uc.cache.Set(ctx, key, string(resp.Body), uc.ttl)
		}); err != nil {
			opLogger.Warn("failed to cache profile", zap.Error(err))
		}
	}
	return resp, false, nil
}

// Invalidate drops the cached profile so the next read sees the new photo.
func (uc *ProfileUseCase) Invalidate(ctx context.Context, userID string) error {
	if uc.cache == nil {
		return nil
	}
	return uc.withRedisRetry(ctx, userID, "cache.delete.profile", func() error {
		return uc.cache.Delete(ctx, profileKey(userID))
	})
}

func (uc *ProfileUseCase) withRedisRetry(ctx context.Context, userID, operation string, fn func() error) error {
	attempts := uc.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, userID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, userID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, userID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, userID, err)
}

func (uc *ProfileUseCase) withRedisGet(ctx context.Context, userID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, userID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
