package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
)

// StatusError carries a non-2xx HTTP response through the retry predicate.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth another attempt: HTTP 429, any
// 5xx, or a connection/timeout-class transport error. Everything else is
// treated as permanent.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

type Config struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Do runs fn with bounded exponential backoff and jitter, retrying only
// errors Retryable accepts. Generation calls, upload steps and status polls
// all go through here so transient failures are retried independently at
// each step. The last error is surfaced once retries are exhausted.
func Do[T any](ctx context.Context, logger *zap.Logger, cfg Config, operation string, fn func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() (T, error) {
		value, err := fn()
		if err != nil && !Retryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}
	notify := func(err error, delay time.Duration) {
		attempt++
		metrics.RetryTotal.WithLabelValues(operation).Inc()
		logger.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	value, err := backoff.RetryNotifyWithData(
		wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, cfg.MaxRetries), ctx),
		notify,
	)
	if err != nil {
		return value, fmt.Errorf("%s failed after %d retries: %w", operation, attempt, err)
	}
	return value, nil
}
