package retry

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"500", &StatusError{StatusCode: http.StatusInternalServerError}, true},
		{"503", &StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"400", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"404", &StatusError{StatusCode: http.StatusNotFound}, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), zap.NewNop(), fastConfig(), "test_op", func() (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{StatusCode: http.StatusTooManyRequests}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), zap.NewNop(), fastConfig(), "test_op", func() (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusBadRequest}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), zap.NewNop(), fastConfig(), "test_op", func() (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusInternalServerError}
	})
	require.Error(t, err)
	// Initial attempt plus MaxRetries retries.
	assert.Equal(t, 4, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, zap.NewNop(), fastConfig(), "test_op", func() (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusInternalServerError}
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
