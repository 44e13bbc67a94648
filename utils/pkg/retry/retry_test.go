package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

type typedErr struct {
	retry bool
}

func (e *typedErr) Error() string   { return "typed timeout" }
func (e *typedErr) Retryable() bool { return e.retry }

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}
}

func TestSettlement_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestSettlement_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	var retried []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, retried)
}

func TestSettlement_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	original := errors.New("connection reset")
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return original
	})
	require.ErrorIs(t, err, original)
	require.Equal(t, 3, attempts)
}

func TestSettlement_Retry_Do_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	original := errors.New("invalid input")
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return original
	})
	require.Same(t, original, err)
	require.Equal(t, 1, attempts)
}

func TestSettlement_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, attempts)
}

func TestSettlement_Retry_DoValue_ReturnsValue(t *testing.T) {
	t.Parallel()
	attempts := 0
	v, err := DoValue(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", &typedErr{retry: true}
		}
		return "sig", nil
	})
	require.NoError(t, err)
	require.Equal(t, "sig", v)
	require.Equal(t, 2, attempts)
}

func TestSettlement_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"net timeout", &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"blockhash not found", errors.New("rpc: Blockhash not found"), true},
		{"typed retryable wins over message", &typedErr{retry: false}, false},
		{"typed retryable true", &typedErr{retry: true}, true},
		{"pg serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"http 503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"http 429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"http 400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"plain", errors.New("invalid input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestSettlement_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	for range 20 {
		d := calculateBackoff(500*time.Millisecond, 5*time.Second, 2)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2*time.Second)

		capped := calculateBackoff(500*time.Millisecond, 5*time.Second, 6)
		require.GreaterOrEqual(t, capped, 2500*time.Millisecond)
		require.LessOrEqual(t, capped, 5*time.Second)
	}
}
