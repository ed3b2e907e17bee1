package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/config"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", Transient(errors.New("503"), 503), true},
		{"wrapped explicit", eris.Wrap(Transient(errors.New("429"), 429), "serp: rank"), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"message heuristic", errors.New("Post https://x: EOF: unexpected EOF"), true},
		{"permanent", errors.New("400 bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransient_NilAndUnwrap(t *testing.T) {
	assert.NoError(t, Transient(nil, 500))

	base := errors.New("boom")
	err := Transient(base, 502)
	assert.ErrorIs(t, err, base)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 502, te.StatusCode)
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 402, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	var retried []int
	b := fastBackoff(3)
	b.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	v, err := Retry(context.Background(), b, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("busy"), 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBackoff(5), func(context.Context) error {
		calls++
		return errors.New("invalid prompt")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBackoff(3), func(context.Context) error {
		calls++
		return Transient(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_CustomRetryable(t *testing.T) {
	calls := 0
	b := fastBackoff(4)
	b.Retryable = func(error) bool { return true }
	_ = Do(context.Background(), b, func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.Equal(t, 4, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	b := Backoff{Attempts: 5, Initial: time.Hour, Max: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, b, func(context.Context) error {
		calls++
		return Transient(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(config.RetryConfig{})
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, 500*time.Millisecond, b.Initial)
	assert.Equal(t, 10*time.Second, b.Max)
	assert.Equal(t, 2.0, b.Factor)

	b = NewBackoff(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 300, Multiplier: 3})
	assert.Equal(t, 100*time.Millisecond, b.delay(0))
	assert.Equal(t, 300*time.Millisecond, b.delay(1))
	assert.Equal(t, 300*time.Millisecond, b.delay(4))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.25}.withDefaults()
	for i := 0; i < 100; i++ {
		d := b.delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func newTestBreaker(threshold int) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test", config.CircuitConfig{FailureThreshold: threshold, ResetTimeoutSecs: 30})
	b.now = func() time.Time { return now }
	return b, &now
}

func failTransient(context.Context) (int, error) { return 0, Transient(errors.New("503"), 503) }
func succeed(context.Context) (int, error)       { return 1, nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	_, _ = Call(ctx, b, failTransient)
	assert.Equal(t, Closed, b.State())
	_, _ = Call(ctx, b, failTransient)
	assert.Equal(t, Open, b.State())

	called := false
	_, err := Call(ctx, b, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1)
	_, _ = Call(context.Background(), b, func(context.Context) (int, error) {
		return 0, errors.New("400 bad request")
	})
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	_, _ = Call(ctx, b, failTransient)
	require.Equal(t, Open, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	v, err := Call(ctx, b, succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	_, _ = Call(ctx, b, failTransient)
	*now = now.Add(31 * time.Second)
	_, _ = Call(ctx, b, failTransient)
	assert.Equal(t, Open, b.State())

	_, err := Call(ctx, b, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
