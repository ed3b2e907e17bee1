package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/resilience"
)

func newTestLedger(t *testing.T, h http.HandlerFunc) Ledger {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewClient("ledger-key",
		WithBaseURL(ts.URL),
		WithBackoff(resilience.Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}),
	)
}

func TestRefund_SendsIdempotencyKey(t *testing.T) {
	var got entry
	l := newTestLedger(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ledger/refund", r.URL.Path)
		assert.Equal(t, "Bearer ledger-key", r.Header.Get("Authorization"))
		assert.Equal(t, "run-key:refund", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	err := l.Refund(context.Background(), "acct-1", 7, "run-key", map[string]string{"batchRunId": "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, 7, got.Amount)
	assert.Equal(t, "run-1", got.Metadata["batchRunId"])
}

func TestLedger_ZeroAmountIsNoop(t *testing.T) {
	var calls atomic.Int32
	l := newTestLedger(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	require.NoError(t, l.Refund(context.Background(), "acct-1", 0, "k", nil))
	require.NoError(t, l.Debit(context.Background(), "acct-1", -3, "k"))
	assert.Equal(t, int32(0), calls.Load())
}

func TestLedger_ConflictIsSuccess(t *testing.T) {
	l := newTestLedger(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	assert.NoError(t, l.Refund(context.Background(), "acct-1", 5, "k", nil))
}

func TestReserve_InsufficientCredits(t *testing.T) {
	l := newTestLedger(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ledger/reserve", r.URL.Path)
		assert.Equal(t, "k:reserve", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusPaymentRequired)
	})
	err := l.Reserve(context.Background(), "acct-1", 500, "k")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestLedger_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	l := newTestLedger(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, l.Debit(context.Background(), "acct-1", 3, "k"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestLedger_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	l := newTestLedger(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad account"}`)) //nolint:errcheck
	})
	err := l.Debit(context.Background(), "acct-1", 3, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad account")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLedger_RequiresKey(t *testing.T) {
	l := NewClient("x")
	err := l.Refund(context.Background(), "acct-1", 5, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idempotency key")
}
