package serp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/resilience"
)

func TestRank(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rank", r.URL.Path)
		assert.Equal(t, "Bearer serp-key", r.Header.Get("Authorization"))

		var req RankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, RankRequest{Keyword: "emergency plumber", Domain: "acme.com", Location: "Austin, TX"}, req)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"position":3,"url":"https://acme.com/plumbing"}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient("serp-key", WithBaseURL(ts.URL), WithRateLimit(0))
	resp, err := c.Rank(context.Background(), RankRequest{Keyword: "emergency plumber", Domain: "acme.com", Location: "Austin, TX"})
	require.NoError(t, err)
	require.NotNil(t, resp.Position)
	assert.Equal(t, 3, *resp.Position)
	assert.Equal(t, "https://acme.com/plumbing", resp.URL)
}

func TestRank_NotRanked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"position":null,"url":""}`)) //nolint:errcheck
	}))
	defer ts.Close()

	resp, err := NewClient("k", WithBaseURL(ts.URL)).Rank(context.Background(), RankRequest{Keyword: "x", Domain: "y.com"})
	require.NoError(t, err)
	assert.Nil(t, resp.Position)
}

func TestRank_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			_, err := NewClient("k", WithBaseURL(ts.URL)).Rank(context.Background(), RankRequest{Keyword: "x", Domain: "y.com"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestRank_CancelledWhileRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient("k", WithRateLimit(1)).Rank(ctx, RankRequest{Keyword: "x", Domain: "y.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}
