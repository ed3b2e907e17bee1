package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/resilience"
	"github.com/reviewpilot/batchd/pkg/anthropic"
	"github.com/reviewpilot/batchd/pkg/anthropic/mocks"
)

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Blocks: []string{text},
		Usage:  anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *mocks.MockClient) {
	t.Helper()
	client := mocks.NewMockClient(t)
	a := New(client, Options{
		Model:   "claude-haiku-4-5-20251001",
		Backoff: resilience.Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
		Breaker: resilience.NewBreaker("test", config.CircuitConfig{FailureThreshold: 10}),
	})
	return a, client
}

func TestAnalyzeDomain(t *testing.T) {
	a, client := newTestAnalyzer(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.System == domainSystem && req.Cache &&
			len(req.Messages) == 1 && req.Messages[0].Role == "user"
	})).Return(reply("```json\n{\"category\":\"Plumbing\",\"summary\":\"Local plumber\",\"confidence\":0.9}\n```"), nil).Once()

	r, raw, err := a.AnalyzeDomain(context.Background(), "acme.com", "Acme Plumbing", json.RawMessage(`{"city":"Austin"}`))
	require.NoError(t, err)
	assert.Equal(t, "plumbing", r.Category)
	assert.Equal(t, 0.9, r.Confidence)

	var decoded DomainResult
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, r, decoded)
}

func TestAnalyzeDomain_GarbageFallsBack(t *testing.T) {
	a, client := newTestAnalyzer(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("I could not find that site."), nil).Once()

	r, raw, err := a.AnalyzeDomain(context.Background(), "acme.com", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", r.Category)
	assert.NotEmpty(t, raw)
}

func TestAnalyzeCompetitor_Defaults(t *testing.T) {
	a, client := newTestAnalyzer(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.System == competitorSystem
	})).Return(reply(`{"summary":"Bigger chain","threatLevel":"extreme"}`), nil).Once()

	r, _, err := a.AnalyzeCompetitor(context.Background(), "rival.com", "Rival", nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", r.Category)
	assert.Equal(t, "medium", r.ThreatLevel)
	assert.Equal(t, "Bigger chain", r.Summary)
}

func TestProbe(t *testing.T) {
	a, client := newTestAnalyzer(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`Sure. {"mentioned": true, "confidence": 1.4, "evidence": "Acme is listed"}`), nil).Once()

	r, err := a.Probe(context.Background(), "emergency plumbing", "Acme", "acme.com", "Who fixes burst pipes at night?")
	require.NoError(t, err)
	assert.True(t, r.Mentioned)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestComplete_RetriesTransient(t *testing.T) {
	a, client := newTestAnalyzer(t)
	// No status code on a plain error, so this only retries via the
	// transport heuristics.
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("read: connection reset by peer")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(`{"mentioned":false}`), nil).Once()

	r, err := a.Probe(context.Background(), "c", "b", "d", "q")
	require.NoError(t, err)
	assert.False(t, r.Mentioned)
}

func TestComplete_PermanentErrorNotRetried(t *testing.T) {
	a, client := newTestAnalyzer(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid request")).Once()

	_, _, err := a.AnalyzeDomain(context.Background(), "acme.com", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyze: analyze_domain")
}

func TestComplete_BreakerOpen(t *testing.T) {
	client := mocks.NewMockClient(t)
	a := New(client, Options{
		Backoff: resilience.Backoff{Attempts: 1},
		Breaker: resilience.NewBreaker("test", config.CircuitConfig{FailureThreshold: 1, ResetTimeoutSecs: 60}),
	})
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("i/o timeout")).Once()

	_, err := a.Probe(context.Background(), "c", "b", "d", "q")
	require.Error(t, err)

	_, err = a.Probe(context.Background(), "c", "b", "d", "q")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestParseDomain(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		category string
		ok       bool
	}{
		{"plain", `{"category":"Dental"}`, "dental", true},
		{"fenced", "```json\n{\"category\":\"hvac\"}\n```", "hvac", true},
		{"prose around", "Here you go: {\"category\":\"roofing\"} hope that helps", "roofing", true},
		{"empty category", `{"summary":"x"}`, "unknown", true},
		{"not json", "no idea", "unknown", false},
		{"truncated", `{"category":"dent`, "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := ParseDomain(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.category, r.Category)
		})
	}
}

func TestParseCompetitor(t *testing.T) {
	r, ok := ParseCompetitor(`{"category":"HVAC","threatLevel":"HIGH","strengths":["price"]}`)
	assert.True(t, ok)
	assert.Equal(t, "hvac", r.Category)
	assert.Equal(t, "high", r.ThreatLevel)
	assert.Equal(t, []string{"price"}, r.Strengths)

	r, ok = ParseCompetitor("garbage")
	assert.False(t, ok)
	assert.Equal(t, "unknown", r.Category)
	assert.Equal(t, "medium", r.ThreatLevel)
}

func TestParseProbe(t *testing.T) {
	r, ok := ParseProbe(`{"mentioned":true,"confidence":-2}`)
	assert.True(t, ok)
	assert.True(t, r.Mentioned)
	assert.Equal(t, 0.0, r.Confidence)

	r, ok = ParseProbe(`{"mentioned":"yes"}`)
	assert.False(t, ok)
	assert.Equal(t, ProbeResult{}, r)
}
