package batch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/analyze"
	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/cost"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
	"github.com/reviewpilot/batchd/pkg/perplexity"
	"github.com/reviewpilot/batchd/pkg/serp"
)

// --- SERP Mock ---

type mockSERP struct {
	mock.Mock
}

func (m *mockSERP) Rank(ctx context.Context, req serp.RankRequest) (*serp.RankResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*serp.RankResponse), args.Error(1)
}

func keyword(kw string) interface{} {
	return mock.MatchedBy(func(req serp.RankRequest) bool { return req.Keyword == kw })
}

// --- Perplexity Mock ---

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Ask(ctx context.Context, question string) (*perplexity.Answer, error) {
	args := m.Called(ctx, question)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perplexity.Answer), args.Error(1)
}

// --- Prober Mock ---

type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context, concept, brand, domain, probe string) (analyze.ProbeResult, error) {
	args := m.Called(ctx, concept, brand, domain, probe)
	return args.Get(0).(analyze.ProbeResult), args.Error(1)
}

// --- Analyzer Mock ---

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) AnalyzeDomain(ctx context.Context, domain, displayName string, metadata json.RawMessage) (analyze.DomainResult, json.RawMessage, error) {
	args := m.Called(ctx, domain, displayName, metadata)
	raw, _ := args.Get(1).(json.RawMessage)
	return args.Get(0).(analyze.DomainResult), raw, args.Error(2)
}

func (m *mockAnalyzer) AnalyzeCompetitor(ctx context.Context, competitor, displayName string, metadata json.RawMessage) (analyze.CompetitorResult, json.RawMessage, error) {
	args := m.Called(ctx, competitor, displayName, metadata)
	raw, _ := args.Get(1).(json.RawMessage)
	return args.Get(0).(analyze.CompetitorResult), raw, args.Error(2)
}

// --- Ledger Mock ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Reserve(ctx context.Context, accountID string, amount int, key string) error {
	return m.Called(ctx, accountID, amount, key).Error(0)
}

func (m *mockLedger) Debit(ctx context.Context, accountID string, amount int, key string) error {
	return m.Called(ctx, accountID, amount, key).Error(0)
}

func (m *mockLedger) Refund(ctx context.Context, accountID string, amount int, key string, metadata map[string]string) error {
	return m.Called(ctx, accountID, amount, key, metadata).Error(0)
}

// newLedger returns a ledger that accepts every call.
func newLedger(t *testing.T) *mockLedger {
	l := &mockLedger{}
	l.Test(t)
	l.On("Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	l.On("Debit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	l.On("Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return l
}

// failingCreateStore fails every CreateBatchRun.
type failingCreateStore struct {
	store.Store
	err error
}

func (s failingCreateStore) CreateBatchRun(context.Context, store.NewBatchRun) (*model.BatchRun, error) {
	return nil, s.err
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testPricing() *cost.Pricing {
	return cost.NewPricing(config.CreditsConfig{Rank: 1, LLM: 2, Concept: 2, Analysis: 5})
}
