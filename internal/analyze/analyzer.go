// Package analyze runs the LLM-backed checks behind analysis and concept
// runs. Malformed replies fall back to defaults; only API failures are errors.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/cost"
	"github.com/reviewpilot/batchd/internal/resilience"
	"github.com/reviewpilot/batchd/pkg/anthropic"
)

const (
	domainSystem = `You classify small-business websites. Reply with one JSON object and nothing else:
{"category": string, "summary": string, "services": [string], "audience": string, "confidence": number 0-1}`

	competitorSystem = `You compare a business with one of its competitors. Reply with one JSON object and nothing else:
{"category": string, "threatLevel": "low"|"medium"|"high", "strengths": [string], "weaknesses": [string], "summary": string}`

	probeSystem = `You answer questions about businesses as a well-informed assistant would, then report whether a given brand
came up. Reply with one JSON object and nothing else: {"mentioned": boolean, "confidence": number 0-1, "evidence": string}`
)

// Analyzer calls the model for domain, competitor and concept checks.
type Analyzer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	backoff   resilience.Backoff
	breaker   *resilience.Breaker
	costs     *cost.Ledger
}

// Options tunes an Analyzer. Zero values pick defaults.
type Options struct {
	Model             string
	MaxTokens         int64
	RequestsPerSecond float64
	Backoff           resilience.Backoff
	Breaker           *resilience.Breaker
	Costs             *cost.Ledger
}

// New creates an Analyzer.
func New(client anthropic.Client, opts Options) *Analyzer {
	a := &Analyzer{
		client:    client,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		backoff:   opts.Backoff,
		breaker:   opts.Breaker,
		costs:     opts.Costs,
	}
	if a.model == "" {
		a.model = "claude-haiku-4-5-20251001"
	}
	if a.maxTokens <= 0 {
		a.maxTokens = 1024
	}
	if opts.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if a.breaker == nil {
		a.breaker = resilience.NewBreaker("anthropic", config.CircuitConfig{})
	}
	if a.costs == nil {
		a.costs = cost.NewLedger(nil)
	}
	if a.backoff.OnRetry == nil {
		a.backoff.OnRetry = resilience.LogRetries("anthropic", "create_message")
	}
	return a
}

// AnalyzeDomain classifies a domain. The raw result is the normalized JSON
// stored in the domain cache.
func (a *Analyzer) AnalyzeDomain(ctx context.Context, domain, displayName string, metadata json.RawMessage) (DomainResult, json.RawMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Website: %s\n", domain)
	if displayName != "" && displayName != domain {
		fmt.Fprintf(&b, "Business name: %s\n", displayName)
	}
	writeContext(&b, metadata)

	text, err := a.complete(ctx, "analyze_domain", domainSystem, b.String())
	if err != nil {
		return DomainResult{}, nil, err
	}
	r, ok := ParseDomain(text)
	if !ok {
		zap.L().Warn("analyze: unparseable domain analysis, using defaults", zap.String("domain", domain))
	}
	raw, err := json.Marshal(r)
	return r, raw, eris.Wrap(err, "analyze: marshal domain result")
}

// AnalyzeCompetitor assesses a competitor of the account.
func (a *Analyzer) AnalyzeCompetitor(ctx context.Context, competitor, displayName string, metadata json.RawMessage) (CompetitorResult, json.RawMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Competitor: %s\n", competitor)
	if displayName != "" && displayName != competitor {
		fmt.Fprintf(&b, "Competitor name: %s\n", displayName)
	}
	writeContext(&b, metadata)

	text, err := a.complete(ctx, "analyze_competitor", competitorSystem, b.String())
	if err != nil {
		return CompetitorResult{}, nil, err
	}
	r, ok := ParseCompetitor(text)
	if !ok {
		zap.L().Warn("analyze: unparseable competitor analysis, using defaults", zap.String("competitor", competitor))
	}
	raw, err := json.Marshal(r)
	return r, raw, eris.Wrap(err, "analyze: marshal competitor result")
}

// Probe asks one concept probe and reports whether the brand came up.
func (a *Analyzer) Probe(ctx context.Context, concept, brand, domain, probe string) (ProbeResult, error) {
	user := fmt.Sprintf("Concept: %s\nBrand: %s\nBrand website: %s\nQuestion: %s", concept, brand, domain, probe)
	text, err := a.complete(ctx, "concept_probe", probeSystem, user)
	if err != nil {
		return ProbeResult{}, err
	}
	r, ok := ParseProbe(text)
	if !ok {
		zap.L().Warn("analyze: unparseable probe answer, counting as not mentioned", zap.String("probe", probe))
	}
	return r, nil
}

func writeContext(b *strings.Builder, metadata json.RawMessage) {
	if len(metadata) > 0 && string(metadata) != "null" {
		fmt.Fprintf(b, "Context: %s\n", metadata)
	}
}

// complete sends one request through the limiter, breaker and retry loop.
func (a *Analyzer) complete(ctx context.Context, op, system, user string) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "analyze: rate limit wait")
		}
	}

	resp, err := resilience.Retry(ctx, a.backoff, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Call(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     a.model,
				MaxTokens: a.maxTokens,
				System:    system,
				Cache:     true,
				Messages:  []anthropic.Message{{Role: "user", Content: user}},
			})
			if err != nil {
				if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
					return nil, resilience.Transient(err, code)
				}
				return nil, err
			}
			return resp, nil
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "analyze: %s", op)
	}

	a.costs.Log(a.model, op, resp.Usage)
	return resp.Text(), nil
}
