package cost

import (
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/pkg/anthropic"
)

// ModelRate is per-million-token pricing for one model.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Ledger converts token usage into dollars.
type Ledger struct {
	rates map[string]ModelRate
}

// NewLedger creates a Ledger. Nil rates use DefaultModelRates.
func NewLedger(rates map[string]ModelRate) *Ledger {
	if rates == nil {
		rates = DefaultModelRates()
	}
	return &Ledger{rates: rates}
}

// USD returns the dollar cost of a Messages call. Unknown models cost 0.
func (l *Ledger) USD(modelName string, u anthropic.TokenUsage) float64 {
	rate, ok := l.rates[modelName]
	if !ok {
		return 0
	}
	perTok := func(n int64, price float64) float64 { return float64(n) / 1e6 * price }
	return perTok(u.InputTokens, rate.Input) +
		perTok(u.OutputTokens, rate.Output) +
		perTok(u.CacheCreationInputTokens, rate.Input*rate.CacheWriteMul) +
		perTok(u.CacheReadInputTokens, rate.Input*rate.CacheReadMul)
}

// DefaultModelRates returns list prices for the models batchd uses.
func DefaultModelRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}
}

// Log records a call's token usage and dollar cost.
func (l *Ledger) Log(modelName, op string, u anthropic.TokenUsage) {
	zap.L().Info("cost: llm usage",
		zap.String("model", modelName),
		zap.String("operation", op),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("cost_usd", l.USD(modelName, u)),
	)
}
