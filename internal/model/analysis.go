package model

import (
	"encoding/json"
	"time"
)

// Defaults applied when an analysis response cannot be parsed.
const (
	UnknownCategory    = "unknown"
	DefaultThreatLevel = "medium"
)

// DomainAnalysis is the global cache entry for an analyzed domain.
// Any tenant's run may reuse it.
type DomainAnalysis struct {
	Domain     string          `json:"domain"`
	Result     json.RawMessage `json:"result"`
	AnalyzedAt time.Time       `json:"analyzedAt"`
}

// CompetitorAnalysis is the per-account cache entry for a competitor.
type CompetitorAnalysis struct {
	AccountID     string          `json:"accountId"`
	CompetitorKey string          `json:"competitorKey"`
	Result        json.RawMessage `json:"result"`
	AnalyzedAt    time.Time       `json:"analyzedAt"`
}
