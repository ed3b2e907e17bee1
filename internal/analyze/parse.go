package analyze

import (
	"encoding/json"
	"strings"

	"github.com/reviewpilot/batchd/internal/model"
)

// DomainResult classifies a business website.
type DomainResult struct {
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Services   []string `json:"services"`
	Audience   string   `json:"audience"`
	Confidence float64  `json:"confidence"`
}

// CompetitorResult sizes up a competitor relative to the account.
type CompetitorResult struct {
	Category    string   `json:"category"`
	ThreatLevel string   `json:"threatLevel"`
	Strengths   []string `json:"strengths"`
	Weaknesses  []string `json:"weaknesses"`
	Summary     string   `json:"summary"`
}

// ProbeResult is the model's answer to one concept probe.
type ProbeResult struct {
	Mentioned  bool    `json:"mentioned"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// cleanJSON pulls the first JSON object out of a model reply, dropping
// markdown fences and any prose around it. It returns "" if there is none.
func cleanJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// ParseDomain decodes a domain classification. Malformed output yields a
// result with the unknown category instead of an error.
func ParseDomain(text string) (DomainResult, bool) {
	var r DomainResult
	ok := json.Unmarshal([]byte(cleanJSON(text)), &r) == nil
	r.Category = strings.ToLower(strings.TrimSpace(r.Category))
	if r.Category == "" {
		r.Category = model.UnknownCategory
	}
	r.Confidence = clamp01(r.Confidence)
	return r, ok
}

var threatLevels = map[string]bool{"low": true, "medium": true, "high": true}

// ParseCompetitor decodes a competitor assessment, defaulting to the unknown
// category and medium threat.
func ParseCompetitor(text string) (CompetitorResult, bool) {
	var r CompetitorResult
	ok := json.Unmarshal([]byte(cleanJSON(text)), &r) == nil
	r.Category = strings.ToLower(strings.TrimSpace(r.Category))
	if r.Category == "" {
		r.Category = model.UnknownCategory
	}
	r.ThreatLevel = strings.ToLower(strings.TrimSpace(r.ThreatLevel))
	if !threatLevels[r.ThreatLevel] {
		r.ThreatLevel = model.DefaultThreatLevel
	}
	return r, ok
}

// ParseProbe decodes a concept probe answer. Malformed output counts as not
// mentioned with zero confidence.
func ParseProbe(text string) (ProbeResult, bool) {
	var r ProbeResult
	if err := json.Unmarshal([]byte(cleanJSON(text)), &r); err != nil {
		return ProbeResult{}, false
	}
	r.Confidence = clamp01(r.Confidence)
	return r, true
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
