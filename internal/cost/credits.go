// Package cost prices batch work: credits charged to tenants per unit of
// work, and the USD spend of the LLM calls behind it.
package cost

import (
	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/model"
)

// Pricing maps job types to their credit price per unit.
type Pricing struct {
	perUnit map[model.JobType]int
}

// NewPricing reads unit prices from the credits config section. A zero or
// negative price is treated as free.
func NewPricing(cfg config.CreditsConfig) *Pricing {
	return &Pricing{perUnit: map[model.JobType]int{
		model.JobTypeRank:     max(cfg.Rank, 0),
		model.JobTypeLLM:      max(cfg.LLM, 0),
		model.JobTypeConcept:  max(cfg.Concept, 0),
		model.JobTypeAnalysis: max(cfg.Analysis, 0),
	}}
}

// UnitCost is the credit price of one unit of the job type.
func (p *Pricing) UnitCost(jobType model.JobType) int {
	return p.perUnit[jobType]
}

// Estimate is the credits reserved up front for a run of n units.
func (p *Pricing) Estimate(jobType model.JobType, units int) int {
	if units <= 0 {
		return 0
	}
	return p.UnitCost(jobType) * units
}
