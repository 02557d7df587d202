package ranker

import (
	"math"

	"github.com/hetulpatel/distributor/internal/models"
)

// Fallback computes a deterministic 0-100 score from rate difference,
// estimated risk, and liquidity heuristics. It needs no I/O, so every
// opportunity gets a usable priority signal even with the AI scorer
// down.
type Fallback struct {
	// RateDiffScale maps a rate difference onto the 0-1 range; a diff
	// at or above the scale saturates.
	RateDiffScale float64
}

// NewFallback builds the deterministic scorer.
func NewFallback(rateDiffScale float64) *Fallback {
	if rateDiffScale <= 0 {
		rateDiffScale = 0.02
	}
	return &Fallback{RateDiffScale: rateDiffScale}
}

// FallbackScore is reproducible for identical inputs.
func (f *Fallback) FallbackScore(opp *models.Opportunity) float64 {
	if opp == nil {
		return 0
	}
	profit := math.Min(opp.RateDiff/f.RateDiffScale, 1)
	risk := estimateRisk(opp)
	liquidity := estimateLiquidity(opp)

	score := 100 * (0.5*profit + 0.3*(1-risk) + 0.2*liquidity)
	return math.Max(0, math.Min(100, score))
}

// estimateRisk is a coarse heuristic: two-leg arbitrage carries
// execution risk on both venues; AI-generated signals without system
// corroboration are treated as riskier.
func estimateRisk(opp *models.Opportunity) float64 {
	risk := 0.2
	if opp.Kind == models.KindArbitrage {
		risk += 0.1 * float64(len(opp.Legs))
	}
	if opp.Method == models.MethodAIGenerated {
		risk += 0.2
	}
	return math.Min(risk, 1)
}

// estimateLiquidity leans on detector confidence as a proxy; thin books
// produce low-confidence candidates upstream.
func estimateLiquidity(opp *models.Opportunity) float64 {
	return math.Max(0, math.Min(opp.Confidence, 1))
}
