package models

import (
	"time"
)

// Kind identifies the shape of an opportunity.
type Kind string

const (
	KindArbitrage Kind = "arbitrage"
	KindTechnical Kind = "technical"
)

// Source identifies where an opportunity came from.
type Source string

const (
	SourceGlobal   Source = "global"
	SourcePersonal Source = "personal"
	SourceGroup    Source = "group"
)

// GenerationMethod records how an opportunity was produced, used for
// analytics attribution and RBAC feature gating.
type GenerationMethod string

const (
	MethodSystemGenerated GenerationMethod = "system_generated"
	MethodAIEnhanced      GenerationMethod = "ai_enhanced"
	MethodAIGenerated     GenerationMethod = "ai_generated"
	MethodHybrid          GenerationMethod = "hybrid"
)

// Side is the direction of a single leg.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Leg is one exchange position inside an opportunity. Arbitrage
// opportunities carry exactly two legs on distinct exchanges with
// opposing sides; technical opportunities carry exactly one.
type Leg struct {
	Exchange string  `json:"exchange"`
	Side     Side    `json:"side"`
	Rate     float64 `json:"rate"`
}

// Opportunity is a validated, distributable trading opportunity.
// Immutable after validation except for the expired flag.
type Opportunity struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Pair       string           `json:"pair"`
	Legs       []Leg            `json:"legs"`
	RateDiff   float64          `json:"rate_diff"`
	Confidence float64          `json:"confidence"`
	DetectedAt time.Time        `json:"detected_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Source     Source           `json:"source"`
	Method     GenerationMethod `json:"method"`
	Expired    bool             `json:"expired,omitempty"`
}

// Category maps the opportunity kind onto its quota category.
func (o *Opportunity) Category() QuotaCategory {
	if o.Kind == KindTechnical {
		return CategoryTechnical
	}
	return CategoryArbitrage
}

// IsExpired reports whether the opportunity is past its validity window.
func (o *Opportunity) IsExpired(now time.Time) bool {
	return o.Expired || !now.Before(o.ExpiresAt)
}

// Exchanges returns the distinct exchanges referenced by the legs,
// preserving leg order.
func (o *Opportunity) Exchanges() []string {
	seen := make(map[string]bool, len(o.Legs))
	out := make([]string, 0, len(o.Legs))
	for _, leg := range o.Legs {
		if !seen[leg.Exchange] {
			seen[leg.Exchange] = true
			out = append(out, leg.Exchange)
		}
	}
	return out
}

// Candidate is a raw, untrusted opportunity proposal from the exchange
// integration layer. It becomes an Opportunity only after validation.
type Candidate struct {
	Pair       string           `json:"pair"`
	Kind       Kind             `json:"kind"`
	Legs       []Leg            `json:"legs"`
	RateDiff   float64          `json:"rate_diff"`
	Confidence float64          `json:"confidence"`
	DetectedAt time.Time        `json:"detected_at"`
	TTL        time.Duration    `json:"ttl"`
	Source     Source           `json:"source"`
	Method     GenerationMethod `json:"method"`
}
