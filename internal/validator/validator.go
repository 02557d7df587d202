package validator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hetulpatel/distributor/internal/models"
)

const defaultTTL = 5 * time.Minute

// MarketStatus answers whether an exchange is currently usable. Backed
// by the exchange integration layer; treated as an external collaborator.
type MarketStatus interface {
	// Tradable reports whether orders could currently execute on the exchange.
	Tradable(exchange string) bool
	// LiveMarketData reports whether live read-only market data is flowing.
	LiveMarketData(exchange string) bool
}

// Config holds validation thresholds.
type Config struct {
	// ProfitThreshold is the minimum rate difference worth distributing.
	ProfitThreshold float64
}

// Validator normalizes and validates raw opportunity candidates.
// Failures are dropped and logged by callers, never shown to recipients.
type Validator struct {
	status MarketStatus
	cfg    Config
}

// New creates a validator.
func New(status MarketStatus, cfg Config) (*Validator, error) {
	if status == nil {
		return nil, fmt.Errorf("validator: market status source is required")
	}
	return &Validator{status: status, cfg: cfg}, nil
}

// Validate checks a candidate and returns the immutable opportunity.
// All rejections wrap models.ErrValidation.
func (v *Validator) Validate(candidate models.Candidate, now time.Time) (*models.Opportunity, error) {
	if candidate.Pair == "" {
		return nil, fmt.Errorf("%w: missing pair", models.ErrValidation)
	}

	switch candidate.Kind {
	case models.KindArbitrage:
		if err := v.checkArbitrageLegs(candidate.Legs); err != nil {
			return nil, err
		}
	case models.KindTechnical:
		if len(candidate.Legs) != 1 {
			return nil, fmt.Errorf("%w: technical candidate must have exactly one leg, got %d", models.ErrValidation, len(candidate.Legs))
		}
		if !v.status.Tradable(candidate.Legs[0].Exchange) {
			return nil, fmt.Errorf("%w: exchange %s not currently tradable", models.ErrValidation, candidate.Legs[0].Exchange)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", models.ErrValidation, candidate.Kind)
	}

	for _, leg := range candidate.Legs {
		if !v.status.LiveMarketData(leg.Exchange) {
			return nil, fmt.Errorf("%w: no live market data for %s", models.ErrValidation, leg.Exchange)
		}
	}

	if candidate.RateDiff < v.cfg.ProfitThreshold {
		return nil, fmt.Errorf("%w: rate difference %.6f below threshold %.6f", models.ErrValidation, candidate.RateDiff, v.cfg.ProfitThreshold)
	}

	detected := candidate.DetectedAt
	if detected.IsZero() {
		detected = now
	}
	ttl := candidate.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	opp := &models.Opportunity{
		ID:         uuid.NewString(),
		Kind:       candidate.Kind,
		Pair:       candidate.Pair,
		Legs:       append([]models.Leg(nil), candidate.Legs...),
		RateDiff:   candidate.RateDiff,
		Confidence: clamp01(candidate.Confidence),
		DetectedAt: detected.UTC(),
		ExpiresAt:  detected.Add(ttl).UTC(),
		Source:     normalizeSource(candidate.Source),
		Method:     normalizeMethod(candidate.Method),
	}
	if opp.IsExpired(now) {
		return nil, fmt.Errorf("%w: candidate already expired", models.ErrValidation)
	}
	return opp, nil
}

func (v *Validator) checkArbitrageLegs(legs []models.Leg) error {
	if len(legs) != 2 {
		return fmt.Errorf("%w: arbitrage candidate must have exactly two legs, got %d", models.ErrValidation, len(legs))
	}
	if legs[0].Exchange == legs[1].Exchange {
		return fmt.Errorf("%w: arbitrage legs must reference distinct exchanges", models.ErrValidation)
	}
	if legs[0].Side == legs[1].Side {
		return fmt.Errorf("%w: arbitrage legs must have opposing sides", models.ErrValidation)
	}
	for _, leg := range legs {
		if leg.Side != models.SideLong && leg.Side != models.SideShort {
			return fmt.Errorf("%w: unknown side %q", models.ErrValidation, leg.Side)
		}
		if !v.status.Tradable(leg.Exchange) {
			return fmt.Errorf("%w: exchange %s not currently tradable", models.ErrValidation, leg.Exchange)
		}
	}
	return nil
}

// Source and method tags feed analytics attribution downstream, so
// unknown values collapse to the conservative defaults.
func normalizeSource(s models.Source) models.Source {
	switch s {
	case models.SourcePersonal, models.SourceGroup:
		return s
	default:
		return models.SourceGlobal
	}
}

func normalizeMethod(m models.GenerationMethod) models.GenerationMethod {
	switch m {
	case models.MethodAIEnhanced, models.MethodAIGenerated, models.MethodHybrid:
		return m
	default:
		return models.MethodSystemGenerated
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
