package models

import "time"

// AccessLevel is the subscription tier controlling opportunity volume
// and AI-feature availability.
type AccessLevel string

const (
	FreeWithoutAPI      AccessLevel = "free_without_api"
	FreeWithAPI         AccessLevel = "free_with_api"
	SubscriptionWithAPI AccessLevel = "subscription_with_api"
)

// TierPriority orders tiers for scheduling. Lower values are served sooner.
func (l AccessLevel) TierPriority() int {
	switch l {
	case SubscriptionWithAPI:
		return 0
	case FreeWithAPI:
		return 1
	default:
		return 2
	}
}

// HasAPIAccess reports whether the tier may use configured exchange
// credentials at all.
func (l AccessLevel) HasAPIAccess() bool {
	return l == FreeWithAPI || l == SubscriptionWithAPI
}

// Permission is a discrete RBAC capability flag.
type Permission string

const (
	PermViewOpportunities Permission = "view_opportunities"
	PermAIEnhanced        Permission = "ai_enhanced_opportunities"
	PermTradeAdjacent     Permission = "trade_execution_adjacent"
	PermAdvancedAnalytics Permission = "advanced_analytics"
)

// ExchangeCredential is a user-supplied API key descriptor. The directory
// marks each key read-only or trading-capable and whether it validated.
type ExchangeCredential struct {
	Exchange  string `json:"exchange"`
	ReadOnly  bool   `json:"read_only"`
	Validated bool   `json:"validated"`
}

// GroupContext distinguishes individual chats from group/channel chats.
// Group contexts get the configured cap multiplier applied to free-tier
// numeric quota limits.
type GroupContext struct {
	IsGroup bool   `json:"is_group"`
	GroupID string `json:"group_id,omitempty"`
}

// UserAccessProfile is the per-user entitlement record supplied by the
// external directory. Consumed read-only.
type UserAccessProfile struct {
	UserID      string               `json:"user_id"`
	Level       AccessLevel          `json:"level"`
	Permissions []Permission         `json:"permissions"`
	Credentials []ExchangeCredential `json:"credentials"`
	Group       GroupContext         `json:"group"`
	Timezone    string               `json:"timezone"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Has reports whether the profile carries a permission.
func (p *UserAccessProfile) Has(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// CredentialFor returns the credential configured for an exchange.
func (p *UserAccessProfile) CredentialFor(exchange string) (ExchangeCredential, bool) {
	for _, c := range p.Credentials {
		if c.Exchange == exchange {
			return c, true
		}
	}
	return ExchangeCredential{}, false
}

// Location resolves the profile timezone, defaulting to UTC.
func (p *UserAccessProfile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
