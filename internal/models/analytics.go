package models

import "time"

// DistributionOutcome labels how a delivery attempt ended.
type DistributionOutcome string

const (
	OutcomeDelivered          DistributionOutcome = "delivered"
	OutcomeFailedTerminal     DistributionOutcome = "failed_terminal"
	OutcomeCancelled          DistributionOutcome = "cancelled"
	OutcomeCancelledAfterSend DistributionOutcome = "cancelled_after_send"
)

// DistributionRecord is an append-only, best-effort analytics event.
type DistributionRecord struct {
	OpportunityID   string              `json:"opportunity_id"`
	UserID          string              `json:"user_id"`
	Outcome         DistributionOutcome `json:"outcome"`
	Attempts        int                 `json:"attempts"`
	DeliveredAt     time.Time           `json:"delivered_at"`
	OpenedAt        *time.Time          `json:"opened_at,omitempty"`
	EngagementScore float64             `json:"engagement_score,omitempty"`
	Method          GenerationMethod    `json:"method,omitempty"`
	Source          Source              `json:"source,omitempty"`
	Error           string              `json:"error,omitempty"`
}
