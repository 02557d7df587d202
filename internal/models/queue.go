package models

import "time"

// EntryStatus is the delivery state of a queue entry. Terminal states
// (Sent, FailedTerminal, Cancelled) are final and never reused.
type EntryStatus string

const (
	StatusPending         EntryStatus = "pending"
	StatusSending         EntryStatus = "sending"
	StatusSent            EntryStatus = "sent"
	StatusFailedRetryable EntryStatus = "failed_retryable"
	StatusFailedTerminal  EntryStatus = "failed_terminal"
	StatusCancelled       EntryStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s EntryStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailedTerminal || s == StatusCancelled
}

// QueueEntry is one scheduled delivery of an opportunity to a recipient.
// Created once per (opportunity, user); Priority is a rank where lower
// values are delivered first.
type QueueEntry struct {
	ID            string      `json:"id"`
	OpportunityID string      `json:"opportunity_id"`
	UserID        string      `json:"user_id"`
	Priority      float64     `json:"priority"`
	ScheduledAt   time.Time   `json:"scheduled_at"`
	BatchKey      string      `json:"batch_key,omitempty"`
	Status        EntryStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
}

// QuotaCategory buckets quota consumption per opportunity class.
type QuotaCategory string

const (
	CategoryArbitrage QuotaCategory = "arbitrage"
	CategoryTechnical QuotaCategory = "technical"
)

// QuotaCounter is the durable per-(user, category, day) usage record.
// Created lazily, never shared across users.
type QuotaCounter struct {
	UserID   string        `json:"user_id"`
	Category QuotaCategory `json:"category"`
	Day      string        `json:"day"`
	Used     int           `json:"used"`
}
