package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/hetulpatel/distributor/internal/config"
	"github.com/hetulpatel/distributor/internal/hashutil"
	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/models"
)

// QueueStore is the durable queue state machine the pipeline drives.
type QueueStore interface {
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]models.QueueEntry, error)
	RequeueStaleSending(ctx context.Context, cutoff time.Time) (int64, error)
	MarkSent(ctx context.Context, entryID string, at time.Time) error
	MarkRetry(ctx context.Context, entryID string, at, retryAt time.Time, cause string) error
	MarkTerminal(ctx context.Context, entryID string, at time.Time, cause string) error
	MarkCancelled(ctx context.Context, entryID, cause string) error
	Opportunity(ctx context.Context, id string) (*models.Opportunity, error)
}

// Recorder receives best-effort analytics events; it must never block
// delivery.
type Recorder interface {
	Record(ctx context.Context, record models.DistributionRecord)
}

// Outcome summarizes what happened to one entry in a processing pass.
type Outcome struct {
	EntryID       string
	OpportunityID string
	UserID        string
	Status        models.EntryStatus
	Err           error
}

// Pipeline dequeues entries, invokes the sender, and manages the
// retry/backoff state machine. Multiple instances coordinate only
// through the durable queue, never in-process state.
type Pipeline struct {
	store    QueueStore
	sender   Sender
	recorder Recorder
	cfg      config.DeliveryConfig
	now      func() time.Time
	jitter   func() float64
	log      *logging.Tagged
}

// New creates a pipeline. nowFn may be nil (uses time.Now).
func New(store QueueStore, sender Sender, recorder Recorder, cfg config.DeliveryConfig, nowFn func() time.Time) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("delivery: queue store is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("delivery: sender is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.StaleClaimTimeout <= 0 {
		cfg.StaleClaimTimeout = time.Minute
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Pipeline{
		store:    store,
		sender:   sender,
		recorder: recorder,
		cfg:      cfg,
		now:      nowFn,
		jitter:   rand.Float64,
		log:      logging.Component("delivery"),
	}, nil
}

// Run processes the queue until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessQueue(ctx, p.cfg.BatchSize); err != nil {
				p.log.Errorf("process queue: %v", err)
			}
		}
	}
}

// ProcessQueue claims up to batchSize due entries and drives each to
// its next state. Delivery is at-least-once; the idempotency key lets
// the sender dedupe replays after ambiguous timeouts.
func (p *Pipeline) ProcessQueue(ctx context.Context, batchSize int) ([]Outcome, error) {
	now := p.now()
	// A crash between claim and settlement orphans entries in sending.
	// Hand back any claim older than the timeout before dequeuing, so
	// they rejoin the pending pool this pass.
	if n, err := p.store.RequeueStaleSending(ctx, now.Add(-p.cfg.StaleClaimTimeout)); err != nil {
		p.log.Errorf("requeue stale sending: %v", err)
	} else if n > 0 {
		p.log.Infof("requeued %d stalled sending entries", n)
	}
	entries, err := p.store.DequeueBatch(ctx, batchSize, now)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, 0, len(entries))
	for _, group := range groupEntries(entries) {
		outcomes = append(outcomes, p.processGroup(ctx, group)...)
	}
	return outcomes, nil
}

// groupEntries merges batched entries (same user + batch key) into one
// send; everything else stays a singleton group.
func groupEntries(entries []models.QueueEntry) [][]models.QueueEntry {
	var (
		order   []string
		grouped = make(map[string][]models.QueueEntry)
	)
	for _, e := range entries {
		key := e.ID
		if e.BatchKey != "" {
			key = e.UserID + "|" + e.BatchKey
		}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], e)
	}
	out := make([][]models.QueueEntry, 0, len(order))
	for _, key := range order {
		group := grouped[key]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority < group[j].Priority
			}
			return group[i].ScheduledAt.Before(group[j].ScheduledAt)
		})
		out = append(out, group)
	}
	return out
}

func (p *Pipeline) processGroup(ctx context.Context, group []models.QueueEntry) []Outcome {
	now := p.now()
	live := make([]models.QueueEntry, 0, len(group))
	opps := make([]models.Opportunity, 0, len(group))
	outcomes := make([]Outcome, 0, len(group))

	for _, entry := range group {
		opp, err := p.store.Opportunity(ctx, entry.OpportunityID)
		if err != nil {
			// Settle as a retryable attempt rather than leaving the entry
			// claimed; backoff reschedules it for when the store recovers.
			p.log.Errorf("load opportunity %s: %v", entry.OpportunityID, err)
			outcomes = append(outcomes, p.settle(ctx, entry, nil, fmt.Errorf("%w: load opportunity: %v", models.ErrTransientDelivery, err)))
			continue
		}
		if opp == nil || opp.IsExpired(now) {
			outcomes = append(outcomes, p.cancel(ctx, entry, "opportunity expired"))
			continue
		}
		live = append(live, entry)
		opps = append(opps, *opp)
	}
	if len(live) == 0 {
		return outcomes
	}

	lead := live[0]
	payload := Payload{
		UserID:         lead.UserID,
		Channel:        ChannelChat,
		Opportunities:  opps,
		Priority:       lead.Priority,
		IdempotencyKey: batchIdempotencyKey(live),
		SentAt:         now,
	}

	err := p.sender.Send(ctx, payload)
	for i, entry := range live {
		outcomes = append(outcomes, p.settle(ctx, entry, &opps[i], err))
	}
	return outcomes
}

func (p *Pipeline) settle(ctx context.Context, entry models.QueueEntry, opp *models.Opportunity, sendErr error) Outcome {
	now := p.now()
	outcome := Outcome{EntryID: entry.ID, OpportunityID: entry.OpportunityID, UserID: entry.UserID, Err: sendErr}

	if sendErr == nil {
		if err := p.store.MarkSent(ctx, entry.ID, now); err != nil {
			p.log.Errorf("mark sent %s: %v", entry.ID, err)
		}
		outcome.Status = models.StatusSent
		result := models.OutcomeDelivered
		if opp.IsExpired(now) {
			// Expiry raced the send; the entry completed rather than
			// being aborted mid-flight, analytics records it as such.
			result = models.OutcomeCancelledAfterSend
		}
		p.record(ctx, entry, opp, result, entry.Attempts+1, "")
		return outcome
	}

	attempts := entry.Attempts + 1
	if errors.Is(sendErr, models.ErrTerminalDelivery) || attempts >= p.cfg.MaxAttempts {
		if err := p.store.MarkTerminal(ctx, entry.ID, now, sendErr.Error()); err != nil {
			p.log.Errorf("mark terminal %s: %v", entry.ID, err)
		}
		outcome.Status = models.StatusFailedTerminal
		// Terminal failures are recorded for alerting, never silently
		// dropped, and never retried against this user again.
		p.log.Errorf("delivery terminal for entry=%s user=%s after %d attempts: %v", entry.ID, entry.UserID, attempts, sendErr)
		p.record(ctx, entry, opp, models.OutcomeFailedTerminal, attempts, sendErr.Error())
		return outcome
	}

	retryAt := now.Add(p.backoff(attempts))
	if err := p.store.MarkRetry(ctx, entry.ID, now, retryAt, sendErr.Error()); err != nil {
		p.log.Errorf("mark retry %s: %v", entry.ID, err)
	}
	outcome.Status = models.StatusFailedRetryable
	return outcome
}

func (p *Pipeline) cancel(ctx context.Context, entry models.QueueEntry, cause string) Outcome {
	if err := p.store.MarkCancelled(ctx, entry.ID, cause); err != nil {
		p.log.Errorf("mark cancelled %s: %v", entry.ID, err)
	}
	p.record(ctx, entry, nil, models.OutcomeCancelled, entry.Attempts, cause)
	return Outcome{EntryID: entry.ID, OpportunityID: entry.OpportunityID, UserID: entry.UserID, Status: models.StatusCancelled}
}

func (p *Pipeline) record(ctx context.Context, entry models.QueueEntry, opp *models.Opportunity, result models.DistributionOutcome, attempts int, cause string) {
	if p.recorder == nil {
		return
	}
	record := models.DistributionRecord{
		OpportunityID: entry.OpportunityID,
		UserID:        entry.UserID,
		Outcome:       result,
		Attempts:      attempts,
		DeliveredAt:   p.now(),
		Error:         cause,
	}
	if opp != nil {
		record.Method = opp.Method
		record.Source = opp.Source
	}
	p.recorder.Record(ctx, record)
}

// backoff is exponential with jitter: base * multiplier^(n-1), capped,
// then spread by ±JitterFraction.
func (p *Pipeline) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.InitialBackoff) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if ceil := float64(p.cfg.MaxBackoff); ceil > 0 && delay > ceil {
		delay = ceil
	}
	if frac := p.cfg.JitterFraction; frac > 0 {
		delay *= 1 + frac*(2*p.jitter()-1)
	}
	return time.Duration(delay)
}

func batchIdempotencyKey(entries []models.QueueEntry) string {
	if len(entries) == 1 {
		return hashutil.DeliveryKey(entries[0].OpportunityID, entries[0].UserID)
	}
	parts := make([]string, 0, len(entries)+1)
	parts = append(parts, entries[0].UserID)
	for _, e := range entries {
		parts = append(parts, e.OpportunityID)
	}
	return hashutil.HashStrings(parts...)
}
