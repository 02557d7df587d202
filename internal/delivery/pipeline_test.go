package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetulpatel/distributor/internal/config"
	"github.com/hetulpatel/distributor/internal/models"
)

type memQueueStore struct {
	mu      sync.Mutex
	entries map[string]*models.QueueEntry
	opps    map[string]*models.Opportunity
	oppErr  error
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{
		entries: make(map[string]*models.QueueEntry),
		opps:    make(map[string]*models.Opportunity),
	}
}

func (s *memQueueStore) add(entry models.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry
	s.entries[e.ID] = &e
}

func (s *memQueueStore) entry(id string) models.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *memQueueStore) DequeueBatch(_ context.Context, limit int, now time.Time) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.Status == models.StatusPending && !e.ScheduledAt.After(now) {
			e.Status = models.StatusSending
			claimedAt := now
			e.LastAttemptAt = &claimedAt
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memQueueStore) RequeueStaleSending(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Status == models.StatusSending && e.LastAttemptAt != nil && !e.LastAttemptAt.After(cutoff) {
			e.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (s *memQueueStore) MarkSent(_ context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[entryID]
	e.Status = models.StatusSent
	e.Attempts++
	e.LastAttemptAt = &at
	return nil
}

func (s *memQueueStore) MarkRetry(_ context.Context, entryID string, at, retryAt time.Time, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[entryID]
	e.Status = models.StatusPending
	e.Attempts++
	e.LastAttemptAt = &at
	e.LastError = cause
	e.ScheduledAt = retryAt
	return nil
}

func (s *memQueueStore) MarkTerminal(_ context.Context, entryID string, at time.Time, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[entryID]
	e.Status = models.StatusFailedTerminal
	e.Attempts++
	e.LastAttemptAt = &at
	e.LastError = cause
	return nil
}

func (s *memQueueStore) MarkCancelled(_ context.Context, entryID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[entryID]
	e.Status = models.StatusCancelled
	e.LastError = cause
	return nil
}

func (s *memQueueStore) Opportunity(_ context.Context, id string) (*models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oppErr != nil {
		return nil, s.oppErr
	}
	return s.opps[id], nil
}

type scriptedSender struct {
	mu       sync.Mutex
	errs     []error
	payloads []Payload
}

func (s *scriptedSender) Send(_ context.Context, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

type memRecorder struct {
	mu      sync.Mutex
	records []models.DistributionRecord
}

func (r *memRecorder) Record(_ context.Context, record models.DistributionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *memRecorder) outcomes() []models.DistributionOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DistributionOutcome, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Outcome
	}
	return out
}

func deliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        time.Minute,
		Multiplier:        2,
		JitterFraction:    0.2,
		BatchSize:         32,
		StaleClaimTimeout: time.Minute,
	}
}

func pipeNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func liveOpportunity(id string) *models.Opportunity {
	return &models.Opportunity{
		ID:         id,
		Kind:       models.KindArbitrage,
		Pair:       "BTC-USD",
		DetectedAt: pipeNow().Add(-time.Minute),
		ExpiresAt:  pipeNow().Add(5 * time.Minute),
		Source:     models.SourceGlobal,
		Method:     models.MethodSystemGenerated,
	}
}

func pendingEntry(id, oppID, userID string) models.QueueEntry {
	return models.QueueEntry{
		ID:            id,
		OpportunityID: oppID,
		UserID:        userID,
		Priority:      10,
		ScheduledAt:   pipeNow().Add(-time.Second),
		Status:        models.StatusPending,
	}
}

func newPipeline(t *testing.T, store *memQueueStore, sender Sender, recorder Recorder) *Pipeline {
	t.Helper()
	p, err := New(store, sender, recorder, deliveryConfig(), pipeNow)
	require.NoError(t, err)
	p.jitter = func() float64 { return 0.5 } // no jitter in tests
	return p
}

func TestProcessQueueDelivers(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	store.add(pendingEntry("e1", "opp-1", "u1"))
	sender := &scriptedSender{}
	recorder := &memRecorder{}
	p := newPipeline(t, store, sender, recorder)

	outcomes, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.StatusSent, outcomes[0].Status)

	entry := store.entry("e1")
	assert.Equal(t, models.StatusSent, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, []models.DistributionOutcome{models.OutcomeDelivered}, recorder.outcomes())

	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "u1", sender.payloads[0].UserID)
	assert.NotEmpty(t, sender.payloads[0].IdempotencyKey)
}

func TestTransientFailureRetriesThenTerminal(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	store.add(pendingEntry("e1", "opp-1", "u1"))
	sender := &scriptedSender{errs: []error{
		fmt.Errorf("%w: broker down", models.ErrTransientDelivery),
		fmt.Errorf("%w: broker down", models.ErrTransientDelivery),
		fmt.Errorf("%w: broker down", models.ErrTransientDelivery),
	}}
	recorder := &memRecorder{}
	p := newPipeline(t, store, sender, recorder)
	ctx := context.Background()

	// Attempt 1: retryable, rescheduled with backoff.
	_, err := p.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	entry := store.entry("e1")
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.True(t, entry.ScheduledAt.After(pipeNow()), "retry must be delayed")

	// Attempt 2: still retryable.
	p.now = func() time.Time { return entry.ScheduledAt.Add(time.Second) }
	_, err = p.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	entry = store.entry("e1")
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.Equal(t, 2, entry.Attempts)

	// Attempt 3 is the last configured attempt: terminal, recorded.
	p.now = func() time.Time { return entry.ScheduledAt.Add(time.Second) }
	_, err = p.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	entry = store.entry("e1")
	assert.Equal(t, models.StatusFailedTerminal, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, []models.DistributionOutcome{models.OutcomeFailedTerminal}, recorder.outcomes())
	assert.Len(t, sender.payloads, 3)
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	store.add(pendingEntry("e1", "opp-1", "u1"))
	sender := &scriptedSender{errs: []error{fmt.Errorf("%w: bad payload", models.ErrTerminalDelivery)}}
	recorder := &memRecorder{}
	p := newPipeline(t, store, sender, recorder)

	_, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	entry := store.entry("e1")
	assert.Equal(t, models.StatusFailedTerminal, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, []models.DistributionOutcome{models.OutcomeFailedTerminal}, recorder.outcomes())
}

func TestExpiredEntryCancelledWithoutSend(t *testing.T) {
	store := newMemQueueStore()
	opp := liveOpportunity("opp-1")
	opp.ExpiresAt = pipeNow().Add(-time.Second)
	store.opps["opp-1"] = opp
	store.add(pendingEntry("e1", "opp-1", "u1"))
	sender := &scriptedSender{}
	recorder := &memRecorder{}
	p := newPipeline(t, store, sender, recorder)

	outcomes, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.StatusCancelled, outcomes[0].Status)

	entry := store.entry("e1")
	assert.Equal(t, models.StatusCancelled, entry.Status)
	assert.Equal(t, 0, entry.Attempts, "cancellation must not count as an attempt")
	assert.Empty(t, sender.payloads)
	assert.Equal(t, []models.DistributionOutcome{models.OutcomeCancelled}, recorder.outcomes())
}

func TestExpiryRacingSendRecordsCancelledAfterSend(t *testing.T) {
	store := newMemQueueStore()
	opp := liveOpportunity("opp-1")
	store.opps["opp-1"] = opp
	store.add(pendingEntry("e1", "opp-1", "u1"))
	sender := &scriptedSender{}
	recorder := &memRecorder{}
	p := newPipeline(t, store, sender, recorder)

	// The opportunity expires between the pre-send check and settlement.
	calls := 0
	p.now = func() time.Time {
		calls++
		if calls <= 2 {
			return pipeNow()
		}
		return opp.ExpiresAt.Add(time.Second)
	}

	_, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	entry := store.entry("e1")
	assert.Equal(t, models.StatusSent, entry.Status)
	assert.Equal(t, []models.DistributionOutcome{models.OutcomeCancelledAfterSend}, recorder.outcomes())
}

func TestOpportunityReadFailureRetriesThenDelivers(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	store.add(pendingEntry("e1", "opp-1", "u1"))
	store.oppErr = fmt.Errorf("disk I/O error")
	sender := &scriptedSender{}
	p := newPipeline(t, store, sender, &memRecorder{})
	ctx := context.Background()

	// A failed opportunity read settles as a retryable attempt; the entry
	// must not stay claimed in sending.
	outcomes, err := p.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.StatusFailedRetryable, outcomes[0].Status)
	entry := store.entry("e1")
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Empty(t, sender.payloads)

	// Store recovers; the rescheduled entry is picked up and delivered.
	store.oppErr = nil
	p.now = func() time.Time { return entry.ScheduledAt.Add(time.Second) }
	_, err = p.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	entry = store.entry("e1")
	assert.Equal(t, models.StatusSent, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
	require.Len(t, sender.payloads, 1)
}

func TestStaleSendingClaimRequeuedAndDelivered(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	stranded := pendingEntry("e1", "opp-1", "u1")
	stranded.Status = models.StatusSending
	claimedAt := pipeNow().Add(-5 * time.Minute)
	stranded.LastAttemptAt = &claimedAt
	store.add(stranded)
	sender := &scriptedSender{}
	p := newPipeline(t, store, sender, &memRecorder{})

	// The claim predates the stale cutoff, so one pass both requeues the
	// orphaned entry and sends it.
	outcomes, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.StatusSent, outcomes[0].Status)
	assert.Equal(t, models.StatusSent, store.entry("e1").Status)
	require.Len(t, sender.payloads, 1)
}

func TestFreshSendingClaimNotRequeued(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	inflight := pendingEntry("e1", "opp-1", "u1")
	inflight.Status = models.StatusSending
	claimedAt := pipeNow().Add(-time.Second)
	inflight.LastAttemptAt = &claimedAt
	store.add(inflight)
	sender := &scriptedSender{}
	p := newPipeline(t, store, sender, &memRecorder{})

	_, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSending, store.entry("e1").Status)
	assert.Empty(t, sender.payloads, "another worker's live claim must stay claimed")
}

func TestBatchedEntriesMergeIntoOnePayload(t *testing.T) {
	store := newMemQueueStore()
	store.opps["opp-1"] = liveOpportunity("opp-1")
	store.opps["opp-2"] = liveOpportunity("opp-2")
	e1 := pendingEntry("e1", "opp-1", "u1")
	e2 := pendingEntry("e2", "opp-2", "u1")
	e1.BatchKey, e2.BatchKey = "bk", "bk"
	e1.Priority, e2.Priority = 20, 10
	store.add(e1)
	store.add(e2)
	sender := &scriptedSender{}
	recorder := &memRecorder{}
	p := newPipeline(t, store, sender, recorder)

	_, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)

	require.Len(t, sender.payloads, 1, "one batched payload, not one per entry")
	payload := sender.payloads[0]
	require.Len(t, payload.Opportunities, 2)
	assert.Equal(t, "opp-2", payload.Opportunities[0].ID, "batch is ordered by rank")
	assert.Equal(t, 10.0, payload.Priority)

	assert.Equal(t, models.StatusSent, store.entry("e1").Status)
	assert.Equal(t, models.StatusSent, store.entry("e2").Status)
	assert.Len(t, recorder.records, 2)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := newPipeline(t, newMemQueueStore(), &scriptedSender{}, nil)

	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.Equal(t, 8*time.Second, p.backoff(3))
	assert.Equal(t, time.Minute, p.backoff(10), "backoff must cap at MaxBackoff")
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	p := newPipeline(t, newMemQueueStore(), &scriptedSender{}, nil)

	p.jitter = func() float64 { return 0 }
	low := p.backoff(2)
	p.jitter = func() float64 { return 1 }
	high := p.backoff(2)

	assert.Equal(t, time.Duration(float64(4*time.Second)*0.8), low)
	assert.Equal(t, time.Duration(float64(4*time.Second)*1.2), high)
}
