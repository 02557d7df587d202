package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hetulpatel/distributor/internal/cache"
	"github.com/hetulpatel/distributor/internal/config"
	"github.com/hetulpatel/distributor/internal/eligibility"
	"github.com/hetulpatel/distributor/internal/hashutil"
	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/models"
)

// EntryStore is the durable queue write path. The conditional insert is
// the authoritative dedupe guard.
type EntryStore interface {
	InsertEntryUnique(ctx context.Context, entry models.QueueEntry) (bool, error)
}

// Ranking covers the scoring and fairness reads the scheduler needs;
// satisfied by the resilience storage facade.
type Ranking interface {
	Score(ctx context.Context, opp *models.Opportunity) float64
	ServeCounts(ctx context.Context, userIDs []string, since time.Time) map[string]int
	RecordServe(ctx context.Context, userID string, at time.Time) error
}

// Limiter consumes quota atomically at enqueue time.
type Limiter interface {
	TryConsume(ctx context.Context, profile *models.UserAccessProfile, category models.QuotaCategory) (bool, error)
	Release(ctx context.Context, profile *models.UserAccessProfile, category models.QuotaCategory) error
}

// Scheduler assigns priorities, deduplicates, batches, and enqueues
// per-recipient work.
type Scheduler struct {
	entries EntryStore
	ranking Ranking
	limiter Limiter
	dedupe  cache.DedupeCache
	cfg     config.FairnessConfig
	now     func() time.Time
	log     *logging.Tagged
}

// New creates a scheduler. dedupe may be nil (durable guard only);
// nowFn may be nil (uses time.Now).
func New(entries EntryStore, ranking Ranking, limiter Limiter, dedupe cache.DedupeCache, cfg config.FairnessConfig, nowFn func() time.Time) (*Scheduler, error) {
	if entries == nil {
		return nil, fmt.Errorf("scheduler: entry store is required")
	}
	if ranking == nil {
		return nil, fmt.Errorf("scheduler: ranking source is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("scheduler: rate limiter is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Scheduler{
		entries: entries,
		ranking: ranking,
		limiter: limiter,
		dedupe:  dedupe,
		cfg:     cfg,
		now:     nowFn,
		log:     logging.Component("scheduler"),
	}, nil
}

// Enqueue creates queue entries for the recipients. Quota denials and
// duplicate suppressions are expected outcomes and skip silently; the
// returned slice holds only the entries actually created.
func (s *Scheduler) Enqueue(ctx context.Context, opp *models.Opportunity, recipients []eligibility.Recipient) ([]models.QueueEntry, error) {
	if opp == nil || len(recipients) == 0 {
		return nil, nil
	}
	now := s.now()
	if opp.IsExpired(now) {
		return nil, nil
	}

	score := s.ranking.Score(ctx, opp)

	userIDs := make([]string, len(recipients))
	for i, r := range recipients {
		userIDs[i] = r.Profile.UserID
	}
	serveCounts := s.ranking.ServeCounts(ctx, userIDs, now.Add(-s.cfg.Window))

	created := make([]models.QueueEntry, 0, len(recipients))
	for i := range recipients {
		recipient := &recipients[i]
		userID := recipient.Profile.UserID

		if s.dedupe != nil {
			if seen, err := s.dedupe.Seen(ctx, opp.ID, userID); err == nil && seen {
				continue
			}
		}

		granted, err := s.limiter.TryConsume(ctx, &recipient.Profile, opp.Category())
		if err != nil {
			return created, fmt.Errorf("consume quota for %s: %w", userID, err)
		}
		if !granted {
			s.log.Debugf("quota denied for %s on %s", userID, opp.ID)
			continue
		}

		entry := s.buildEntry(opp, recipient, score, serveCounts[userID], now)
		inserted, err := s.entries.InsertEntryUnique(ctx, entry)
		if err != nil {
			// The grant stands but the entry is unknown; refund so the
			// user is not billed for an undelivered slot.
			if relErr := s.limiter.Release(ctx, &recipient.Profile, opp.Category()); relErr != nil {
				s.log.Errorf("quota refund for %s: %v", userID, relErr)
			}
			return created, fmt.Errorf("enqueue for %s: %w", userID, err)
		}
		if !inserted {
			// Duplicate (opportunity, user) pair; refund the grant.
			if relErr := s.limiter.Release(ctx, &recipient.Profile, opp.Category()); relErr != nil {
				s.log.Errorf("quota refund for %s: %v", userID, relErr)
			}
			continue
		}

		if s.dedupe != nil {
			if err := s.dedupe.Mark(ctx, opp.ID, userID); err != nil {
				s.log.Debugf("dedupe mark for %s: %v", userID, err)
			}
		}
		if err := s.ranking.RecordServe(ctx, userID, now); err != nil {
			s.log.Errorf("record serve for %s: %v", userID, err)
		}
		created = append(created, entry)
	}
	return created, nil
}

func (s *Scheduler) buildEntry(opp *models.Opportunity, recipient *eligibility.Recipient, score float64, recentServes int, now time.Time) models.QueueEntry {
	entry := models.QueueEntry{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		UserID:        recipient.Profile.UserID,
		Priority:      s.Priority(opp, &recipient.Profile, score, recentServes, now),
		ScheduledAt:   s.scheduleTime(&recipient.Profile, now),
		Status:        models.StatusPending,
	}
	if recipient.Preference.Batching && s.cfg.BatchWindow > 0 {
		bucket := now.Truncate(s.cfg.BatchWindow)
		// Batched deliveries wait for the window to close so everything
		// scheduled inside it merges into one payload.
		windowEnd := bucket.Add(s.cfg.BatchWindow)
		if windowEnd.After(entry.ScheduledAt) {
			entry.ScheduledAt = windowEnd
		}
		entry.BatchKey = hashutil.HashStrings("batch", recipient.Profile.UserID, bucket.UTC().Format(time.RFC3339))
	}
	return entry
}

// Priority is a rank: lower values deliver first. It combines the
// opportunity score, its age, the recipient tier, and the fairness
// rotation. The weights are tunable; only the serve-order uniformity
// property is contractual.
func (s *Scheduler) Priority(opp *models.Opportunity, profile *models.UserAccessProfile, score float64, recentServes int, now time.Time) float64 {
	confidencePenalty := s.cfg.ConfidenceWeight * (1 - score/100)

	agePenalty := 0.0
	if ttl := opp.ExpiresAt.Sub(opp.DetectedAt); ttl > 0 {
		age := now.Sub(opp.DetectedAt)
		frac := age.Seconds() / ttl.Seconds()
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		agePenalty = s.cfg.AgeWeight * frac
	}

	tierPenalty := s.cfg.TierWeight * float64(profile.Level.TierPriority())

	// Decaying boost inversely proportional to recent serves: users
	// served least recently within the window jump ahead of equally
	// eligible peers, rotating service order instead of starving anyone.
	fairnessBoost := s.cfg.BoostFactor / float64(1+recentServes)

	return confidencePenalty + agePenalty + tierPenalty - fairnessBoost
}

// scheduleTime staggers lower tiers by the configured delay step.
func (s *Scheduler) scheduleTime(profile *models.UserAccessProfile, now time.Time) time.Time {
	delay := time.Duration(profile.Level.TierPriority()) * s.cfg.TierDelayStep
	return now.Add(delay)
}
