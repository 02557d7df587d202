package hybrid

import (
	"context"
	"fmt"
	"time"

	"github.com/hetulpatel/distributor/internal/cache"
	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/models"
)

// Dependency names used with the health monitor.
const (
	DepCache   = "redis"
	DepDurable = "sqlite"
	DepScorer  = "ranker"
	DepSink    = "analytics-sink"
)

// DurableStore is the subset of the durable tier the facade needs.
type DurableStore interface {
	Profile(ctx context.Context, userID string) (*models.UserAccessProfile, error)
	ListProfiles(ctx context.Context) ([]models.UserAccessProfile, error)
	UpsertProfile(ctx context.Context, profile models.UserAccessProfile) error
	Preference(ctx context.Context, userID string) (*models.NotificationPreference, error)
	UpsertPreference(ctx context.Context, pref models.NotificationPreference) error
	ServeCounts(ctx context.Context, since time.Time) (map[string]int, error)
	RecordServe(ctx context.Context, userID string, at time.Time) error
}

// Scorer ranks one opportunity; implemented by the AI ranking client.
type Scorer interface {
	Score(ctx context.Context, opp *models.Opportunity) (float64, error)
}

// FallbackScorer computes a deterministic local score when the AI
// scorer is unavailable.
type FallbackScorer interface {
	FallbackScore(opp *models.Opportunity) float64
}

// Store is the multi-tier read/write facade: fast cache tier first,
// durable tier second, computed fallback for ranking reads only. Writes
// target the durable tier first with cache write-through.
type Store struct {
	profiles cache.ProfileCache
	prefs    cache.PreferenceCache
	serves   cache.ServeCountCache
	durable  DurableStore
	scorer   Scorer
	fallback FallbackScorer
	health   *HealthMonitor
	log      *logging.Tagged
}

// New wires the facade. scorer may be nil (fallback-only ranking).
func New(durable DurableStore, profiles cache.ProfileCache, prefs cache.PreferenceCache, serves cache.ServeCountCache, scorer Scorer, fallback FallbackScorer, health *HealthMonitor) (*Store, error) {
	if durable == nil {
		return nil, fmt.Errorf("hybrid: durable store is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("hybrid: fallback scorer is required")
	}
	return &Store{
		profiles: profiles,
		prefs:    prefs,
		serves:   serves,
		durable:  durable,
		scorer:   scorer,
		fallback: fallback,
		health:   health,
		log:      logging.Component("hybrid"),
	}, nil
}

// Profile reads cache then durable. Only an all-tiers failure surfaces
// an error; unknown users return nil.
func (s *Store) Profile(ctx context.Context, userID string) (*models.UserAccessProfile, error) {
	if s.cacheHealthy() && s.profiles != nil {
		profile, ok, err := s.profiles.Get(ctx, userID)
		if err != nil {
			s.reportCacheFailure(err)
		} else if ok {
			return profile, nil
		}
	}
	profile, err := s.durable.Profile(ctx, userID)
	if err != nil {
		s.reportDurableFailure(err)
		return nil, fmt.Errorf("%w: profile %s: %v", models.ErrStoreUnavailable, userID, err)
	}
	if profile != nil && s.profiles != nil {
		if err := s.profiles.Set(ctx, *profile); err != nil {
			s.reportCacheFailure(err)
		}
	}
	return profile, nil
}

// ListProfiles enumerates the directory-synced profiles. Enumeration
// has no cache tier; durable unavailability surfaces to the caller.
func (s *Store) ListProfiles(ctx context.Context) ([]models.UserAccessProfile, error) {
	profiles, err := s.durable.ListProfiles(ctx)
	if err != nil {
		s.reportDurableFailure(err)
		return nil, fmt.Errorf("%w: list profiles: %v", models.ErrStoreUnavailable, err)
	}
	return profiles, nil
}

// SyncProfile writes durable-first with cache write-through.
func (s *Store) SyncProfile(ctx context.Context, profile models.UserAccessProfile) error {
	if err := s.durable.UpsertProfile(ctx, profile); err != nil {
		s.reportDurableFailure(err)
		return fmt.Errorf("%w: sync profile: %v", models.ErrStoreUnavailable, err)
	}
	if s.profiles != nil {
		if err := s.profiles.Set(ctx, profile); err != nil {
			s.reportCacheFailure(err)
		}
	}
	return nil
}

// Preference reads cache, then durable, then falls back to the default
// preference. A missing record is not an error.
func (s *Store) Preference(ctx context.Context, userID string) (models.NotificationPreference, error) {
	if s.cacheHealthy() && s.prefs != nil {
		pref, ok, err := s.prefs.Get(ctx, userID)
		if err != nil {
			s.reportCacheFailure(err)
		} else if ok {
			return *pref, nil
		}
	}
	pref, err := s.durable.Preference(ctx, userID)
	if err != nil {
		s.reportDurableFailure(err)
		s.log.Errorf("preference read degraded for %s, using default: %v", userID, err)
		return models.DefaultPreference(userID), nil
	}
	if pref == nil {
		return models.DefaultPreference(userID), nil
	}
	if s.prefs != nil {
		if err := s.prefs.Set(ctx, *pref); err != nil {
			s.reportCacheFailure(err)
		}
	}
	return *pref, nil
}

// SyncPreference writes durable-first with cache write-through.
func (s *Store) SyncPreference(ctx context.Context, pref models.NotificationPreference) error {
	if err := s.durable.UpsertPreference(ctx, pref); err != nil {
		s.reportDurableFailure(err)
		return fmt.Errorf("%w: sync preference: %v", models.ErrStoreUnavailable, err)
	}
	if s.prefs != nil {
		if err := s.prefs.Set(ctx, pref); err != nil {
			s.reportCacheFailure(err)
		}
	}
	return nil
}

// Score ranks an opportunity: AI scorer while healthy, deterministic
// local fallback otherwise. Every opportunity always gets a usable
// priority signal.
func (s *Store) Score(ctx context.Context, opp *models.Opportunity) float64 {
	if s.scorer != nil && (s.health == nil || s.health.Healthy(DepScorer)) {
		score, err := s.scorer.Score(ctx, opp)
		if err == nil {
			return score
		}
		if s.health != nil {
			s.health.ReportFailure(DepScorer)
		}
		s.log.Errorf("ai scorer failed for %s, using fallback: %v", opp.ID, err)
	}
	return s.fallback.FallbackScore(opp)
}

// ServeCounts reads the fairness counters: cache first, durable serve
// log on miss. An all-tiers failure returns empty counts so scheduling
// proceeds without the fairness boost rather than stalling.
func (s *Store) ServeCounts(ctx context.Context, userIDs []string, since time.Time) map[string]int {
	if s.cacheHealthy() && s.serves != nil {
		counts, ok, err := s.serves.Counts(ctx, userIDs)
		if err != nil {
			s.reportCacheFailure(err)
		} else if ok {
			return counts
		}
	}
	counts, err := s.durable.ServeCounts(ctx, since)
	if err != nil {
		s.reportDurableFailure(err)
		s.log.Errorf("serve counts degraded, fairness boost disabled: %v", err)
		return map[string]int{}
	}
	return counts
}

// RecordServe logs a serve durable-first, cache write-through.
func (s *Store) RecordServe(ctx context.Context, userID string, at time.Time) error {
	if err := s.durable.RecordServe(ctx, userID, at); err != nil {
		s.reportDurableFailure(err)
		return fmt.Errorf("%w: record serve: %v", models.ErrStoreUnavailable, err)
	}
	if s.serves != nil {
		if err := s.serves.Incr(ctx, userID); err != nil {
			s.reportCacheFailure(err)
		}
	}
	return nil
}

func (s *Store) cacheHealthy() bool {
	return s.health == nil || s.health.Healthy(DepCache)
}

func (s *Store) reportCacheFailure(err error) {
	if s.health != nil {
		s.health.ReportFailure(DepCache)
	}
	s.log.Debugf("cache tier error: %v", err)
}

func (s *Store) reportDurableFailure(err error) {
	if s.health != nil {
		s.health.ReportFailure(DepDurable)
	}
}
