package eligibility

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/models"
)

// Directory lists candidate recipients and their preferences. Backed by
// the resilience storage layer, never by a backing service directly.
type Directory interface {
	ListProfiles(ctx context.Context) ([]models.UserAccessProfile, error)
	Preference(ctx context.Context, userID string) (models.NotificationPreference, error)
}

// QuotaPeek answers remaining quota without consuming it. Consumption
// happens later, atomically, at enqueue time.
type QuotaPeek interface {
	Remaining(ctx context.Context, profile *models.UserAccessProfile, category models.QuotaCategory) (int, error)
}

// Recipient is one entitled user for an opportunity.
type Recipient struct {
	Profile    models.UserAccessProfile
	Preference models.NotificationPreference
}

// Engine filters a validated opportunity down to its entitled
// recipients: RBAC, then tier/credentials, then preferences, then a
// non-consuming quota check.
type Engine struct {
	directory Directory
	quota     QuotaPeek
	now       func() time.Time
	log       *logging.Tagged
}

// New creates an engine. nowFn may be nil (uses time.Now).
func New(directory Directory, quota QuotaPeek, nowFn func() time.Time) (*Engine, error) {
	if directory == nil {
		return nil, fmt.Errorf("eligibility: directory is required")
	}
	if quota == nil {
		return nil, fmt.Errorf("eligibility: quota peek is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{directory: directory, quota: quota, now: nowFn, log: logging.Component("eligibility")}, nil
}

// Recipients returns the ordered set of entitled users. Ineligibility
// is silent: excluded users simply do not appear.
func (e *Engine) Recipients(ctx context.Context, opp *models.Opportunity) ([]Recipient, error) {
	now := e.now()
	// Expired opportunities are excluded unconditionally, any tier.
	if opp.IsExpired(now) {
		return nil, nil
	}

	profiles, err := e.directory.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	recipients := make([]Recipient, 0, len(profiles))
	for i := range profiles {
		profile := profiles[i]
		if !e.entitled(&profile, opp) {
			continue
		}

		pref, err := e.directory.Preference(ctx, profile.UserID)
		if err != nil {
			e.log.Errorf("preference lookup for %s: %v", profile.UserID, err)
			pref = models.DefaultPreference(profile.UserID)
		}
		if !e.acceptsDelivery(&profile, &pref, opp, now) {
			continue
		}

		remaining, err := e.quota.Remaining(ctx, &profile, opp.Category())
		if err != nil {
			return nil, fmt.Errorf("quota check for %s: %w", profile.UserID, err)
		}
		if remaining <= 0 {
			continue
		}

		recipients = append(recipients, Recipient{Profile: profile, Preference: pref})
	}

	// Tier-major, then user ID for a deterministic order. Fair rotation
	// within a tier is the scheduler's job, not ordering here.
	sort.SliceStable(recipients, func(i, j int) bool {
		pi, pj := recipients[i].Profile.Level.TierPriority(), recipients[j].Profile.Level.TierPriority()
		if pi != pj {
			return pi < pj
		}
		return recipients[i].Profile.UserID < recipients[j].Profile.UserID
	})
	return recipients, nil
}

// entitled applies the RBAC and tier/credential filters.
func (e *Engine) entitled(profile *models.UserAccessProfile, opp *models.Opportunity) bool {
	if !profile.Has(requiredPermission(opp)) {
		return false
	}

	switch opp.Source {
	case models.SourcePersonal:
		// Personal-source opportunities require the user's own exchange
		// credentials to cover every leg. A user with no credentials may
		// still receive Global-source opportunities, never Personal ones.
		if !profile.Level.HasAPIAccess() {
			return false
		}
		for _, exchange := range opp.Exchanges() {
			cred, ok := profile.CredentialFor(exchange)
			if !ok || !cred.Validated {
				return false
			}
			// Trading-capable keys must never be silently reused to
			// back a distributed feed; only validated read-only keys
			// qualify.
			if !cred.ReadOnly {
				return false
			}
		}
	case models.SourceGroup:
		if !profile.Group.IsGroup {
			return false
		}
	}
	return true
}

// acceptsDelivery applies user preference filters.
func (e *Engine) acceptsDelivery(profile *models.UserAccessProfile, pref *models.NotificationPreference, opp *models.Opportunity, now time.Time) bool {
	if pref.DoNotDisturb {
		return false
	}
	if !pref.Accepts(opp.Kind) {
		return false
	}
	localHour := now.In(profile.Location()).Hour()
	return pref.ActiveAt(localHour)
}

// requiredPermission maps the opportunity's feature class onto the RBAC
// flag gating it.
func requiredPermission(opp *models.Opportunity) models.Permission {
	if opp.Source == models.SourcePersonal {
		return models.PermTradeAdjacent
	}
	switch opp.Method {
	case models.MethodAIEnhanced, models.MethodAIGenerated, models.MethodHybrid:
		return models.PermAIEnhanced
	default:
		return models.PermViewOpportunities
	}
}
