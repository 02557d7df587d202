package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetulpatel/distributor/internal/models"
)

type fakeDirectory struct {
	profiles []models.UserAccessProfile
	prefs    map[string]models.NotificationPreference
}

func (d *fakeDirectory) ListProfiles(context.Context) ([]models.UserAccessProfile, error) {
	return d.profiles, nil
}

func (d *fakeDirectory) Preference(_ context.Context, userID string) (models.NotificationPreference, error) {
	if pref, ok := d.prefs[userID]; ok {
		return pref, nil
	}
	return models.DefaultPreference(userID), nil
}

type fakeQuota struct {
	remaining map[string]int
}

func (q *fakeQuota) Remaining(_ context.Context, profile *models.UserAccessProfile, _ models.QuotaCategory) (int, error) {
	if n, ok := q.remaining[profile.UserID]; ok {
		return n, nil
	}
	return 1, nil
}

func testNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func globalOpportunity() *models.Opportunity {
	return &models.Opportunity{
		ID:   "opp-1",
		Kind: models.KindArbitrage,
		Pair: "BTC-USD",
		Legs: []models.Leg{
			{Exchange: "binance", Side: models.SideLong},
			{Exchange: "bybit", Side: models.SideShort},
		},
		RateDiff:   0.004,
		DetectedAt: testNow(),
		ExpiresAt:  testNow().Add(5 * time.Minute),
		Source:     models.SourceGlobal,
		Method:     models.MethodSystemGenerated,
	}
}

func viewer(userID string, level models.AccessLevel) models.UserAccessProfile {
	return models.UserAccessProfile{
		UserID:      userID,
		Level:       level,
		Permissions: []models.Permission{models.PermViewOpportunities},
	}
}

func newEngine(t *testing.T, dir *fakeDirectory, quota *fakeQuota) *Engine {
	t.Helper()
	engine, err := New(dir, quota, testNow)
	require.NoError(t, err)
	return engine
}

func recipientIDs(recipients []Recipient) []string {
	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.Profile.UserID
	}
	return ids
}

func TestRecipientsSkipsUsersAtQuota(t *testing.T) {
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{
		viewer("u1", models.FreeWithoutAPI),
		viewer("u2", models.FreeWithoutAPI),
		viewer("u3", models.FreeWithoutAPI),
		viewer("u4", models.FreeWithoutAPI),
		viewer("u5", models.FreeWithoutAPI),
	}}
	quota := &fakeQuota{remaining: map[string]int{"u2": 0, "u4": 0}}
	engine := newEngine(t, dir, quota)

	recipients, err := engine.Recipients(context.Background(), globalOpportunity())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3", "u5"}, recipientIDs(recipients))
}

func TestRecipientsExpiredOpportunity(t *testing.T) {
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{viewer("u1", models.SubscriptionWithAPI)}}
	engine := newEngine(t, dir, &fakeQuota{})

	opp := globalOpportunity()
	opp.ExpiresAt = testNow().Add(-time.Second)
	recipients, err := engine.Recipients(context.Background(), opp)
	require.NoError(t, err)
	assert.Empty(t, recipients)
}

func TestRecipientsRequiresPermission(t *testing.T) {
	noPerm := models.UserAccessProfile{UserID: "locked", Level: models.SubscriptionWithAPI}
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{noPerm, viewer("open", models.FreeWithoutAPI)}}
	engine := newEngine(t, dir, &fakeQuota{})

	recipients, err := engine.Recipients(context.Background(), globalOpportunity())
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, recipientIDs(recipients))
}

func TestRecipientsAIMethodNeedsAIPermission(t *testing.T) {
	aiUser := viewer("ai", models.FreeWithAPI)
	aiUser.Permissions = append(aiUser.Permissions, models.PermAIEnhanced)
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{aiUser, viewer("basic", models.FreeWithAPI)}}
	engine := newEngine(t, dir, &fakeQuota{})

	opp := globalOpportunity()
	opp.Method = models.MethodAIEnhanced
	recipients, err := engine.Recipients(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai"}, recipientIDs(recipients))
}

func TestRecipientsPersonalSourceNeedsValidatedReadOnlyCredentials(t *testing.T) {
	base := func(userID string, creds []models.ExchangeCredential) models.UserAccessProfile {
		return models.UserAccessProfile{
			UserID:      userID,
			Level:       models.SubscriptionWithAPI,
			Permissions: []models.Permission{models.PermViewOpportunities, models.PermTradeAdjacent},
			Credentials: creds,
		}
	}
	both := []models.ExchangeCredential{
		{Exchange: "binance", ReadOnly: true, Validated: true},
		{Exchange: "bybit", ReadOnly: true, Validated: true},
	}
	tradingKey := []models.ExchangeCredential{
		{Exchange: "binance", ReadOnly: false, Validated: true},
		{Exchange: "bybit", ReadOnly: true, Validated: true},
	}
	unvalidated := []models.ExchangeCredential{
		{Exchange: "binance", ReadOnly: true, Validated: false},
		{Exchange: "bybit", ReadOnly: true, Validated: true},
	}
	oneLeg := both[:1]

	noAPI := base("no-api", both)
	noAPI.Level = models.FreeWithoutAPI

	dir := &fakeDirectory{profiles: []models.UserAccessProfile{
		base("complete", both),
		base("trading-key", tradingKey),
		base("unvalidated", unvalidated),
		base("one-leg", oneLeg),
		noAPI,
	}}
	engine := newEngine(t, dir, &fakeQuota{})

	opp := globalOpportunity()
	opp.Source = models.SourcePersonal
	recipients, err := engine.Recipients(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, []string{"complete"}, recipientIDs(recipients))
}

func TestRecipientsCredentiallessUserStillGetsGlobal(t *testing.T) {
	profile := viewer("plain", models.FreeWithoutAPI)
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{profile}}
	engine := newEngine(t, dir, &fakeQuota{})

	recipients, err := engine.Recipients(context.Background(), globalOpportunity())
	require.NoError(t, err)
	assert.Equal(t, []string{"plain"}, recipientIDs(recipients))
}

func TestRecipientsGroupSourceNeedsGroupContext(t *testing.T) {
	grp := viewer("grp", models.FreeWithoutAPI)
	grp.Group = models.GroupContext{IsGroup: true, GroupID: "g-1"}
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{grp, viewer("solo", models.FreeWithoutAPI)}}
	engine := newEngine(t, dir, &fakeQuota{})

	opp := globalOpportunity()
	opp.Source = models.SourceGroup
	recipients, err := engine.Recipients(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, []string{"grp"}, recipientIDs(recipients))
}

func TestRecipientsPreferenceFilters(t *testing.T) {
	dir := &fakeDirectory{
		profiles: []models.UserAccessProfile{
			viewer("dnd", models.FreeWithAPI),
			viewer("tech-only", models.FreeWithAPI),
			viewer("sleeping", models.FreeWithAPI),
			viewer("awake", models.FreeWithAPI),
		},
		prefs: map[string]models.NotificationPreference{
			"dnd":       {UserID: "dnd", DoNotDisturb: true},
			"tech-only": {UserID: "tech-only", KindFilter: []models.Kind{models.KindTechnical}},
			// testNow is 12:00 UTC; a 22-06 window excludes it, an 8-18
			// window includes it.
			"sleeping": {UserID: "sleeping", Hours: models.ActiveHours{Start: 22, End: 6}},
			"awake":    {UserID: "awake", Hours: models.ActiveHours{Start: 8, End: 18}},
		},
	}
	engine := newEngine(t, dir, &fakeQuota{})

	recipients, err := engine.Recipients(context.Background(), globalOpportunity())
	require.NoError(t, err)
	assert.Equal(t, []string{"awake"}, recipientIDs(recipients))
}

func TestRecipientsTierOrdering(t *testing.T) {
	dir := &fakeDirectory{profiles: []models.UserAccessProfile{
		viewer("free-b", models.FreeWithoutAPI),
		viewer("sub-a", models.SubscriptionWithAPI),
		viewer("api-a", models.FreeWithAPI),
		viewer("free-a", models.FreeWithoutAPI),
	}}
	engine := newEngine(t, dir, &fakeQuota{})

	recipients, err := engine.Recipients(context.Background(), globalOpportunity())
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-a", "api-a", "free-a", "free-b"}, recipientIDs(recipients))
}
