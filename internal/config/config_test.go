package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hetulpatel/distributor/internal/models"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, []string{"kafka-broker:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "opportunities.candidates", cfg.Kafka.CandidateTopic)

	free := cfg.Quota.Tiers[models.FreeWithoutAPI]
	assert.Equal(t, 3, free.Arbitrage)
	assert.Equal(t, 3, free.Technical)
	api := cfg.Quota.Tiers[models.FreeWithAPI]
	assert.Equal(t, 10, api.Arbitrage)
	sub := cfg.Quota.Tiers[models.SubscriptionWithAPI]
	assert.True(t, sub.Unlimited)
	assert.Equal(t, 500, sub.SoftCap)
	assert.Equal(t, 2.0, cfg.Quota.GroupMultiplier)

	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Health.UnhealthyInterval)
	assert.Equal(t, 5*time.Minute, cfg.Health.HealthyInterval)
}

func TestTierLimitsLimit(t *testing.T) {
	capped := TierLimits{Arbitrage: 3, Technical: 7}
	assert.Equal(t, 3, capped.Limit(models.CategoryArbitrage))
	assert.Equal(t, 7, capped.Limit(models.CategoryTechnical))

	unlimited := TierLimits{Unlimited: true, SoftCap: 500}
	assert.Equal(t, 500, unlimited.Limit(models.CategoryArbitrage))
	assert.Equal(t, 500, unlimited.Limit(models.CategoryTechnical))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "hello")
	t.Setenv("TEST_INT", "41")
	t.Setenv("TEST_FLOAT", "2.5")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_BAD_INT", "nope")

	assert.Equal(t, "hello", EnvString("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", EnvString("TEST_UNSET", "fallback"))
	assert.Equal(t, 41, EnvInt("TEST_INT", 0))
	assert.Equal(t, 9, EnvInt("TEST_BAD_INT", 9))
	assert.Equal(t, 2.5, EnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 90*time.Second, EnvDuration("TEST_DUR", 0))
	assert.Equal(t, time.Minute, EnvDuration("TEST_UNSET", time.Minute))
}

func TestBrokerListSplitting(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,,b3:9092")
	cfg := FromEnv()
	assert.Equal(t, []string{"b1:9092", "b2:9092", "b3:9092"}, cfg.Kafka.Brokers)
}
