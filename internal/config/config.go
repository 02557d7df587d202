package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hetulpatel/distributor/internal/models"
)

// TierLimits are daily caps per quota category for one access level.
// Unlimited tiers still carry an abuse-prevention soft cap.
type TierLimits struct {
	Arbitrage int
	Technical int
	Unlimited bool
	SoftCap   int
}

// Limit returns the effective numeric cap for a category.
func (t TierLimits) Limit(category models.QuotaCategory) int {
	if t.Unlimited {
		return t.SoftCap
	}
	if category == models.CategoryTechnical {
		return t.Technical
	}
	return t.Arbitrage
}

// QuotaConfig drives the rate limiter.
type QuotaConfig struct {
	Tiers           map[models.AccessLevel]TierLimits
	GroupMultiplier float64
}

// FairnessConfig drives the scheduler's priority and rotation behavior.
// Weights are tunable rather than fixed; they only need to satisfy the
// serve-order uniformity property.
type FairnessConfig struct {
	Window           time.Duration
	BoostFactor      float64
	ConfidenceWeight float64
	AgeWeight        float64
	TierWeight       float64
	TierDelayStep    time.Duration
	BatchWindow      time.Duration
}

// DeliveryConfig drives the delivery pipeline retry state machine.
type DeliveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64
	BatchSize      int
	PollInterval   time.Duration
	// StaleClaimTimeout is how long an entry may sit claimed in sending
	// before the reaper returns it to pending. Must exceed the longest
	// plausible send; an orphaned claim (worker crash mid-send) is
	// recovered after this window.
	StaleClaimTimeout time.Duration
}

// HealthConfig sets the asymmetric dependency polling schedule: probe
// frequently while a dependency is down, infrequently while healthy.
type HealthConfig struct {
	UnhealthyInterval time.Duration
	HealthyInterval   time.Duration
	ProbeTimeout      time.Duration
}

// RankerConfig configures the AI scoring client.
type RankerConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
}

// RedisConfig configures the fast cache tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// KafkaConfig names the topics the distributor touches.
type KafkaConfig struct {
	Brokers        []string
	CandidateTopic string
	OutboundTopic  string
	AnalyticsTopic string
	ConsumerGroup  string
	Workers        int
}

// Config is the full tunable surface.
type Config struct {
	SQLitePath      string
	Redis           RedisConfig
	Kafka           KafkaConfig
	Ranker          RankerConfig
	Quota           QuotaConfig
	Fairness        FairnessConfig
	Delivery        DeliveryConfig
	Health          HealthConfig
	ProfitThreshold float64
	IngestInterval  time.Duration
}

// FromEnv builds a Config from the environment, applying defaults for
// anything unset. godotenv loading happens in main.
func FromEnv() Config {
	return Config{
		SQLitePath: EnvString("SQLITE_PATH", "data/distributor.db"),
		Redis: RedisConfig{
			Addr:     EnvString("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       EnvInt("REDIS_DB", 0),
			TTL:      EnvDuration("REDIS_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:        splitList(EnvString("KAFKA_BROKERS", "kafka-broker:9092")),
			CandidateTopic: EnvString("CANDIDATE_KAFKA_TOPIC", "opportunities.candidates"),
			OutboundTopic:  EnvString("OUTBOUND_KAFKA_TOPIC", "notifications.outbound"),
			AnalyticsTopic: EnvString("ANALYTICS_KAFKA_TOPIC", "distribution.analytics"),
			ConsumerGroup:  EnvString("DISTRIBUTOR_GROUP", "distributor"),
			Workers:        EnvInt("DISTRIBUTOR_WORKERS", 2),
		},
		Ranker: RankerConfig{
			APIKey:      os.Getenv("RANKER_API_KEY"),
			BaseURL:     os.Getenv("RANKER_BASE_URL"),
			Model:       os.Getenv("RANKER_MODEL"),
			Timeout:     EnvDuration("RANKER_TIMEOUT", 20*time.Second),
			Temperature: float32(EnvFloat("RANKER_TEMPERATURE", 0)),
		},
		Quota: QuotaConfig{
			Tiers: map[models.AccessLevel]TierLimits{
				models.FreeWithoutAPI: {
					Arbitrage: EnvInt("QUOTA_FREE_NOAPI_ARBITRAGE", 3),
					Technical: EnvInt("QUOTA_FREE_NOAPI_TECHNICAL", 3),
				},
				models.FreeWithAPI: {
					Arbitrage: EnvInt("QUOTA_FREE_API_ARBITRAGE", 10),
					Technical: EnvInt("QUOTA_FREE_API_TECHNICAL", 10),
				},
				models.SubscriptionWithAPI: {
					Unlimited: true,
					SoftCap:   EnvInt("QUOTA_SUBSCRIPTION_SOFT_CAP", 500),
				},
			},
			GroupMultiplier: EnvFloat("QUOTA_GROUP_MULTIPLIER", 2),
		},
		Fairness: FairnessConfig{
			Window:           EnvDuration("FAIRNESS_WINDOW", 6*time.Hour),
			BoostFactor:      EnvFloat("FAIRNESS_BOOST_FACTOR", 10),
			ConfidenceWeight: EnvFloat("FAIRNESS_CONFIDENCE_WEIGHT", 50),
			AgeWeight:        EnvFloat("FAIRNESS_AGE_WEIGHT", 20),
			TierWeight:       EnvFloat("FAIRNESS_TIER_WEIGHT", 15),
			TierDelayStep:    EnvDuration("FAIRNESS_TIER_DELAY_STEP", 15*time.Second),
			BatchWindow:      EnvDuration("BATCH_WINDOW", 2*time.Minute),
		},
		Delivery: DeliveryConfig{
			MaxAttempts:       EnvInt("DELIVERY_MAX_ATTEMPTS", 3),
			InitialBackoff:    EnvDuration("DELIVERY_INITIAL_BACKOFF", 2*time.Second),
			MaxBackoff:        EnvDuration("DELIVERY_MAX_BACKOFF", time.Minute),
			Multiplier:        EnvFloat("DELIVERY_BACKOFF_MULTIPLIER", 2),
			JitterFraction:    EnvFloat("DELIVERY_BACKOFF_JITTER", 0.2),
			BatchSize:         EnvInt("DELIVERY_BATCH_SIZE", 32),
			PollInterval:      EnvDuration("DELIVERY_POLL_INTERVAL", 2*time.Second),
			StaleClaimTimeout: EnvDuration("DELIVERY_STALE_CLAIM_TIMEOUT", time.Minute),
		},
		Health: HealthConfig{
			UnhealthyInterval: EnvDuration("HEALTH_UNHEALTHY_INTERVAL", time.Minute),
			HealthyInterval:   EnvDuration("HEALTH_HEALTHY_INTERVAL", 5*time.Minute),
			ProbeTimeout:      EnvDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		},
		ProfitThreshold: EnvFloat("PROFIT_THRESHOLD", 0.001),
		IngestInterval:  EnvDuration("INGEST_SWEEP_INTERVAL", 30*time.Second),
	}
}

// EnvString returns the env value or a default.
func EnvString(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// EnvInt parses an int env value, falling back on parse failure.
func EnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// EnvFloat parses a float env value, falling back on parse failure.
func EnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

// EnvDuration parses a duration env value, falling back on parse failure.
func EnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
