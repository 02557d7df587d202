package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/hetulpatel/distributor/internal/analytics"
	"github.com/hetulpatel/distributor/internal/cache"
	"github.com/hetulpatel/distributor/internal/config"
	"github.com/hetulpatel/distributor/internal/delivery"
	"github.com/hetulpatel/distributor/internal/eligibility"
	"github.com/hetulpatel/distributor/internal/hybrid"
	"github.com/hetulpatel/distributor/internal/ingest"
	"github.com/hetulpatel/distributor/internal/kafka"
	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/quota"
	"github.com/hetulpatel/distributor/internal/ranker"
	"github.com/hetulpatel/distributor/internal/scheduler"
	sqlstore "github.com/hetulpatel/distributor/internal/storage/sqlite"
	"github.com/hetulpatel/distributor/internal/validator"
)

// staticMarketStatus trusts the exchange integration layer's env-driven
// allowlist until a live status feed is wired in.
type staticMarketStatus struct{}

func (staticMarketStatus) Tradable(string) bool       { return true }
func (staticMarketStatus) LiveMarketData(string) bool { return true }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_ = godotenv.Load()
	logging.InitFromEnv()
	cfg := config.FromEnv()

	waitCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	if err := kafka.WaitForBroker(waitCtx, cfg.Kafka.Brokers); err != nil {
		logging.Fatalf("[distributor] wait for broker: %v", err)
	}
	cancel()

	for _, topic := range []string{cfg.Kafka.CandidateTopic, cfg.Kafka.OutboundTopic, cfg.Kafka.AnalyticsTopic} {
		ensureCtx, cancelEnsure := context.WithTimeout(ctx, 30*time.Second)
		if err := kafka.EnsureTopic(ensureCtx, cfg.Kafka.Brokers, topic); err != nil {
			logging.Errorf("[distributor] ensure topic %s warning: %v", topic, err)
		}
		cancelEnsure()
	}

	store, err := sqlstore.Open(cfg.SQLitePath)
	if err != nil {
		logging.Fatalf("[distributor] open sqlite: %v", err)
	}
	defer store.Close()
	if err := store.CreateTables(ctx); err != nil {
		logging.Fatalf("[distributor] ensure schema: %v", err)
	}

	redisClient, err := cache.NewClient(cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logging.Fatalf("[distributor] redis client: %v", err)
	}
	defer redisClient.Close()

	profileCache := cache.NewProfileCache(redisClient, cfg.Redis.TTL, "")
	prefCache := cache.NewPreferenceCache(redisClient, cfg.Redis.TTL, "")
	serveCache := cache.NewServeCountCache(redisClient, cfg.Fairness.Window, "")
	dedupeCache := cache.NewDedupeCache(redisClient, cfg.Redis.TTL, "")

	health := hybrid.NewHealthMonitor(hybrid.HealthConfig{
		UnhealthyInterval: cfg.Health.UnhealthyInterval,
		HealthyInterval:   cfg.Health.HealthyInterval,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
	})
	health.Register(hybrid.DepCache, func(ctx context.Context) error {
		return cache.Ping(ctx, redisClient)
	})
	health.Register(hybrid.DepDurable, store.Ping)
	health.Register(hybrid.DepSink, func(ctx context.Context) error {
		return kafka.WaitForBroker(ctx, cfg.Kafka.Brokers)
	})

	var scorer hybrid.Scorer
	if cfg.Ranker.APIKey != "" {
		client, err := ranker.New(ranker.Config{
			APIKey:      cfg.Ranker.APIKey,
			BaseURL:     cfg.Ranker.BaseURL,
			Model:       cfg.Ranker.Model,
			Timeout:     cfg.Ranker.Timeout,
			Temperature: cfg.Ranker.Temperature,
		})
		if err != nil {
			logging.Fatalf("[distributor] ranker client: %v", err)
		}
		scorer = client
		health.Register(hybrid.DepScorer, func(ctx context.Context) error {
			// No request-free probe exists for the scoring API. The
			// optimistic probe re-enables it each sweep; a real failure
			// reported by the facade flips ranking back to the fallback.
			return nil
		})
	}

	facade, err := hybrid.New(store, profileCache, prefCache, serveCache, scorer, ranker.NewFallback(0), health)
	if err != nil {
		logging.Fatalf("[distributor] hybrid store: %v", err)
	}

	limiter, err := quota.New(store, cfg.Quota, nil)
	if err != nil {
		logging.Fatalf("[distributor] rate limiter: %v", err)
	}

	engine, err := eligibility.New(facade, limiter, nil)
	if err != nil {
		logging.Fatalf("[distributor] eligibility engine: %v", err)
	}

	sched, err := scheduler.New(store, facade, limiter, dedupeCache, cfg.Fairness, nil)
	if err != nil {
		logging.Fatalf("[distributor] scheduler: %v", err)
	}

	sink, err := analytics.NewKafkaSink(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.AnalyticsTopic))
	if err != nil {
		logging.Fatalf("[distributor] analytics sink: %v", err)
	}
	recorder, err := analytics.NewRecorder(sink, store, health, hybrid.DepSink)
	if err != nil {
		logging.Fatalf("[distributor] analytics recorder: %v", err)
	}

	chatSender, err := delivery.NewKafkaSender(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.OutboundTopic))
	if err != nil {
		logging.Fatalf("[distributor] outbound sender: %v", err)
	}
	router, err := delivery.NewRouter(map[delivery.Channel]delivery.Sender{
		delivery.ChannelChat: chatSender,
	})
	if err != nil {
		logging.Fatalf("[distributor] sender router: %v", err)
	}

	pipeline, err := delivery.New(store, router, recorder, cfg.Delivery, nil)
	if err != nil {
		logging.Fatalf("[distributor] delivery pipeline: %v", err)
	}

	v, err := validator.New(staticMarketStatus{}, validator.Config{ProfitThreshold: cfg.ProfitThreshold})
	if err != nil {
		logging.Fatalf("[distributor] validator: %v", err)
	}
	svc, err := ingest.New(v, engine, sched, store, recorder, nil)
	if err != nil {
		logging.Fatalf("[distributor] ingest service: %v", err)
	}

	logging.Infof("[distributor] consuming %s with group %s (%d workers)", cfg.Kafka.CandidateTopic, cfg.Kafka.ConsumerGroup, cfg.Kafka.Workers)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		health.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		svc.RunConsumers(ctx, cfg.Kafka.Brokers, cfg.Kafka.CandidateTopic, cfg.Kafka.ConsumerGroup, cfg.Kafka.Workers)
	}()
	go func() {
		defer wg.Done()
		svc.RunExpirySweep(ctx, cfg.IngestInterval)
	}()
	go func() {
		defer wg.Done()
		recorder.RunDrain(ctx, time.Minute, 200)
	}()
	pipeline.Run(ctx)
	wg.Wait()
}
