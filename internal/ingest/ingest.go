package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/hetulpatel/distributor/internal/eligibility"
	"github.com/hetulpatel/distributor/internal/kafka"
	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/models"
	"github.com/hetulpatel/distributor/internal/scheduler"
	"github.com/hetulpatel/distributor/internal/validator"
)

// OpportunityStore is the durable state the ingestion cycle touches.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, opp *models.Opportunity) error
	MarkExpired(ctx context.Context, now time.Time) ([]string, error)
	CancelPendingForOpportunity(ctx context.Context, opportunityID, cause string) ([]models.QueueEntry, error)
}

// Recorder receives cancellation analytics from the expiry sweep.
type Recorder interface {
	Record(ctx context.Context, record models.DistributionRecord)
}

// Service is the detection-ingestion cycle: candidates come off the
// wire, get validated, filtered to entitled recipients, and enqueued.
// It shares no in-process state with the delivery pipeline; the durable
// queue is the only coordination point.
type Service struct {
	validator *validator.Validator
	engine    *eligibility.Engine
	sched     *scheduler.Scheduler
	store     OpportunityStore
	recorder  Recorder
	now       func() time.Time
	log       *logging.Tagged
}

// New wires the cycle. recorder may be nil; nowFn may be nil.
func New(v *validator.Validator, engine *eligibility.Engine, sched *scheduler.Scheduler, store OpportunityStore, recorder Recorder, nowFn func() time.Time) (*Service, error) {
	if v == nil || engine == nil || sched == nil || store == nil {
		return nil, fmt.Errorf("ingest: validator, engine, scheduler, and store are required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		validator: v,
		engine:    engine,
		sched:     sched,
		store:     store,
		recorder:  recorder,
		now:       nowFn,
		log:       logging.Component("ingest"),
	}, nil
}

// HandleCandidate runs one candidate through the full distribution
// pipeline. Validation failures are dropped and logged, never
// propagated to recipients.
func (s *Service) HandleCandidate(ctx context.Context, candidate models.Candidate) ([]models.QueueEntry, error) {
	now := s.now()
	opp, err := s.validator.Validate(candidate, now)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			s.log.Debugf("dropped candidate %s: %v", candidate.Pair, err)
			return nil, nil
		}
		return nil, err
	}

	if err := s.store.InsertOpportunity(ctx, opp); err != nil {
		return nil, fmt.Errorf("persist opportunity: %w", err)
	}

	recipients, err := s.engine.Recipients(ctx, opp)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		s.log.Debugf("no eligible recipients for %s", opp.ID)
		return nil, nil
	}

	entries, err := s.sched.Enqueue(ctx, opp, recipients)
	if err != nil {
		return entries, fmt.Errorf("enqueue: %w", err)
	}
	s.log.Infof("opportunity %s (%s %s) enqueued for %d of %d recipients", opp.ID, opp.Kind, opp.Pair, len(entries), len(recipients))
	return entries, nil
}

// RunConsumers consumes candidates with a worker pool, one reader per
// worker sharing a consumer group.
func (s *Service) RunConsumers(ctx context.Context, brokers []string, topic, group string, workerCount int) {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader := kafka.NewReader(brokers, topic, group)
			defer reader.Close()
			s.consume(ctx, reader)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (s *Service) consume(ctx context.Context, reader *kafkago.Reader) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Errorf("read error: %v", err)
			continue
		}

		var candidate models.Candidate
		if err := json.Unmarshal(msg.Value, &candidate); err != nil {
			s.log.Errorf("unmarshal candidate: %v", err)
			continue
		}

		if _, err := s.HandleCandidate(ctx, candidate); err != nil {
			s.log.Errorf("handle candidate: %v", err)
		}
	}
}

// RunExpirySweep periodically expires opportunities and cancels their
// still-pending entries. Entries already sending complete on their own
// and are reconciled by the pipeline.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepExpired(ctx); err != nil {
				s.log.Errorf("expiry sweep: %v", err)
			}
		}
	}
}

// SweepExpired runs one expiry pass.
func (s *Service) SweepExpired(ctx context.Context) error {
	ids, err := s.store.MarkExpired(ctx, s.now())
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	for _, id := range ids {
		cancelled, err := s.store.CancelPendingForOpportunity(ctx, id, "opportunity expired")
		if err != nil {
			return fmt.Errorf("cancel pending for %s: %w", id, err)
		}
		for _, entry := range cancelled {
			if s.recorder != nil {
				s.recorder.Record(ctx, models.DistributionRecord{
					OpportunityID: entry.OpportunityID,
					UserID:        entry.UserID,
					Outcome:       models.OutcomeCancelled,
					Attempts:      entry.Attempts,
					DeliveredAt:   s.now(),
					Error:         "opportunity expired",
				})
			}
		}
		if len(cancelled) > 0 {
			s.log.Infof("expired %s, cancelled %d pending entries", id, len(cancelled))
		}
	}
	return nil
}
