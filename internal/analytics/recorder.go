package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hetulpatel/distributor/internal/hashutil"
	"github.com/hetulpatel/distributor/internal/logging"
	"github.com/hetulpatel/distributor/internal/models"
	sqlstore "github.com/hetulpatel/distributor/internal/storage/sqlite"
)

// Sink is the primary analytics destination.
type Sink interface {
	Publish(ctx context.Context, record models.DistributionRecord) error
}

// KafkaSink publishes distribution records to the analytics topic.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink wraps a configured writer.
func NewKafkaSink(writer *kafka.Writer) (*KafkaSink, error) {
	if writer == nil {
		return nil, fmt.Errorf("analytics: kafka writer is required")
	}
	return &KafkaSink{writer: writer}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, record models.DistributionRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal analytics record: %w", err)
	}
	key := hashutil.HashStrings(record.OpportunityID, record.UserID, string(record.Outcome))
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

// FallbackQueue is the local durable queue used while the sink is down.
type FallbackQueue interface {
	EnqueueAnalytics(ctx context.Context, record models.DistributionRecord) error
	PendingAnalytics(ctx context.Context, limit int) ([]sqlstore.QueuedRecord, error)
	DeleteAnalytics(ctx context.Context, seqs []int64) error
}

// Health gates direct sink writes.
type Health interface {
	Healthy(name string) bool
	ReportFailure(name string)
}

// Recorder writes analytics best-effort: the primary sink while it is
// healthy, the durable fallback queue otherwise. Sink unavailability
// never blocks delivery, it only degrades analytics fidelity.
type Recorder struct {
	sink     Sink
	fallback FallbackQueue
	health   Health
	depName  string
	log      *logging.Tagged
}

// NewRecorder wires the recorder. health may be nil.
func NewRecorder(sink Sink, fallback FallbackQueue, health Health, depName string) (*Recorder, error) {
	if sink == nil {
		return nil, fmt.Errorf("analytics: sink is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("analytics: fallback queue is required")
	}
	if depName == "" {
		depName = "analytics-sink"
	}
	return &Recorder{sink: sink, fallback: fallback, health: health, depName: depName, log: logging.Component("analytics")}, nil
}

// Record never returns an error: analytics are append-only and
// best-effort. A record that fails both tiers is logged and dropped.
func (r *Recorder) Record(ctx context.Context, record models.DistributionRecord) {
	if r.health == nil || r.health.Healthy(r.depName) {
		err := r.sink.Publish(ctx, record)
		if err == nil {
			return
		}
		if r.health != nil {
			r.health.ReportFailure(r.depName)
		}
		r.log.Errorf("sink publish failed, queueing locally: %v", err)
	}
	if err := r.fallback.EnqueueAnalytics(ctx, record); err != nil {
		r.log.Errorf("fallback enqueue failed, dropping record for %s/%s: %v", record.OpportunityID, record.UserID, err)
	}
}

// Drain flushes queued records back to the sink. Called periodically;
// cheap no-op while the queue is empty or the sink is still down.
func (r *Recorder) Drain(ctx context.Context, limit int) error {
	if r.health != nil && !r.health.Healthy(r.depName) {
		return nil
	}
	queued, err := r.fallback.PendingAnalytics(ctx, limit)
	if err != nil {
		return fmt.Errorf("read fallback queue: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}
	flushed := make([]int64, 0, len(queued))
	for _, qr := range queued {
		if err := r.sink.Publish(ctx, qr.Record); err != nil {
			if r.health != nil {
				r.health.ReportFailure(r.depName)
			}
			break
		}
		flushed = append(flushed, qr.Seq)
	}
	if len(flushed) == 0 {
		return nil
	}
	if err := r.fallback.DeleteAnalytics(ctx, flushed); err != nil {
		return fmt.Errorf("trim fallback queue: %w", err)
	}
	r.log.Infof("drained %d queued analytics records", len(flushed))
	return nil
}

// RunDrain drains on an interval until the context is cancelled.
func (r *Recorder) RunDrain(ctx context.Context, interval time.Duration, limit int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Drain(ctx, limit); err != nil {
				r.log.Errorf("drain: %v", err)
			}
		}
	}
}
