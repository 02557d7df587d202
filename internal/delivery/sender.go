package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hetulpatel/distributor/internal/models"
)

// Channel tags the sealed set of notification-channel variants.
// Dispatch happens by tag, not inheritance.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Payload is one delivery handed to the external notification sender.
// Batched entries merge multiple opportunities into one payload.
type Payload struct {
	UserID         string               `json:"user_id"`
	Channel        Channel              `json:"channel"`
	Opportunities  []models.Opportunity `json:"opportunities"`
	Priority       float64              `json:"priority"`
	IdempotencyKey string               `json:"idempotency_key"`
	SentAt         time.Time            `json:"sent_at"`
}

// Sender is the capability interface to the external notification
// front end. Implementations must be idempotent per IdempotencyKey:
// ambiguous timeouts can repeat a send that already succeeded.
type Sender interface {
	Send(ctx context.Context, payload Payload) error
}

// KafkaSender publishes payloads for the chat/bot front end to consume.
// The message key is the idempotency key so downstream consumers can
// dedupe replays.
type KafkaSender struct {
	writer *kafka.Writer
}

// NewKafkaSender wraps a configured writer.
func NewKafkaSender(writer *kafka.Writer) (*KafkaSender, error) {
	if writer == nil {
		return nil, fmt.Errorf("sender: kafka writer is required")
	}
	return &KafkaSender{writer: writer}, nil
}

func (s *KafkaSender) Send(ctx context.Context, payload Payload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		// Unserializable payloads can never succeed; do not retry.
		return fmt.Errorf("%w: marshal payload: %v", models.ErrTerminalDelivery, err)
	}
	msg := kafka.Message{
		Key:   []byte(payload.IdempotencyKey),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransientDelivery, err)
	}
	return nil
}

// Router dispatches payloads across the sealed channel set. Unknown
// tags fall back to the chat channel.
type Router struct {
	senders map[Channel]Sender
}

// NewRouter requires at least the chat variant.
func NewRouter(senders map[Channel]Sender) (*Router, error) {
	if senders[ChannelChat] == nil {
		return nil, fmt.Errorf("sender: chat channel is required")
	}
	return &Router{senders: senders}, nil
}

func (r *Router) Send(ctx context.Context, payload Payload) error {
	sender, ok := r.senders[payload.Channel]
	if !ok {
		sender = r.senders[ChannelChat]
	}
	return sender.Send(ctx, payload)
}
