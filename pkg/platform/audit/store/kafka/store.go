package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	audit "registrar/pkg/platform/audit"
)

// Producer publishes a keyed record to a topic.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// Store implements audit.Store by publishing each event as JSON. Records are
// keyed by checkout so one checkout's events stay ordered within a partition.
type Store struct {
	producer Producer
	topic    string
}

func New(producer Producer, topic string) *Store {
	return &Store{producer: producer, topic: topic}
}

type payload struct {
	ID               string `json:"id"`
	Category         string `json:"category"`
	Timestamp        string `json:"timestamp"`
	OwnerID          string `json:"owner_id,omitempty"`
	CheckoutID       string `json:"checkout_id,omitempty"`
	Subject          string `json:"subject,omitempty"`
	EventKey         string `json:"event_key,omitempty"`
	Action           string `json:"action"`
	AmountMinorUnits int64  `json:"amount_minor_units,omitempty"`
	PaymentRef       string `json:"payment_ref,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	p := payload{
		ID:               uuid.NewString(),
		Category:         string(event.Category),
		Timestamp:        event.Timestamp.UTC().Format(time.RFC3339Nano),
		CheckoutID:       event.CheckoutID,
		Subject:          event.Subject,
		EventKey:         event.EventKey,
		Action:           event.Action,
		AmountMinorUnits: event.AmountMinorUnits,
		PaymentRef:       event.PaymentRef,
		Reason:           event.Reason,
		RequestID:        event.RequestID,
	}
	if !event.OwnerID.IsNil() {
		p.OwnerID = event.OwnerID.String()
	}

	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := s.producer.Produce(ctx, s.topic, []byte(event.CheckoutID), value); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}
