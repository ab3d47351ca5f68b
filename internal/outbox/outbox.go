// Package outbox stores lifecycle events after the state change commits and
// relays them to sinks (webhooks, the realtime hub, profile counters) with
// at-least-once delivery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/scheduler"
)

var ErrEventNotFound = errors.New("outbox: event not found")

// Event is one stored message. Payload is the JSON the sinks receive.
type Event struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload as an engine event.
func (e *Event) Decode() (escrow.Event, error) {
	var ev escrow.Event
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return ev, fmt.Errorf("outbox: decode %s: %w", e.ID, err)
	}
	return ev, nil
}

// Store persists outbox events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	// Due returns undelivered events whose next attempt is at or before
	// now and that have fewer than maxAttempts attempts, oldest first.
	Due(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Event, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	// PruneDelivered deletes events delivered before the cutoff.
	PruneDelivered(ctx context.Context, before time.Time) (int, error)
	// Pending counts undelivered events.
	Pending(ctx context.Context) (int, error)
}

// Sink receives relayed events. Deliveries can repeat, so sinks must be
// idempotent on Event.ID.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e *Event) error
}

// Publisher appends engine events to the outbox.
type Publisher struct {
	store Store
	clock scheduler.Clock
}

var _ escrow.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher.
func NewPublisher(store Store, clock scheduler.Clock) *Publisher {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &Publisher{store: store, clock: clock}
}

// Publish stores the payload for delivery. Engine events keep their own ID
// so sinks can deduplicate across redeliveries.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", topic, err)
	}
	id := ""
	if ev, ok := payload.(escrow.Event); ok {
		id = ev.ID
	}
	if id == "" {
		id = idgen.WithPrefix("evt_")
	}
	now := p.clock.Now()
	return p.store.Append(ctx, &Event{
		ID:            id,
		Topic:         topic,
		Key:           key,
		Payload:       raw,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
}
