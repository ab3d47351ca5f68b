// Package webhooks delivers lifecycle events to external HTTP endpoints.
//
// Users subscribe a URL to one or more topics (trade.status_changed,
// dispute.opened, ...) and receive the events of trades they are a party
// to. Subscriptions without an owner are platform-wide and receive every
// event on their topics. Each request is signed with HMAC-SHA256 over the
// body using the subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/outbox"
	"github.com/mbd888/tradeguard/internal/retry"
)

const (
	HeaderEvent     = "X-Tradeguard-Event"
	HeaderDelivery  = "X-Tradeguard-Delivery"
	HeaderTimestamp = "X-Tradeguard-Timestamp"
	HeaderSignature = "X-Tradeguard-Signature"

	// AllTopics subscribes to every topic.
	AllTopics = "*"
)

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// Subscription is a registered endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId,omitempty"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"` // used for HMAC signing
	Topics    []string  `json:"topics"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wants reports whether the subscription listens on the topic.
func (s *Subscription) Wants(topic string) bool {
	return slices.Contains(s.Topics, topic) || slices.Contains(s.Topics, AllTopics)
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	// ListActive returns every active subscription for the topic.
	ListActive(ctx context.Context, topic string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
}

// Dispatcher is the outbox sink that posts events to subscribers.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ outbox.Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. A subscription that fails five times
// in a row is skipped for a minute.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	// Subscriber-side rejections (4xx) do not count against the circuit.
	breaker := circuitbreaker.New(5, time.Minute).WithName("webhooks").WithFailureClassifier(func(err error) bool {
		return !retry.IsPermanent(err)
	})
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithBreaker replaces the per-subscription circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) Name() string { return "webhooks" }

// OpenCircuits lists subscriptions currently skipped after repeated failures.
func (d *Dispatcher) OpenCircuits() []string { return d.breaker.Open() }

// Deliver posts the event to every matching subscription. Any retryable
// failure fails the whole delivery; subscribers deduplicate on the
// delivery header.
func (d *Dispatcher) Deliver(ctx context.Context, e *outbox.Event) error {
	subs, err := d.store.ListActive(ctx, e.Topic)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	ev, err := e.Decode()
	if err != nil {
		return retry.Permanent(err)
	}

	var errs []error
	for _, sub := range subs {
		if sub.OwnerID != "" && !slices.Contains(ev.Recipients, sub.OwnerID) {
			continue
		}
		err := d.breaker.Execute(sub.ID, func() error { return d.send(ctx, sub, e) })
		switch {
		case err == nil:
			metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
		case retry.IsPermanent(err):
			metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
			d.logger.Warn("webhook rejected by subscriber", "subscription_id", sub.ID, "event_id", e.ID, "error", err)
		default:
			metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, e *outbox.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(e.Payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, e.Topic)
	req.Header.Set(HeaderDelivery, e.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(e.CreatedAt.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(e.Payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value produced by the dispatcher.
func Verify(payload []byte, secret, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(header[len(prefix):]), []byte(Sign(payload, secret)))
}
