package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/outbox"
	"github.com/mbd888/tradeguard/internal/retry"
	"github.com/mbd888/tradeguard/internal/security"
)

func testEvent(t *testing.T, topic escrow.EventType, recipients ...string) *outbox.Event {
	t.Helper()
	payload, err := json.Marshal(escrow.Event{
		ID:         "evt_1",
		Type:       topic,
		TradeID:    "trd_1",
		Recipients: recipients,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &outbox.Event{
		ID:        "evt_1",
		Topic:     string(topic),
		Key:       "trd_1",
		Payload:   payload,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *capture) server(t *testing.T, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		OwnerID:   "buyer-1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Topics:    []string{string(escrow.EventDisputeOpened)},
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_test1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore_ListActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Create(ctx, &Subscription{ID: "wh1", Topics: []string{"dispute.opened"}, Active: true, CreatedAt: now})
	_ = store.Create(ctx, &Subscription{ID: "wh2", Topics: []string{AllTopics}, Active: true, CreatedAt: now.Add(time.Second)})
	_ = store.Create(ctx, &Subscription{ID: "wh3", Topics: []string{"dispute.opened"}, Active: false, CreatedAt: now})
	_ = store.Create(ctx, &Subscription{ID: "wh4", Topics: []string{"trade.status_changed"}, Active: true, CreatedAt: now})

	subs, _ := store.ListActive(ctx, "dispute.opened")
	if len(subs) != 2 || subs[0].ID != "wh1" || subs[1].ID != "wh2" {
		t.Fatalf("Expected [wh1 wh2], got %v", subs)
	}
}

// ---------------------------------------------------------------------------
// Dispatcher tests
// ---------------------------------------------------------------------------

func TestDispatcher_SignsAndScopesToRecipients(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var c capture
	srv := c.server(t, &status)

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh_buyer", OwnerID: "buyer-1", URL: srv.URL, Secret: "s3cret", Topics: []string{"dispute.opened"}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh_stranger", OwnerID: "someone-else", URL: srv.URL, Secret: "x", Topics: []string{"dispute.opened"}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh_platform", URL: srv.URL, Topics: []string{AllTopics}, Active: true})

	d := NewDispatcher(store, logging.Discard())
	e := testEvent(t, escrow.EventDisputeOpened, "buyer-1", "seller-1")
	if err := d.Deliver(ctx, e); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if c.count() != 2 {
		t.Fatalf("Expected buyer and platform deliveries, got %d", c.count())
	}
	signed := 0
	for i, r := range c.requests {
		if r.Header.Get(HeaderEvent) != "dispute.opened" {
			t.Errorf("Expected event header, got %q", r.Header.Get(HeaderEvent))
		}
		if r.Header.Get(HeaderDelivery) != "evt_1" {
			t.Errorf("Expected delivery header evt_1, got %q", r.Header.Get(HeaderDelivery))
		}
		if !bytes.Equal(c.bodies[i], e.Payload) {
			t.Errorf("Body was modified in transit")
		}
		if sig := r.Header.Get(HeaderSignature); sig != "" {
			signed++
			if !Verify(c.bodies[i], "s3cret", sig) {
				t.Errorf("Signature %q does not verify", sig)
			}
		}
	}
	if signed != 1 {
		t.Errorf("Expected exactly one signed delivery, got %d", signed)
	}
}

func TestDispatcher_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int32
		wantErr   bool
		permanent bool
	}{
		{http.StatusNoContent, false, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusTooManyRequests, true, false},
		// A 4xx is logged and dropped so it never blocks the outbox.
		{http.StatusGone, false, false},
	}
	for _, tt := range tests {
		var status atomic.Int32
		status.Store(tt.status)
		var c capture
		srv := c.server(t, &status)

		store := NewMemoryStore()
		_ = store.Create(context.Background(), &Subscription{ID: "wh1", URL: srv.URL, Topics: []string{AllTopics}, Active: true})
		d := NewDispatcher(store, logging.Discard())

		err := d.Deliver(context.Background(), testEvent(t, escrow.EventTradeStatusChanged))
		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: expected error=%v, got %v", tt.status, tt.wantErr, err)
		}
		if err != nil && retry.IsPermanent(err) != tt.permanent {
			t.Errorf("status %d: expected permanent=%v", tt.status, tt.permanent)
		}
	}
}

func TestDispatcher_BreakerSkipsFailingEndpoint(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	var c capture
	srv := c.server(t, &status)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{ID: "wh1", URL: srv.URL, Topics: []string{AllTopics}, Active: true})
	d := NewDispatcher(store, logging.Discard()).WithBreaker(circuitbreaker.New(2, time.Hour))

	for range 4 {
		_ = d.Deliver(context.Background(), testEvent(t, escrow.EventTradeStatusChanged))
	}
	if c.count() != 2 {
		t.Errorf("Expected breaker to stop calls after 2 failures, got %d calls", c.count())
	}
	err := d.Deliver(context.Background(), testEvent(t, escrow.EventTradeStatusChanged))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
}

func TestDispatcher_NoSubscribers(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), logging.Discard())
	// Garbage payload is never decoded when nobody listens.
	if err := d.Deliver(context.Background(), &outbox.Event{ID: "evt_x", Topic: "dispute.opened", Payload: []byte("{")}); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := "sha256=" + Sign(body, "k")
	if !Verify(body, "k", sig) {
		t.Error("Expected valid signature")
	}
	for _, bad := range []string{"", "sha256=", Sign(body, "k"), "sha256=" + Sign(body, "other")} {
		if Verify(body, "k", bad) {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func setupRouter(t *testing.T) (*gin.Engine, *auth.Manager, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := auth.NewManager("webhook-test-secret")
	store := NewMemoryStore()
	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(mgr), auth.RequireAuth())
	NewHandler(store).WithURLValidator(security.NewEndpointValidator().AllowPrivate(true)).RegisterRoutes(v1)
	return r, mgr, store
}

func call(t *testing.T, r *gin.Engine, mgr *auth.Manager, method, path, user string, role auth.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, err := mgr.Issue(user, role)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, mgr, store := setupRouter(t)

	w := call(t, r, mgr, "POST", "/v1/webhooks", "buyer-1", auth.RoleUser, CreateWebhookRequest{
		URL: "https://hooks.example.com/p2p", Topics: []string{"dispute.opened", "dispute.resolved"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if len(created.Secret) != 64 {
		t.Errorf("Expected a 64-char secret, got %q", created.Secret)
	}
	stored, err := store.Get(context.Background(), created.Webhook.ID)
	if err != nil || stored.OwnerID != "buyer-1" || stored.Secret != created.Secret {
		t.Fatalf("Stored subscription mismatch: %+v, %v", stored, err)
	}

	w = call(t, r, mgr, "GET", "/v1/webhooks", "buyer-1", auth.RoleUser, nil)
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte(created.Secret)) {
		t.Fatalf("List must succeed without leaking the secret: %d %s", w.Code, w.Body.String())
	}

	w = call(t, r, mgr, "DELETE", "/v1/webhooks/"+created.Webhook.ID, "seller-1", auth.RoleUser, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another user's webhook, got %d", w.Code)
	}
	w = call(t, r, mgr, "DELETE", "/v1/webhooks/"+created.Webhook.ID, "buyer-1", auth.RoleUser, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestHandler_Validation(t *testing.T) {
	r, mgr, _ := setupRouter(t)

	tests := []struct {
		name string
		role auth.Role
		body CreateWebhookRequest
		want int
	}{
		{"relative url", auth.RoleUser, CreateWebhookRequest{URL: "/hook", Topics: []string{"dispute.opened"}}, http.StatusBadRequest},
		{"ftp url", auth.RoleUser, CreateWebhookRequest{URL: "ftp://x.example.com", Topics: []string{"dispute.opened"}}, http.StatusBadRequest},
		{"unknown topic", auth.RoleUser, CreateWebhookRequest{URL: "https://x.example.com", Topics: []string{"payment.received"}}, http.StatusBadRequest},
		{"platform by user", auth.RoleUser, CreateWebhookRequest{URL: "https://x.example.com", Topics: []string{"*"}, Platform: true}, http.StatusForbidden},
		{"platform by admin", auth.RoleAdmin, CreateWebhookRequest{URL: "https://x.example.com", Topics: []string{"*"}, Platform: true}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(t, r, mgr, "POST", "/v1/webhooks", "user-1", tt.role, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}
