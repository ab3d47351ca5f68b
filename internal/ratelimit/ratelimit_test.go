package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cfg).WithClock(clk.now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiterAllow(t *testing.T) {
	limiter, clk := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	key := "user:buyer-1"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow(key); !ok {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if ok, _ := limiter.Allow(key); ok {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clk.advance(time.Second)

	if ok, _ := limiter.Allow(key); !ok {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if ok, _ := limiter.Allow("client-a"); ok {
		t.Error("Client A should be rate limited")
	}
	if ok, remaining := limiter.Allow("client-b"); !ok || remaining != 2 {
		t.Errorf("Client B should still have tokens, got ok=%v remaining=%d", ok, remaining)
	}
}

func TestLimiterStopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_KeysByUserAndExemptsAdmins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := auth.NewManager("ratelimit-test-secret")
	limiter, _ := newLimiter(t, Config{RequestsPerMinute: 30, BurstSize: 2, ExemptAdmins: true})

	r := gin.New()
	r.Use(auth.Middleware(mgr), limiter.Middleware())
	r.GET("/v1/trades", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string, role auth.Role) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/trades", nil)
		if user != "" {
			token, err := mgr.Issue(user, role)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	do("buyer-1", auth.RoleUser)
	do("buyer-1", auth.RoleUser)
	w := do("buyer-1", auth.RoleUser)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("Expected Retry-After 2 at 30/min, got %q", w.Header().Get("Retry-After"))
	}

	// A fresh token for the same user shares the bucket.
	if w := do("buyer-1", auth.RoleUser); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected the user bucket to be shared across tokens, got %d", w.Code)
	}
	if w := do("seller-1", auth.RoleUser); w.Code != http.StatusOK {
		t.Errorf("Other users must not be affected, got %d", w.Code)
	}
	for i := 0; i < 5; i++ {
		if w := do("admin-1", auth.RoleAdmin); w.Code != http.StatusOK {
			t.Fatalf("Admins are exempt, got %d", w.Code)
		}
	}
	if w := do("", ""); w.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("Anonymous callers are keyed by IP, remaining=%q", w.Header().Get("X-RateLimit-Remaining"))
	}
}
