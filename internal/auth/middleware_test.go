package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T, role Role) (*Manager, string) {
	t.Helper()
	mgr := NewManager(testSecret)
	token, err := mgr.Issue("user-abc", role)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return mgr, token
}

// --- Middleware() ---

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	mgr, token := setupMiddlewareTest(t, RoleUser)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	Middleware(mgr)(c)

	if GetUserID(c) != "user-abc" {
		t.Errorf("Expected user-abc, got %q", GetUserID(c))
	}
	id, ok := GetIdentity(c)
	if !ok || id.Role != RoleUser {
		t.Errorf("Expected user identity in context, got %+v (ok=%v)", id, ok)
	}
	if logging.Actor(c.Request.Context()) != "user-abc" {
		t.Error("Expected actor on request context for logging")
	}
}

func TestMiddleware_QueryToken(t *testing.T) {
	mgr, token := setupMiddlewareTest(t, RoleAdmin)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/ws?access_token="+token, nil)

	Middleware(mgr)(c)

	if !IsAdmin(c) {
		t.Error("Expected admin identity from query token")
	}
}

func TestMiddleware_InvalidToken_NoContext(t *testing.T) {
	mgr, _ := setupMiddlewareTest(t, RoleUser)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer not.a.jwt")

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected no identity for invalid token")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort; RequireAuth decides")
	}
}

// --- RequireAuth() / RequireAdmin() ---

func newRouter(mgr *Manager, guards ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	handlers := append(guards, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetUserID(c)})
	})
	r.GET("/protected", handlers...)
	return r
}

func TestRequireAuth(t *testing.T) {
	mgr, token := setupMiddlewareTest(t, RoleUser)
	r := newRouter(mgr, RequireAuth())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	mgr := NewManager(testSecret)
	userToken, _ := mgr.Issue("u1", RoleUser)
	adminToken, _ := mgr.Issue("a1", RoleAdmin)
	r := newRouter(mgr, RequireAdmin())

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"user", userToken, http.StatusForbidden},
		{"admin", adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

// --- Handler ---

func TestHandler_DevTokenRoundTrip(t *testing.T) {
	mgr := NewManager(testSecret)
	r := gin.New()
	r.Use(Middleware(mgr))
	NewHandler(mgr, true).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/auth/dev-token", strings.NewReader(`{"userId":"arb-7","role":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var minted struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &minted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+minted.Token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"userId":"arb-7"`) || !strings.Contains(w.Body.String(), `"role":"admin"`) {
		t.Errorf("Unexpected identity body: %s", w.Body.String())
	}
}

func TestHandler_DevTokenDisabledOutsideDevelopment(t *testing.T) {
	mgr := NewManager(testSecret)
	r := gin.New()
	NewHandler(mgr, false).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/auth/dev-token", strings.NewReader(`{"userId":"x"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if StatusFor(ErrNoToken) != http.StatusUnauthorized {
		t.Error("ErrNoToken should map to 401")
	}
	if StatusFor(ErrInvalidRole) != http.StatusForbidden {
		t.Error("ErrInvalidRole should map to 403")
	}
}
