// Package auth provides bearer-token authentication for the trade API.
//
// Authentication model:
//   - Every /v1 endpoint requires an HS256 JWT in the Authorization header
//   - The token subject is the user ID; the role claim is "user" or "admin"
//   - Admin-only routes (assignment, arbitration actions) add RequireAdmin
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrInvalidRole  = errors.New("unknown role")
)

// Role is the caller's privilege level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Claims are the JWT claims the API understands.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is an authenticated caller.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the caller is an arbitrator.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Manager issues and validates tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager for the given HMAC secret.
func NewManager(secret string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: "tradeguard",
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
}

// WithTTL sets the lifetime of issued tokens.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithClock replaces time.Now, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue signs a token for userID with the given role.
func (m *Manager) Issue(userID string, role Role) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if role != RoleUser && role != RoleAdmin {
		return "", ErrInvalidRole
	}
	now := m.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate parses a raw token (with or without the "Bearer " prefix) and
// returns the caller identity.
func (m *Manager) Validate(raw string) (Identity, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Identity{}, ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	if claims.Role != RoleUser && claims.Role != RoleAdmin {
		return Identity{}, ErrInvalidRole
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}
