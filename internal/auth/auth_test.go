package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-at-least-16"

func TestIssueAndValidate(t *testing.T) {
	mgr := NewManager(testSecret)

	token, err := mgr.Issue("alice", RoleUser)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("Expected a three-part JWT, got %q", token)
	}

	id, err := mgr.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if id.UserID != "alice" || id.Role != RoleUser {
		t.Errorf("Expected alice/user, got %+v", id)
	}
	if id.IsAdmin() {
		t.Error("Expected a user token not to be admin")
	}

	// Bearer prefix is accepted
	if _, err := mgr.Validate("Bearer " + token); err != nil {
		t.Errorf("Validate failed with Bearer prefix: %v", err)
	}
}

func TestIssue_AdminRole(t *testing.T) {
	mgr := NewManager(testSecret)

	token, _ := mgr.Issue("arb-1", RoleAdmin)
	id, err := mgr.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !id.IsAdmin() {
		t.Error("Expected admin identity")
	}
}

func TestIssue_RejectsBadInput(t *testing.T) {
	mgr := NewManager(testSecret)

	if _, err := mgr.Issue("", RoleUser); err == nil {
		t.Error("Expected error for empty user id")
	}
	if _, err := mgr.Issue("bob", Role("root")); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
}

func TestValidate_Empty(t *testing.T) {
	mgr := NewManager(testSecret)

	if _, err := mgr.Validate(""); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
	if _, err := mgr.Validate("Bearer "); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken for bare prefix, got %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, _ := NewManager("another-secret-value-xyz").Issue("alice", RoleUser)

	if _, err := NewManager(testSecret).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(testSecret).WithTTL(time.Hour).WithClock(func() time.Time { return issuedAt })
	token, _ := mgr.Issue("alice", RoleUser)

	later := NewManager(testSecret).WithClock(func() time.Time { return issuedAt.Add(2 * time.Hour) })
	if _, err := later.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    "tradeguard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}

	if _, err := NewManager(testSecret).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestValidate_UnknownRole(t *testing.T) {
	claims := Claims{
		Role: Role("superuser"),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    "tradeguard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))

	if _, err := NewManager(testSecret).Validate(token); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
}
