package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("trd_")
	if !strings.HasPrefix(id, "trd_") {
		t.Fatalf("expected trd_ prefix, got %q", id)
	}
	if len(id) != len("trd_")+32 {
		t.Fatalf("unexpected length %d for %q", len(id), id)
	}
	if WithPrefix("trd_") == id {
		t.Fatal("expected distinct ids")
	}
}

func TestToken_IsUUID(t *testing.T) {
	tok := Token()
	parsed, err := uuid.Parse(tok)
	if err != nil {
		t.Fatalf("token %q is not a uuid: %v", tok, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7 token, got v%d", parsed.Version())
	}
}

func TestHex(t *testing.T) {
	if got := len(Hex(8)); got != 16 {
		t.Fatalf("expected 16 hex chars, got %d", got)
	}
}
