// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidCursor is returned by Decode for malformed cursors.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor is the (createdAt, id) key of the last item on a page.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// String returns the opaque form handed to clients.
func (c Cursor) String() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Encode is shorthand for Cursor{createdAt, id}.String().
func Encode(createdAt time.Time, id string) string {
	return Cursor{CreatedAt: createdAt.UTC(), ID: id}.String()
}

// Decode parses an opaque cursor. Empty input yields a nil cursor, meaning
// the first page.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// Admits reports whether an item keyed (createdAt, id) belongs after the
// cursor in newest-first order. A nil cursor admits everything. This is the
// in-memory twin of `WHERE (created_at, id) < ($1, $2)`.
func (c *Cursor) Admits(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// ParseLimit reads a ?limit= value, falling back to DefaultLimit and
// clamping to MaxLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// ComputePage trims items fetched with limit+1 down to limit. When the
// extra item was present it returns the cursor of the last kept item.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	return page, Encode(key(page[limit-1])), true
}
