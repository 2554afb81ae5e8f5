// Package pagination implements keyset pagination over (createdAt, id),
// newest first.
package pagination

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for a cursor that was not produced by Encode.
var ErrInvalidCursor = apperr.BadRequest("invalid_cursor", "Invalid pagination cursor")

// Cursor is the key of the last item on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Follows reports whether an item keyed (createdAt, id) belongs after the
// cursor in newest-first order. Memory stores use it to mirror the SQL
// predicate (created_at, id) < ($cursor_at, $cursor_id).
func (c *Cursor) Follows(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 36) + "." + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Limit clamps a requested page size to (0, MaxLimit], using DefaultLimit for
// anything non-positive.
func Limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage trims items fetched with limit+1 to limit and returns the next
// cursor, or "" on the last page.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
