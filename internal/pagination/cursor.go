// Package pagination implements keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page. The next page holds rows strictly
// older than it, with ID breaking ties between equal timestamps.
type Cursor struct {
	At time.Time
	ID string
}

// Before reports whether a row sorts after the cursor in newest-first order.
func (c *Cursor) Before(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

// Encode returns the opaque form of a cursor.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. An empty string yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page trims items fetched with limit+1 rows and returns the cursor for
// the following page, or "" when there is none.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id)
}
