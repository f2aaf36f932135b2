// Package pagination implements the opaque cursors used by transaction
// history listings. A cursor pins a (createdAt, id) position so pages stay
// stable while new ledger rows are appended at the head.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursor strings that did not come from
// Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded position in a newest-first history listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Precedes reports whether the cursor comes before a row with the given key
// in newest-first read order, i.e. whether the row belongs on a page after
// this cursor. Rows sharing the cursor's timestamp are ordered by
// descending ID.
func (c *Cursor) Precedes(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns the opaque cursor string for a row key.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Empty input means "from the top"
// and decodes to nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosPart, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        id,
	}, nil
}

// ComputePage trims a limit+1 fetch down to one page. key extracts the
// (createdAt, id) sort key from an item; when more rows remain, the
// returned cursor points at the last item of the page.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
