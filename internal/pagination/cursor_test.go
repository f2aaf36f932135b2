package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type historyRow struct {
	id        string
	createdAt time.Time
}

func rowKey(r historyRow) (time.Time, string) {
	return r.createdAt, r.id
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 15, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "txn_9f2c"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "txn_9f2c", cursor.ID)
}

func TestDecodeEmptyMeansFromTheTop(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	bad := []string{
		"not-base64!!!",
		base64.URLEncoding.EncodeToString([]byte("noseparator")),
		base64.URLEncoding.EncodeToString([]byte("1755940500000000000|")),
		base64.URLEncoding.EncodeToString([]byte("yesterday|txn_1")),
	}
	for _, s := range bad {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursorPrecedes(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 15, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "txn_m"}

	assert.True(t, c.Precedes(ts.Add(-time.Second), "txn_z"), "older row belongs on the next page")
	assert.False(t, c.Precedes(ts.Add(time.Second), "txn_a"), "newer row was already served")
	assert.True(t, c.Precedes(ts, "txn_a"), "timestamp tie breaks on descending ID")
	assert.False(t, c.Precedes(ts, "txn_z"))
	assert.False(t, c.Precedes(ts, "txn_m"), "the cursor row itself is not repeated")
}

func TestComputePage(t *testing.T) {
	base := time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)
	rows := []historyRow{
		{"txn_4", base},
		{"txn_3", base.Add(-time.Minute)},
		{"txn_2", base.Add(-2 * time.Minute)},
		{"txn_1", base.Add(-3 * time.Minute)},
	}

	// Fetched limit+1, so more pages remain and the cursor pins the tail.
	page, cursor, hasMore := ComputePage(rows, 3, rowKey)
	require.Len(t, page, 3)
	assert.True(t, hasMore)
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "txn_2", c.ID)

	// Exactly limit rows means the listing is complete.
	page, cursor, hasMore = ComputePage(rows[:3], 3, rowKey)
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)

	// A short final page.
	page, cursor, hasMore = ComputePage(rows[:2], 3, rowKey)
	assert.Len(t, page, 2)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
