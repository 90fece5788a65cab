package pagination

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	token, err := EncodeCursor(Cursor{ID: "42", Timestamp: ts})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)
	assert.True(t, ts.Equal(cursor.Timestamp))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-a-token!")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestBuildCursorPage(t *testing.T) {
	rows := []int{1, 2, 3}
	extract := func(v int) Cursor { return Cursor{ID: strconv.Itoa(v)} }

	page, info, err := BuildCursorPage(rows, 2, extract)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, page)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "2", cursor.ID)

	page, info, err = BuildCursorPage(rows, 3, extract)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
}

func TestNormalizePageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, NormalizePageSize(0))
	assert.Equal(t, MaxPageSize, NormalizePageSize(1000))
	assert.Equal(t, 5, NormalizePageSize(5))
}
