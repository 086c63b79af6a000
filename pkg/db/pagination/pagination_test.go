package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "evt_1", CreatedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", cursor.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", cursor.CreatedAt)
}

func TestBuildCursorPageInfoTrimsLookAhead(t *testing.T) {
	a, b, c := "a", "b", "c"
	items, info := BuildCursorPageInfo([]*string{&a, &b, &c}, 2, func(s *string) string { return *s })

	assert.Len(t, items, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, "b", info.NextPageToken)
}

func TestLimitClamps(t *testing.T) {
	assert.Equal(t, 50, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 10, Pagination{PageSize: 10}.Limit())
}
