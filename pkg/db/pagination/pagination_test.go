package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	enc, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, "42", dec.ID)
}

func TestTrim(t *testing.T) {
	type row struct{ id string }
	rows := []*row{{"1"}, {"2"}, {"3"}}

	out, info, err := Trim(rows, 2, func(r *row) Cursor { return Cursor{ID: r.id} })
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.True(t, info.HasMore)

	dec, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", dec.ID)

	out, info, err = Trim(rows, 5, func(r *row) Cursor { return Cursor{ID: r.id} })
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.False(t, info.HasMore)
}
