package emitter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heatlink/fetchengine/internal/model"
)

func TestDedupeByIDKeepsFirstOccurrence(t *testing.T) {
	t.Parallel()

	in := []model.NewsItem{
		{ID: "a", Title: "first"},
		{ID: "b", Title: "only"},
		{ID: "a", Title: "second"},
	}
	out := dedupeByID(in)

	require.Len(t, out, 2)
	require.Equal(t, "first", out[0].Title)
	require.Equal(t, "only", out[1].Title)
}

func TestDedupeByIDEmptyInput(t *testing.T) {
	t.Parallel()

	require.Empty(t, dedupeByID(nil))
}
