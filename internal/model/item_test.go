package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveIDDeterministic(t *testing.T) {
	t.Parallel()

	published := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id1 := DeriveID("demo", "https://example.com/a", &published, "Title")
	id2 := DeriveID("demo", "https://example.com/a", &published, "Title")
	require.Equal(t, id1, id2)

	id3 := DeriveID("demo", "https://example.com/b", &published, "Title")
	require.NotEqual(t, id1, id3)
}

func TestDeriveIDNilPublishedAt(t *testing.T) {
	t.Parallel()

	id1 := DeriveID("demo", "https://example.com/a", nil, "Title")
	id2 := DeriveID("demo", "https://example.com/a", nil, "Title")
	require.Equal(t, id1, id2)
}

func TestNormalizeStripsExtraSourceFields(t *testing.T) {
	t.Parallel()

	item := &NewsItem{
		Title: "Hello",
		URL:   "https://example.com/x",
		Extra: map[string]any{
			"source_id":   "should-not-survive",
			"source_name": "should-not-survive-either",
			"keep":        "me",
		},
	}
	item.Normalize("demo", "Demo Source")

	require.Equal(t, "demo", item.SourceID)
	require.Equal(t, "Demo Source", item.SourceName)
	require.NotContains(t, item.Extra, "source_id")
	require.NotContains(t, item.Extra, "source_name")
	require.Equal(t, "me", item.Extra["keep"])
	require.NotEmpty(t, item.ID)
}

func TestNormalizeDerivesIDOnlyWhenMissing(t *testing.T) {
	t.Parallel()

	item := &NewsItem{Title: "Hello", URL: "https://example.com/x", ID: "preset"}
	item.Normalize("demo", "Demo Source")
	require.Equal(t, "preset", item.ID)
}

func TestNormalizeCoercesTimestampsToUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+5", 5*3600)
	published := time.Date(2026, 1, 1, 12, 0, 0, 0, loc)
	item := &NewsItem{Title: "Hello", URL: "https://example.com/x", PublishedAt: &published}
	item.Normalize("demo", "Demo Source")

	require.Equal(t, time.UTC, item.PublishedAt.Location())
}
