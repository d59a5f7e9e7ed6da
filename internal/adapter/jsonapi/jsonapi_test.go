package jsonapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heatlink/fetchengine/internal/model"
)

const samplePayload = `{
  "data": {
    "items": [
      {"id": "1", "headline": "First", "link": "https://example.com/1", "published": "2026-01-01T00:00:00Z", "tags": ["a", "b"]},
      {"id": "2", "headline": "Second", "link": "https://example.com/2"}
    ]
  }
}`

func newDescriptor(url string) model.SourceDescriptor {
	return model.SourceDescriptor{
		SourceID: "demo",
		Name:     "Demo",
		Type:     model.SourceTypeAPI,
		Config: map[string]any{
			"jsonapi": map[string]any{
				"url":        url,
				"items_path": "data.items",
				"fields": map[string]any{
					"id":           "id",
					"title":        "headline",
					"url":          "link",
					"published_at": "published",
					"tags":         "tags",
				},
			},
		},
	}
}

func TestAdapterFetchExtractsFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer srv.Close()

	a, err := New(newDescriptor(srv.URL))
	require.NoError(t, err)

	items, err := a.(*Adapter).Fetch(context.Background(), srv.Client())
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, "First", items[0].Title)
	require.Equal(t, "https://example.com/1", items[0].URL)
	require.Equal(t, "demo", items[0].SourceID)
	require.NotNil(t, items[0].PublishedAt)
	require.Equal(t, []string{"a", "b"}, items[0].Tags)
	require.NotEmpty(t, items[0].ID)

	require.Equal(t, "Second", items[1].Title)
	require.Nil(t, items[1].PublishedAt)
}

func TestAdapterFetchRejectsNonArrayPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"items": "not-an-array"}}`))
	}))
	defer srv.Close()

	a, err := New(newDescriptor(srv.URL))
	require.NoError(t, err)
	_, err = a.(*Adapter).Fetch(context.Background(), srv.Client())
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.ErrorKindParse, kind)
}

func TestAdapterFetchPropagatesHTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, err := New(newDescriptor(srv.URL))
	require.NoError(t, err)
	_, err = a.(*Adapter).Fetch(context.Background(), srv.Client())
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.ErrorKindNetwork, kind)
}

func TestAdapterFetchClassifiesRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, err := New(newDescriptor(srv.URL))
	require.NoError(t, err)
	_, err = a.(*Adapter).Fetch(context.Background(), srv.Client())
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.ErrorKindRateLimited, kind)
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(model.SourceDescriptor{SourceID: "demo", Config: map[string]any{}})
	require.Error(t, err)
}
