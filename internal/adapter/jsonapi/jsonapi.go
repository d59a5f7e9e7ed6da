// Package jsonapi implements the JSON API reference adapter shape: a
// request template plus a gjson path expression locating the item array
// and a per-field extraction map.
package jsonapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/tidwall/gjson"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/model"
)

// FieldMap names the gjson paths (relative to each item in the array) used
// to populate a NewsItem.
type FieldMap struct {
	ID          string
	Title       string
	URL         string
	Summary     string
	Content     string
	Author      string
	ImageURL    string
	PublishedAt string
	Category    string
	Tags        string
}

// Config describes one JSON API source.
type Config struct {
	RequestURL string
	Method     string
	Headers    map[string]string
	Body       string
	ItemsPath  string // gjson path to the array of items, e.g. "data.items"
	Fields     FieldMap
	TimeLayout string // defaults to time.RFC3339 when empty
}

// Adapter fetches and extracts items from a JSON API source.
type Adapter struct {
	desc model.SourceDescriptor
	cfg  Config
}

// New constructs an Adapter from a descriptor whose Config map decodes
// into a jsonapi.Config under the key "jsonapi".
func New(desc model.SourceDescriptor) (adapter.Adapter, error) {
	cfg, err := parseConfig(desc.Config)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: %s: %w", desc.SourceID, err)
	}
	return &Adapter{desc: desc, cfg: cfg}, nil
}

func parseConfig(raw map[string]any) (Config, error) {
	section, _ := raw["jsonapi"].(map[string]any)
	cfg := Config{Method: http.MethodGet, TimeLayout: time.RFC3339}

	if v, ok := section["url"].(string); ok {
		cfg.RequestURL = v
	}
	if cfg.RequestURL == "" {
		return Config{}, fmt.Errorf("missing jsonapi.url")
	}
	if v, ok := section["method"].(string); ok && v != "" {
		cfg.Method = v
	}
	if v, ok := section["body"].(string); ok {
		cfg.Body = v
	}
	if v, ok := section["items_path"].(string); ok {
		cfg.ItemsPath = v
	}
	if headers, ok := section["headers"].(map[string]any); ok {
		cfg.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				cfg.Headers[k] = s
			}
		}
	}
	if fields, ok := section["fields"].(map[string]any); ok {
		cfg.Fields = FieldMap{
			ID:          stringField(fields, "id"),
			Title:       stringField(fields, "title"),
			URL:         stringField(fields, "url"),
			Summary:     stringField(fields, "summary"),
			Content:     stringField(fields, "content"),
			Author:      stringField(fields, "author"),
			ImageURL:    stringField(fields, "image_url"),
			PublishedAt: stringField(fields, "published_at"),
			Category:    stringField(fields, "category"),
			Tags:        stringField(fields, "tags"),
		}
	}
	return cfg, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Metadata implements adapter.Adapter.
func (a *Adapter) Metadata() model.SourceDescriptor { return a.desc }

// Fetch implements adapter.Adapter. The request goes through a
// colly.Collector bound to client via SetClient, so the collector never
// dials its own transport; it only orchestrates the request and captures
// the raw response body for gjson extraction.
func (a *Adapter) Fetch(ctx context.Context, client *http.Client) ([]model.NewsItem, error) {
	raw, statusCode, err := a.fetchBody(ctx, client)
	if err != nil {
		return nil, err
	}
	if statusCode == http.StatusTooManyRequests {
		return nil, model.NewEngineError(model.ErrorKindRateLimited, a.desc.SourceID,
			fmt.Errorf("jsonapi: source %s rate limited (status %d)", a.desc.SourceID, statusCode))
	}
	if statusCode >= 400 {
		return nil, model.NewEngineError(model.ErrorKindNetwork, a.desc.SourceID,
			fmt.Errorf("jsonapi: source %s returned status %d", a.desc.SourceID, statusCode))
	}

	root := gjson.ParseBytes(raw)
	array := root
	if a.cfg.ItemsPath != "" {
		array = root.Get(a.cfg.ItemsPath)
	}
	if !array.IsArray() {
		return nil, model.NewEngineError(model.ErrorKindParse, a.desc.SourceID,
			fmt.Errorf("jsonapi: items_path %q did not resolve to an array for source %s", a.cfg.ItemsPath, a.desc.SourceID))
	}

	items := make([]model.NewsItem, 0, len(array.Array()))
	for _, entry := range array.Array() {
		item := a.extractItem(entry)
		item.Normalize(a.desc.SourceID, a.desc.Name)
		items = append(items, item)
	}
	return items, nil
}

func (a *Adapter) fetchBody(ctx context.Context, client *http.Client) ([]byte, int, error) {
	var respBody []byte
	var statusCode int
	var fetchErr error

	hdr := http.Header{}
	for k, v := range a.cfg.Headers {
		hdr.Set(k, v)
	}

	c := colly.NewCollector(colly.Async(false))
	c.SetClient(client)
	c.OnResponse(func(r *colly.Response) {
		respBody = append([]byte(nil), r.Body...)
		statusCode = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		statusCode = r.StatusCode
		fetchErr = err
	})

	var reqBody []byte
	if a.cfg.Body != "" {
		reqBody = []byte(a.cfg.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Request(a.cfg.Method, a.cfg.RequestURL, bytes.NewReader(reqBody), nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("jsonapi: %s: fetch canceled: %w", a.desc.SourceID, ctx.Err())
	case err := <-done:
		if err != nil && statusCode < 400 {
			return nil, 0, fmt.Errorf("jsonapi: %s: request failed: %w", a.desc.SourceID, err)
		}
		if fetchErr != nil && statusCode < 400 {
			return nil, 0, fmt.Errorf("jsonapi: %s: response failed: %w", a.desc.SourceID, fetchErr)
		}
	}
	return respBody, statusCode, nil
}

func (a *Adapter) extractItem(entry gjson.Result) model.NewsItem {
	f := a.cfg.Fields
	item := model.NewsItem{
		OriginalID: get(entry, f.ID),
		Title:      get(entry, f.Title),
		URL:        get(entry, f.URL),
		Summary:    get(entry, f.Summary),
		Content:    get(entry, f.Content),
		Author:     get(entry, f.Author),
		ImageURL:   get(entry, f.ImageURL),
		Category:   get(entry, f.Category),
	}
	if published := get(entry, f.PublishedAt); published != "" {
		if t, err := time.Parse(a.cfg.TimeLayout, published); err == nil {
			item.PublishedAt = &t
		}
	}
	if f.Tags != "" {
		for _, tag := range entry.Get(f.Tags).Array() {
			item.Tags = append(item.Tags, tag.String())
		}
	}
	return item
}

func get(entry gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	return entry.Get(path).String()
}
