// Package rss implements the RSS/Atom reference adapter shape: a feed URL,
// standard field extraction, and channel metadata folded into each item's
// source attribution.
package rss

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmcdole/gofeed"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/model"
)

// Config describes one RSS/Atom source.
type Config struct {
	FeedURL string
}

// Adapter fetches and normalizes items from an RSS or Atom feed.
type Adapter struct {
	desc   model.SourceDescriptor
	cfg    Config
	parser *gofeed.Parser
}

// New constructs an Adapter from a descriptor whose Config map carries an
// "rss.feed_url" entry, defaulting to the source's home_url when absent.
func New(desc model.SourceDescriptor) (adapter.Adapter, error) {
	cfg := Config{FeedURL: desc.HomeURL}
	if section, ok := desc.Config["rss"].(map[string]any); ok {
		if v, ok := section["feed_url"].(string); ok && v != "" {
			cfg.FeedURL = v
		}
	}
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("rss: %s: no feed_url configured", desc.SourceID)
	}
	return &Adapter{desc: desc, cfg: cfg, parser: gofeed.NewParser()}, nil
}

// Metadata implements adapter.Adapter.
func (a *Adapter) Metadata() model.SourceDescriptor { return a.desc }

// Fetch implements adapter.Adapter. The parser is handed client so the feed
// request goes through the engine's proxy/timeout-configured transport
// rather than gofeed dialing on its own.
func (a *Adapter) Fetch(ctx context.Context, client *http.Client) ([]model.NewsItem, error) {
	a.parser.Client = client

	feed, err := a.parser.ParseURLWithContext(a.cfg.FeedURL, ctx)
	if err != nil {
		return nil, model.NewEngineError(model.ErrorKindParse, a.desc.SourceID,
			fmt.Errorf("rss: %s: parsing feed: %w", a.desc.SourceID, err))
	}

	items := make([]model.NewsItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		item := a.convert(feed, entry)
		item.Normalize(a.desc.SourceID, a.desc.Name)
		items = append(items, item)
	}
	return items, nil
}

func (a *Adapter) convert(feed *gofeed.Feed, entry *gofeed.Item) model.NewsItem {
	item := model.NewsItem{
		OriginalID: entry.GUID,
		Title:      entry.Title,
		URL:        entry.Link,
		Summary:    entry.Description,
		Content:    entry.Content,
	}
	if item.Content == "" {
		item.Content = entry.Description
	}
	if entry.Author != nil {
		item.Author = entry.Author.Name
	} else if len(entry.Authors) > 0 {
		item.Author = entry.Authors[0].Name
	}
	if entry.Image != nil {
		item.ImageURL = entry.Image.URL
	} else if feed.Image != nil {
		item.ImageURL = feed.Image.URL
	}
	if entry.PublishedParsed != nil {
		item.PublishedAt = entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		item.PublishedAt = entry.UpdatedParsed
	}
	if entry.UpdatedParsed != nil {
		item.UpdatedAt = entry.UpdatedParsed
	}
	if len(entry.Categories) > 0 {
		item.Tags = append(item.Tags, entry.Categories...)
		item.Category = entry.Categories[0]
	}
	return item
}
