// Package renderedhtml implements the rendered-HTML reference adapter
// shape: a page URL, a CSS extraction map, optional headless rendering
// when the page is detected to need JS, and a readability fallback when
// no content selector is configured.
package renderedhtml

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/headlessdetect"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/renderer"
)

// FieldMap names CSS selectors (evaluated against the single page, or
// against each node matched by ItemSelector for listing pages) used to
// populate a NewsItem.
type FieldMap struct {
	ItemSelector string // when set, each match becomes one NewsItem
	Title        string
	URL          string // selector whose href attribute becomes the item URL
	Summary      string
	Content      string
	Author       string
	ImageURL     string // selector whose src attribute becomes the image URL
	PublishedAt  string
	Category     string
}

// Config describes one rendered-HTML source.
type Config struct {
	PageURL     string
	Fields      FieldMap
	UseHeadless *bool // nil means "decide via heuristic"
	WaitFor     string
}

// Adapter fetches a page, optionally renders it headlessly, and extracts
// items via CSS selectors, falling back to readability for content.
type Adapter struct {
	desc     model.SourceDescriptor
	cfg      Config
	detector *headlessdetect.Detector
	render   renderer.Renderer
}

// New constructs an Adapter. render may be renderer.Noop{} when headless
// rendering is not configured.
func New(desc model.SourceDescriptor, render renderer.Renderer, detector *headlessdetect.Detector) (adapter.Adapter, error) {
	cfg, err := parseConfig(desc)
	if err != nil {
		return nil, fmt.Errorf("renderedhtml: %s: %w", desc.SourceID, err)
	}
	if render == nil {
		render = renderer.Noop{}
	}
	return &Adapter{desc: desc, cfg: cfg, detector: detector, render: render}, nil
}

func parseConfig(desc model.SourceDescriptor) (Config, error) {
	cfg := Config{PageURL: desc.HomeURL}
	section, _ := desc.Config["renderedhtml"].(map[string]any)
	if v, ok := section["url"].(string); ok && v != "" {
		cfg.PageURL = v
	}
	if cfg.PageURL == "" {
		return Config{}, fmt.Errorf("missing renderedhtml.url")
	}
	if v, ok := section["wait_for"].(string); ok {
		cfg.WaitFor = v
	}
	if v, ok := section["use_headless"].(bool); ok {
		cfg.UseHeadless = &v
	}
	if fields, ok := section["fields"].(map[string]any); ok {
		cfg.Fields = FieldMap{
			ItemSelector: stringField(fields, "item_selector"),
			Title:        stringField(fields, "title"),
			URL:          stringField(fields, "url"),
			Summary:      stringField(fields, "summary"),
			Content:      stringField(fields, "content"),
			Author:       stringField(fields, "author"),
			ImageURL:     stringField(fields, "image_url"),
			PublishedAt:  stringField(fields, "published_at"),
			Category:     stringField(fields, "category"),
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

// Close implements adapter.Closer when the configured renderer holds an
// external handle (e.g. a chromedp allocator).
func (a *Adapter) Close() error {
	if c, ok := a.render.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Fetch implements adapter.Adapter. The initial request goes through a
// colly.Collector bound to client via SetClient, so the collector never
// dials its own transport; when the fetched markup is detected to need JS
// (or the descriptor pins it), Fetch escalates to the headless renderer.
func (a *Adapter) Fetch(ctx context.Context, client *http.Client) ([]model.NewsItem, error) {
	html, err := a.fetchHTML(ctx, client)
	if err != nil {
		return nil, err
	}

	if a.needsHeadless(html) {
		rendered, err := a.render.Render(ctx, a.cfg.PageURL, a.cfg.WaitFor)
		if err != nil {
			return nil, fmt.Errorf("renderedhtml: %s: headless render: %w", a.desc.SourceID, err)
		}
		html = []byte(rendered)
	}

	items, err := a.extract(html)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Normalize(a.desc.SourceID, a.desc.Name)
	}
	return items, nil
}

func (a *Adapter) fetchHTML(ctx context.Context, client *http.Client) ([]byte, error) {
	var body []byte
	var fetchErr error

	c := colly.NewCollector(colly.Async(false))
	c.SetClient(client)
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(a.cfg.PageURL) }()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("renderedhtml: %s: fetch canceled: %w", a.desc.SourceID, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("renderedhtml: %s: visit failed: %w", a.desc.SourceID, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("renderedhtml: %s: response failed: %w", a.desc.SourceID, fetchErr)
		}
	}
	return body, nil
}

func (a *Adapter) needsHeadless(html []byte) bool {
	if a.cfg.UseHeadless != nil {
		return *a.cfg.UseHeadless
	}
	return a.detector.NeedsJS(html)
}

func (a *Adapter) extract(html []byte) ([]model.NewsItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("renderedhtml: %s: parsing HTML: %w", a.desc.SourceID, err)
	}

	f := a.cfg.Fields
	if f.ItemSelector == "" {
		return []model.NewsItem{a.extractOne(doc.Selection, html)}, nil
	}

	var items []model.NewsItem
	doc.Find(f.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		items = append(items, a.extractOne(sel, html))
	})
	return items, nil
}

func (a *Adapter) extractOne(sel *goquery.Selection, fullHTML []byte) model.NewsItem {
	f := a.cfg.Fields
	item := model.NewsItem{
		Title:    text(sel, f.Title),
		URL:      attr(sel, f.URL, "href"),
		Summary:  text(sel, f.Summary),
		Content:  text(sel, f.Content),
		Author:   text(sel, f.Author),
		ImageURL: attr(sel, f.ImageURL, "src"),
		Category: text(sel, f.Category),
	}
	if item.URL == "" {
		item.URL = a.cfg.PageURL
	}
	if published := text(sel, f.PublishedAt); published != "" {
		for _, layout := range []string{time.RFC3339, time.RFC1123, time.RFC1123Z} {
			if t, err := time.Parse(layout, published); err == nil {
				item.PublishedAt = &t
				break
			}
		}
	}
	if f.Content == "" {
		pageURL, _ := url.Parse(a.cfg.PageURL)
		if article, err := readability.FromReader(bytes.NewReader(fullHTML), pageURL); err == nil {
			item.Content = article.Content
			if item.Summary == "" {
				item.Summary = article.Excerpt
			}
			if item.Title == "" {
				item.Title = article.Title
			}
		}
	}
	return item
}

func text(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return strings.TrimSpace(sel.Text())
	}
	return strings.TrimSpace(sel.Find(selector).First().Text())
}

func attr(sel *goquery.Selection, selector, attrName string) string {
	if selector == "" {
		v, _ := sel.Attr(attrName)
		return v
	}
	v, _ := sel.Find(selector).First().Attr(attrName)
	return v
}
