// Package model defines the data records shared across the fetch engine:
// news items, source descriptors, and the canonicalization rules that tie
// them together.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// NewsItem is one aggregated item surfaced by a source adapter.
type NewsItem struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	SourceName  string            `json:"source_name"`
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	OriginalID  string            `json:"original_id,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Content     string            `json:"content,omitempty"`
	Author      string            `json:"author,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
	Language    string            `json:"language,omitempty"`
	Country     string            `json:"country,omitempty"`
	Category    string            `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// extraSourceIDKey and extraSourceNameKey are the keys the engine strips
// from Extra on ingest, per the source_id/source_name top-level invariant.
const (
	extraSourceIDKey   = "source_id"
	extraSourceNameKey = "source_name"
)

// Normalize enforces the NewsItem invariants: source_id/source_name are set
// as top-level fields (never only inside Extra), extra never carries either
// key, timestamps are coerced to UTC, and ID is derived if the adapter left
// it blank. Normalize mutates and returns the same item for call-site
// convenience.
func (n *NewsItem) Normalize(sourceID, sourceName string) *NewsItem {
	if n.Extra != nil {
		delete(n.Extra, extraSourceIDKey)
		delete(n.Extra, extraSourceNameKey)
	}
	if n.SourceID == "" {
		n.SourceID = sourceID
	}
	if n.SourceName == "" {
		n.SourceName = sourceName
	}
	if n.PublishedAt != nil {
		utc := n.PublishedAt.UTC()
		n.PublishedAt = &utc
	}
	if n.UpdatedAt != nil {
		utc := n.UpdatedAt.UTC()
		n.UpdatedAt = &utc
	}
	if n.ID == "" {
		n.ID = DeriveID(n.SourceID, n.URL, n.PublishedAt, n.Title)
	}
	return n
}

// DeriveID computes the engine's stable item identifier:
//
//	sha1(source_id || 0x00 || url || 0x00 || published_at(RFC3339|"") || 0x00 || title)
//
// expressed as a lowercase hex string. This is a spec-mandated literal
// algorithm, not an implementation choice, so the byte layout must not
// drift even when NewsItem grows new fields.
func DeriveID(sourceID, url string, publishedAt *time.Time, title string) string {
	var publishedStr string
	if publishedAt != nil {
		publishedStr = publishedAt.UTC().Format(time.RFC3339)
	}
	h := sha1.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(publishedStr))
	h.Write([]byte{0})
	h.Write([]byte(title))
	return hex.EncodeToString(h.Sum(nil))
}
