// Package headlessdetect implements the heuristic that decides whether a
// fetched page needs headless rendering before extraction.
package headlessdetect

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detector inspects raw HTML for signals that indicate client-side
// rendering is required: a body far smaller than real content, a known
// "please enable JavaScript" phrase, or the absence of a selector that
// should always be present in server-rendered markup.
type Detector struct {
	minHTMLBytes int
	selectors    []string
	keywords     [][]byte
}

// New constructs a Detector with the configured thresholds. selectors and
// keywords may be nil to disable those signals.
func New(minBytes int, selectors, keywords []string) *Detector {
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &Detector{
		minHTMLBytes: minBytes,
		selectors:    selectors,
		keywords:     lowerKeywords,
	}
}

// NeedsJS reports whether body shows signs of requiring JS rendering.
func (d *Detector) NeedsJS(body []byte) bool {
	if d == nil {
		return false
	}
	switch {
	case d.bodyBelowThreshold(body):
		return true
	case d.containsKeywords(body):
		return true
	default:
		return d.missingSelectors(body)
	}
}

func (d *Detector) bodyBelowThreshold(body []byte) bool {
	return d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes
}

func (d *Detector) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if len(kw) == 0 {
			continue
		}
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) missingSelectors(body []byte) bool {
	if len(d.selectors) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}
