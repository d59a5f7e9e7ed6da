// Package cache implements the per-source in-memory cache and its
// protection policy, plus the optional shared-cache second tier.
package cache

import (
	"time"

	"github.com/heatlink/fetchengine/internal/model"
)

// ProtectionCounters tracks how often the protection policy kept stale
// data instead of committing a fetch's raw result.
type ProtectionCounters struct {
	ErrorProtectionCount  int64
	EmptyProtectionCount  int64
	ShrinkProtectionCount int64
}

// Entry is the per-source cache record. It has no internal locking; the
// Cache that holds entries reads and mutates them under its own mutex.
type Entry struct {
	Items       []model.NewsItem
	FetchedAt   time.Time
	Size        int
	LastError   string
	Protection  ProtectionCounters
	HitCount    int64
	MissCount   int64
	MaxSizeSeen int
	SeenIDs     map[string]struct{}
}

// Status is the read-only snapshot returned for monitoring.
type Status struct {
	SourceID    string
	Size        int
	FetchedAt   time.Time
	LastError   string
	Protection  ProtectionCounters
	HitCount    int64
	MissCount   int64
	MaxSizeSeen int
}

func (e *Entry) snapshot(sourceID string) Status {
	return Status{
		SourceID:    sourceID,
		Size:        e.Size,
		FetchedAt:   e.FetchedAt,
		LastError:   e.LastError,
		Protection:  e.Protection,
		HitCount:    e.HitCount,
		MissCount:   e.MissCount,
		MaxSizeSeen: e.MaxSizeSeen,
	}
}
