package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/clock"
	"github.com/heatlink/fetchengine/internal/model"
)

// Shared is the optional second-tier cache (§6.2): string keys, byte
// values, TTL. It is never the source of truth for protection decisions.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// UpdateOutcome carries the inputs the protection policy needs: whether the
// fetch that produced newItems succeeded at all.
type UpdateOutcome struct {
	Success bool
}

// Cache is the per-source in-memory cache, authoritative for protection
// decisions, with an optional Shared second tier for cross-process reuse.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	shared  Shared
	clk     clock.Clock
	logger  *zap.Logger
}

// New constructs a Cache. shared may be nil, in which case the shared tier
// is skipped entirely.
func New(clk clock.Clock, shared Shared, logger *zap.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		shared:  shared,
		clk:     clk,
		logger:  logger,
	}
}

// sharedKey returns the §6.2 item-list key for a canonical source id.
func sharedKey(sourceID string) string {
	return fmt.Sprintf("source:%s", sourceID)
}

// Lookup returns the cached items for sourceID, their age, and whether they
// are within ttl. When the in-memory entry is absent it attempts a cold
// read from the shared cache before declaring a miss.
func (c *Cache) Lookup(ctx context.Context, sourceID string, ttl time.Duration) ([]model.NewsItem, time.Duration, bool) {
	c.mu.Lock()
	entry, ok := c.entries[sourceID]
	c.mu.Unlock()

	if !ok && c.shared != nil {
		if restored := c.coldReadFromShared(ctx, sourceID); restored != nil {
			c.mu.Lock()
			c.entries[sourceID] = restored
			c.mu.Unlock()
			entry, ok = restored, true
		}
	}

	if !ok {
		c.mu.Lock()
		c.recordMiss(sourceID)
		c.mu.Unlock()
		return nil, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	age := c.clk.Now().Sub(entry.FetchedAt)
	valid := age <= ttl
	if valid {
		entry.HitCount++
	} else {
		entry.MissCount++
	}
	items := make([]model.NewsItem, len(entry.Items))
	copy(items, entry.Items)
	return items, age, valid
}

func (c *Cache) recordMiss(sourceID string) {
	entry, ok := c.entries[sourceID]
	if !ok {
		entry = &Entry{SeenIDs: make(map[string]struct{})}
		c.entries[sourceID] = entry
	}
	entry.MissCount++
}

func (c *Cache) coldReadFromShared(ctx context.Context, sourceID string) *Entry {
	raw, found, err := c.shared.Get(ctx, sharedKey(sourceID))
	if err != nil || !found {
		return nil
	}
	var items []model.NewsItem
	if err := json.Unmarshal(raw, &items); err != nil {
		c.logger.Warn("shared cache payload unreadable", zap.String("source_id", sourceID), zap.Error(err))
		return nil
	}
	return &Entry{
		Items:     items,
		Size:      len(items),
		FetchedAt: c.clk.Now(),
	}
}

// Update applies the §4.1 protection policy and returns the items callers
// will observe from now on. It is atomic with respect to concurrent
// Lookup calls for the same source.
func (c *Cache) Update(ctx context.Context, sourceID string, newItems []model.NewsItem, outcome UpdateOutcome, shrinkThreshold float64, ttl time.Duration) []model.NewsItem {
	c.mu.Lock()
	entry, existed := c.entries[sourceID]
	if !existed {
		entry = &Entry{SeenIDs: make(map[string]struct{})}
		c.entries[sourceID] = entry
	}
	curCount := entry.Size
	newCount := len(newItems)

	committed, protectionApplied := decideProtection(entry, newItems, curCount, newCount, outcome, shrinkThreshold)
	if !protectionApplied {
		entry.Items = newItems
		entry.Size = newCount
		if entry.SeenIDs == nil {
			entry.SeenIDs = make(map[string]struct{})
		}
		for _, it := range newItems {
			entry.SeenIDs[it.ID] = struct{}{}
		}
	}
	if outcome.Success {
		entry.LastError = ""
	}
	entry.FetchedAt = c.clk.Now()
	if entry.Size > entry.MaxSizeSeen {
		entry.MaxSizeSeen = entry.Size
	}
	result := make([]model.NewsItem, len(committed))
	copy(result, committed)
	c.mu.Unlock()

	if outcome.Success && c.shared != nil {
		c.writeThroughShared(ctx, sourceID, result, ttl)
	}
	return result
}

// decideProtection implements the §4.1 decision table. It mutates entry's
// LastError/protection counters and returns (committedItems, true) when
// protection kept the existing items, or (newItems, false) when the new
// result was committed.
func decideProtection(entry *Entry, newItems []model.NewsItem, curCount, newCount int, outcome UpdateOutcome, shrinkThreshold float64) ([]model.NewsItem, bool) {
	if shrinkThreshold <= 0 {
		shrinkThreshold = 0.30
	}
	switch {
	case !outcome.Success && curCount > 0:
		entry.Protection.ErrorProtectionCount++
		return entry.Items, true
	case !outcome.Success && curCount == 0:
		entry.LastError = "fetch failed with empty cache"
		return newItems, false
	case outcome.Success && newCount == 0 && curCount > 0:
		entry.Protection.EmptyProtectionCount++
		return entry.Items, true
	case outcome.Success && curCount > 5 && float64(newCount) < shrinkThreshold*float64(curCount):
		entry.Protection.ShrinkProtectionCount++
		return entry.Items, true
	default:
		return newItems, false
	}
}

func (c *Cache) writeThroughShared(ctx context.Context, sourceID string, items []model.NewsItem, ttl time.Duration) {
	payload, err := json.Marshal(items)
	if err != nil {
		c.logger.Warn("marshal items for shared cache failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if err := c.shared.Set(ctx, sharedKey(sourceID), payload, ttl); err != nil {
		c.logger.Warn("shared cache write failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

// Clear evicts the in-memory entry for sourceID.
func (c *Cache) Clear(ctx context.Context, sourceID string) {
	c.mu.Lock()
	delete(c.entries, sourceID)
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.Del(ctx, sharedKey(sourceID)); err != nil {
			c.logger.Warn("shared cache delete failed", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
}

// StatusOf returns a monitoring snapshot for sourceID, or false if no entry
// exists.
func (c *Cache) StatusOf(sourceID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sourceID]
	if !ok {
		return Status{}, false
	}
	return entry.snapshot(sourceID), true
}

// UnseenCount returns how many of newItems' IDs were not present in the
// source's seen-ID set as of the last commit. The Adaptive Scheduler uses
// this for its freshness factor (§4.6, §12).
func (c *Cache) UnseenCount(sourceID string, newItems []model.NewsItem) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sourceID]
	if !ok || entry.SeenIDs == nil {
		return len(newItems)
	}
	unseen := 0
	for _, it := range newItems {
		if _, seen := entry.SeenIDs[it.ID]; !seen {
			unseen++
		}
	}
	return unseen
}
