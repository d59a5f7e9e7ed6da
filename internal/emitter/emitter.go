// Package emitter publishes committed news items downstream from the fetch
// engine. The engine never waits long on this: a failed or slow emit is
// logged and does not roll back the cache commit that already happened.
package emitter

import "github.com/heatlink/fetchengine/internal/model"

// dedupeByID drops items whose id repeats earlier in the same batch,
// keeping the first occurrence. The engine normalizes ids before items
// ever reach an emitter, so this only protects against an adapter handing
// back the same story twice in one fetch.
func dedupeByID(items []model.NewsItem) []model.NewsItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]model.NewsItem, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
