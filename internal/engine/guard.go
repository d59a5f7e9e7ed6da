package engine

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// guard is the per-source single-flight coordinator (§4.9): at most one
// leader fetch runs per canonical source_id at a time, with concurrent
// callers coalesced onto its result. It layers a reference count on top of
// singleflight.Group so InFlight can answer the scheduler's "is this source
// already running" question without the group's private state.
type guard struct {
	mu    sync.Mutex
	refs  map[string]int
	group singleflight.Group
}

func newGuard() *guard {
	return &guard{refs: make(map[string]int)}
}

// InFlight reports whether a leader fetch (or a caller waiting on one) is
// currently active for key.
func (g *guard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs[key] > 0
}

// DoChan executes fn for key, coalescing concurrent callers the way
// singleflight.Group.DoChan does, and returns a private channel so each
// caller can apply its own wait deadline without affecting the others.
func (g *guard) DoChan(key string, fn func() (any, error)) <-chan singleflight.Result {
	g.incr(key)
	shared := g.group.DoChan(key, fn)

	out := make(chan singleflight.Result, 1)
	go func() {
		res := <-shared
		g.decr(key)
		out <- res
	}()
	return out
}

func (g *guard) incr(key string) {
	g.mu.Lock()
	g.refs[key]++
	g.mu.Unlock()
}

func (g *guard) decr(key string) {
	g.mu.Lock()
	g.refs[key]--
	if g.refs[key] <= 0 {
		delete(g.refs, key)
	}
	g.mu.Unlock()
}
