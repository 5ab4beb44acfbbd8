package ingestion

import (
	"sync"

	"golang.org/x/time/rate"
)

// dropGuard enforces the operational rate/abuse controls spec §4.3
// describes: a per-session cap on total forensic LOG_DROP commits and a
// per-session rate limit on how often they can be committed. Grounded on
// the teacher's pkg/guardian/temporal.go sliding-window idea, but
// replaced with golang.org/x/time/rate's token bucket, the idiomatic
// off-the-shelf tool for this shape rather than a hand-rolled window.
type dropGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	counts   map[string]int

	maxPerSession int
	perMinute     float64
}

func newDropGuard(maxPerSession int, perMinute float64) *dropGuard {
	return &dropGuard{
		limiters:      make(map[string]*rate.Limiter),
		counts:        make(map[string]int),
		maxPerSession: maxPerSession,
		perMinute:     perMinute,
	}
}

// allow reports whether a LOG_DROP commit for sessionID is still within
// both caps. Exceeding either cap downgrades the session's evidence
// (callers simply stop persisting further drops) but never returns an
// error — spec: "exceeding caps downgrades evidence but never crashes
// the component."
func (g *dropGuard) allow(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counts[sessionID] >= g.maxPerSession {
		return false
	}

	limiter, ok := g.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.perMinute/60.0), 1)
		g.limiters[sessionID] = limiter
	}
	if !limiter.Allow() {
		return false
	}

	g.counts[sessionID]++
	return true
}
