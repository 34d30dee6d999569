package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Counters accumulates router activity for diagnostics. All counters are
// cumulative for the process lifetime.
type Counters struct {
	routed       atomic.Uint64
	droppedSends atomic.Uint64
	softErrors   atomic.Uint64
}

func (c *Counters) addRouted()       { c.routed.Add(1) }
func (c *Counters) addDropped(n int) { c.droppedSends.Add(uint64(n)) }
func (c *Counters) addSoftError()    { c.softErrors.Add(1) }

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() (routed, droppedSends, softErrors uint64) {
	return c.routed.Load(), c.droppedSends.Load(), c.softErrors.Load()
}

// RunMetrics logs router activity every interval until ctx is canceled.
// Only deltas since the previous tick are reported, and quiet ticks are
// skipped.
func RunMetrics(ctx context.Context, r *Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRouted, lastDropped, lastErrors uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			routed, dropped, softErrors := r.metrics.Snapshot()
			dRouted, dDropped, dErrors := routed-lastRouted, dropped-lastDropped, softErrors-lastErrors
			lastRouted, lastDropped, lastErrors = routed, dropped, softErrors
			online := len(r.presence.Names())
			if online > 0 || dRouted > 0 || dDropped > 0 || dErrors > 0 {
				slog.Info("router metrics", "online", online, "routed", dRouted, "dropped_sends", dDropped, "soft_errors", dErrors)
			}
		}
	}
}
