package main

import (
	"context"
	"log"
	"time"

	carabiner "github.com/brunchboy/beat-carabiner"
)

// RunMetrics logs engine activity every interval until ctx is canceled.
func RunMetrics(ctx context.Context, engine *carabiner.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := engine.Metrics()
			if m.MessagesParsed > 0 {
				log.Printf("[metrics] active=%v messages=%d realignments=%d shifts=%d deferred=%d stale=%d",
					engine.Active(), m.MessagesParsed, m.BeatRealignments,
					m.PhaseShiftsApplied, m.PhaseShiftsDeferred, m.StaleProbes)
			}
		}
	}
}
