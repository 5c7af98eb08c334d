package metrics

import (
	"context"
	"time"
)

// StartOccupancy samples the stage buffers every interval and updates the
// gauges until ctx is done.
func StartOccupancy(ctx context.Context, interval time.Duration, reg *Registry, sample func() Occupancy) {
	if reg == nil || sample == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.SetOccupancy(sample())
			}
		}
	}()
}
