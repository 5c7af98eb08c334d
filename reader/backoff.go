package reader

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	appconfig "ingestflow/config"
)

// NewBackoff returns the reconnect schedule for a venue: exponential growth
// from BaseDelay, capped at MaxDelay, randomised by Jitter.
func NewBackoff(cfg appconfig.ReconnectConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.BaseDelay > 0 {
		b.InitialInterval = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter >= 0 && cfg.Jitter < 1 {
		b.RandomizationFactor = cfg.Jitter
	}
	b.Reset()
	return b
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() != nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
