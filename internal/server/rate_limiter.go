// Package server implements per-connection inbound throttling that protects
// the hub from a single noisy sender.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter returns nil when limiting is disabled; a nil limiter allows
// everything.
func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if !cfg.Enabled() {
		return nil
	}

	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(cfg.Burst) / interval.Seconds())
	return &rateLimiter{
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
