package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter caps how many inbound frames one connection may submit. The
// bucket holds burst tokens and refills burst tokens per interval.
type rateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	perSecond := rate.Limit(float64(burst) / interval.Seconds())
	return &rateLimiter{
		limiter: rate.NewLimiter(perSecond, burst),
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.AllowN(rl.now(), 1)
}
