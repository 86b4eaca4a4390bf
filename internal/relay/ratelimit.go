package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// IPRateLimiter throttles REST requests per client address. Limiters
// are created lazily per key and kept for the life of the process.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewIPRateLimiter creates a limiter allowing perSecond sustained
// requests with the given burst per client.
func NewIPRateLimiter(perSecond, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether a request from key may proceed now.
func (l *IPRateLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

func (l *IPRateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rateVal, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
