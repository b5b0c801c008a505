package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum delay between requests to the same host. It is
// shared by every worker of a run.
type Pacer struct {
	delay    time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer creates a Pacer. A zero delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{
		delay:    delay,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to host may be sent, or ctx is done.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil || p.delay <= 0 {
		return ctx.Err()
	}
	return p.limiter(host).Wait(ctx)
}

func (p *Pacer) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)

	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.delay), 1)
		p.limiters[host] = l
	}
	return l
}
