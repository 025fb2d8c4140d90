// Package ratelimit bounds outbound sends to the gateway's advertised
// requests/second ceiling. The engine reserves capacity before each chunk;
// the gateway would otherwise answer the overflow with 429s.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reserves outbound send capacity.
type Limiter interface {
	// Reserve blocks until n tokens are available or ctx is done.
	Reserve(ctx context.Context, n int) error
}

// TokenBucket is an in-memory per-second limiter for single-replica
// deployments. A perSecond of 0 disables limiting.
type TokenBucket struct {
	mu        sync.Mutex
	perSecond int
	tokens    int
	lastReset time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket creates a limiter refilling perSecond tokens each second.
func NewTokenBucket(perSecond int) *TokenBucket {
	return &TokenBucket{
		perSecond: perSecond,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Reserve takes n tokens, waiting out as many one-second windows as needed.
// Requests larger than the per-second rate spread across windows.
func (b *TokenBucket) Reserve(ctx context.Context, n int) error {
	if b.perSecond <= 0 {
		return nil
	}

	remaining := n
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		now := b.now()
		if now.Sub(b.lastReset) >= time.Second {
			b.tokens = b.perSecond
			b.lastReset = now
		}
		take := b.tokens
		if take > remaining {
			take = remaining
		}
		b.tokens -= take
		remaining -= take

		var wait time.Duration
		if remaining > 0 {
			wait = b.lastReset.Add(time.Second).Sub(now)
			if wait <= 0 {
				wait = 10 * time.Millisecond
			}
		}
		b.mu.Unlock()

		if remaining > 0 {
			if err := b.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
