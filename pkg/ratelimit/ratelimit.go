// Package ratelimit implements the node-wide token-bucket bandwidth shaper.
// Tokens refill continuously from a 10ms ticker and every waiter is woken by
// broadcast, so a fixed set of consumers can never starve each other.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// refillInterval is how often the background ticker adds tokens.
const refillInterval = 10 * time.Millisecond

// Limiter is a token bucket: tokens accumulate at rate bytes/sec, capped at
// one second's worth, and Consume blocks until the requested amount has been
// drawn. A rate of 0 disables limiting entirely.
type Limiter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tokens float64
	rate   float64 // bytes/sec; 0 means unlimited

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter with the given initial rate (bytes/sec). A rate of
// 0 means unlimited.
func New(rate float64) *Limiter {
	l := &Limiter{rate: rate, stopCh: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)

	go l.refillLoop()

	return l
}

func (l *Limiter) refillLoop() {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now

			l.mu.Lock()
			if l.rate > 0 {
				l.tokens += l.rate * elapsed
				if l.tokens > l.rate {
					l.tokens = l.rate
				}
				l.cond.Broadcast()
			}
			l.mu.Unlock()
		}
	}
}

// Consume blocks until n tokens have been drawn from the bucket (or rate is
// 0, which always succeeds immediately) or ctx is done. Requests larger than
// one second's worth of rate drain the bucket in installments across refill
// ticks, so they make progress instead of waiting for a fill level the cap
// makes unreachable.
func (l *Limiter) Consume(ctx context.Context, n int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	need := float64(n)
	for need > 0 {
		if l.rate == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if l.tokens > 0 {
			take := l.tokens
			if take > need {
				take = need
			}
			l.tokens -= take
			need -= take
			if need <= 0 {
				return nil
			}
		}

		// Cond.Wait doesn't take a context; a watcher goroutine broadcasts
		// on cancellation so Wait doesn't block past ctx's deadline.
		done := make(chan struct{})
		stopWatch := l.watchCtx(ctx, done)
		l.cond.Wait()
		close(done)
		stopWatch()
	}
	return nil
}

// watchCtx spawns a goroutine that broadcasts on the Limiter's condition
// once ctx is done, so a blocked Consume wakes up to re-check ctx.Err().
// The returned func stops the watcher once the caller no longer needs it.
func (l *Limiter) watchCtx(ctx context.Context, done chan struct{}) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// UpdateRate atomically swaps the rate. Setting it to 0 disables limiting
// and wakes every blocked Consume call.
func (l *Limiter) UpdateRate(rate float64) {
	l.mu.Lock()
	l.rate = rate
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Close stops the background refill goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
