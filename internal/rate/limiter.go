// Package rate paces outbound mail API calls.
package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter gates one outbound call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Unlimited never blocks.
type Unlimited struct{}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}

// WaitN takes n tokens from l, one at a time, for calls that the remote API
// bills per item.
func WaitN(ctx context.Context, l Limiter, n int) error {
	for range n {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TokenBucket refills one token every 1/rps seconds and holds at most rps
// tokens, so short bursts up to one second's allowance pass unblocked.
type TokenBucket struct {
	ticker *time.Ticker
	tokens chan struct{}
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewTokenBucket starts a limiter releasing rps tokens per second. The
// first call never waits.
func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	tb := &TokenBucket{
		ticker: time.NewTicker(time.Second / time.Duration(rps)),
		tokens: make(chan struct{}, rps),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	tb.tokens <- struct{}{}
	go tb.refill()
	return tb
}

func (t *TokenBucket) refill() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			return
		case <-t.ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a token is available or ctx ends.
func (t *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait: %w", ctx.Err())
	case <-t.tokens:
		return nil
	}
}

// Stop halts the refill goroutine. Tokens already in the bucket can still
// be taken. Stop is safe to call more than once.
func (t *TokenBucket) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.quit)
	})
	<-t.done
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = Unlimited{}
)
