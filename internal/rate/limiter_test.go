package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketFirstCallImmediate(t *testing.T) {
	tb := NewTokenBucket(1)
	defer tb.Stop()

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(50)
	defer tb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, tb.Wait(ctx))
	}
}

func TestTokenBucketHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1)
	defer tb.Stop()
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopReturnsAndIsIdempotent(t *testing.T) {
	tb := NewTokenBucket(10)
	finished := make(chan struct{})
	go func() {
		tb.Stop()
		tb.Stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestUnlimited(t *testing.T) {
	assert.NoError(t, Unlimited{}.Wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Unlimited{}.Wait(ctx))
}

type countingLimiter struct{ calls int }

func (c *countingLimiter) Wait(ctx context.Context) error {
	c.calls++
	return ctx.Err()
}

func TestWaitNTakesOnePerItem(t *testing.T) {
	l := &countingLimiter{}
	require.NoError(t, WaitN(context.Background(), l, 250))
	assert.Equal(t, 250, l.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l = &countingLimiter{}
	assert.ErrorIs(t, WaitN(ctx, l, 3), context.Canceled)
	assert.Equal(t, 1, l.calls)
}
