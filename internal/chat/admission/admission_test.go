package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTokenBucket_TwentyPerTenSeconds(t *testing.T) {
	clk := newClock()
	b := NewTokenBucket(20, 20, 10*time.Second, clk.Now)

	for i := 0; i < 20; i++ {
		clk.Advance(100 * time.Millisecond)
		require.True(t, b.Allow(), "request %d should be admitted", i+1)
	}
	assert.False(t, b.Allow(), "the 21st request in the window is rejected")

	clk.Advance(7 * time.Second)
	assert.False(t, b.Allow(), "no partial refill inside the period")

	clk.Advance(3 * time.Second)
	assert.Equal(t, 20, b.Tokens())
	for i := 0; i < 20; i++ {
		require.True(t, b.Allow())
	}
	assert.False(t, b.Allow())
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	clk := newClock()
	b := NewTokenBucket(20, 20, 10*time.Second, clk.Now)
	clk.Advance(time.Hour)
	assert.Equal(t, 20, b.Tokens())
}

func TestTokenBucket_ConcurrentAdmitsExactlyCapacity(t *testing.T) {
	clk := newClock()
	b := NewTokenBucket(20, 20, 10*time.Second, clk.Now)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), admitted.Load())
}

func TestNewTokenBucket_PanicsOnInvalidParameters(t *testing.T) {
	assert.Panics(t, func() { NewTokenBucket(0, 1, time.Second, nil) })
	assert.Panics(t, func() { NewTokenBucket(1, 0, time.Second, nil) })
	assert.Panics(t, func() { NewTokenBucket(1, 1, 0, nil) })
}

func TestPropertyTokenBucketAdmissionBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 30).Draw(t, "capacity")
		refill := rapid.IntRange(1, 30).Draw(t, "refill")
		clk := newClock()
		b := NewTokenBucket(capacity, refill, 10*time.Second, clk.Now)

		var elapsed time.Duration
		admitted := 0
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			d := time.Duration(rapid.IntRange(0, 3000).Draw(t, "advance_ms")) * time.Millisecond
			clk.Advance(d)
			elapsed += d
			if b.Allow() {
				admitted++
			}
		}
		bound := capacity + int(elapsed/(10*time.Second))*refill
		if admitted > bound {
			t.Fatalf("admitted %d requests, bound %d", admitted, bound)
		}
		if tokens := b.Tokens(); tokens < 0 || tokens > capacity {
			t.Fatalf("tokens %d outside [0, %d]", tokens, capacity)
		}
	})
}

func TestRetry_SucceedsAfterOverload(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Delay: time.Millisecond, MaxRetries: 3}, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("entering room: %w", ErrOverloaded)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Delay: time.Millisecond, MaxRetries: 3}, func(context.Context) error {
		calls++
		return ErrOverloaded
	})
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, 4, calls)
}

func TestRetry_DoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), DefaultRetryPolicy, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, RetryPolicy{Delay: time.Hour, MaxRetries: 3}, func(context.Context) error {
			calls++
			return ErrOverloaded
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
