package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, cfg Config, clock Clock) *Queue {
	t.Helper()
	q := NewQueue(cfg, clock, nil, nil)
	t.Cleanup(q.Close)
	return q
}

func TestQueue_SpacesSequentialCalls(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{MinInterval: 2 * time.Second}, clock)

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		_, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
			stamps = append(stamps, clock.Now())
			return i, nil
		})
		require.NoError(t, err)
	}

	require.Len(t, stamps, 5)
	assert.Equal(t, t0, stamps[0])
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 2*time.Second)
	}
}

func TestQueue_SpacesConcurrentCalls(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{MinInterval: 500 * time.Millisecond}, clock)

	var (
		mu     sync.Mutex
		stamps []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Enqueue(context.Background(), q, func(ctx context.Context) (struct{}, error) {
				mu.Lock()
				stamps = append(stamps, clock.Now())
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	require.Len(t, stamps, 10)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 500*time.Millisecond)
	}
}

func TestQueue_BackoffAfterRateLimit(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{
		MinInterval:  time.Second,
		SafetyMargin: time.Second,
	}, clock)

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (string, error) {
		return "", &RateLimitError{RetryAfter: 5 * time.Second}
	})
	require.True(t, IsRateLimited(err))
	assert.Equal(t, t0.Add(6*time.Second), q.BackoffUntil())

	var next time.Time
	_, err = Enqueue(context.Background(), q, func(ctx context.Context) (string, error) {
		next = clock.Now()
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, next.Before(t0.Add(5*time.Second+time.Second)), "dispatched at %s", next)
}

func TestQueue_DefaultRetryAfterWithoutHint(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{
		SafetyMargin:      500 * time.Millisecond,
		DefaultRetryAfter: 30 * time.Second,
	}, clock)

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		return 0, &RateLimitError{}
	})
	require.Error(t, err)
	assert.Equal(t, t0.Add(30*time.Second+500*time.Millisecond), q.BackoffUntil())
}

func TestQueue_FailedCallStillUpdatesSpacing(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{MinInterval: 3 * time.Second}, clock)

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)

	var next time.Time
	_, err = Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		next = clock.Now()
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Second), next)
}

func TestQueue_QueueFullFailsFast(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueSize: 2}, SystemClock{})

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	blocking := func(ctx context.Context) (int, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 0, nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
			close(started)
			return blocking(ctx)
		})
	}()
	<-started

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Enqueue(context.Background(), q, blocking)
		}()
	}
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)

	begin := time.Now()
	_, err := Enqueue(context.Background(), q, blocking)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	close(release)
	wg.Wait()
}

func TestDo_RetriesRateLimitThenSucceeds(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{
		MinInterval:  time.Second,
		SafetyMargin: time.Second,
		MaxAttempts:  3,
	}, clock)

	var calls []time.Time
	value, err := Do(context.Background(), q, func(ctx context.Context) (string, error) {
		calls = append(calls, clock.Now())
		if len(calls) == 1 {
			return "", &RateLimitError{RetryAfter: 5 * time.Second}
		}
		return "trending", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "trending", value)
	require.Len(t, calls, 2)
	assert.False(t, calls[1].Before(calls[0].Add(6*time.Second)))
}

func TestDo_RetriesConnectionReset(t *testing.T) {
	clock := NewManualClock(t0)
	q := newTestQueue(t, Config{RetryDelay: 2 * time.Second, MaxAttempts: 3}, clock)

	attempts := 0
	value, err := Do(context.Background(), q, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, fmt.Errorf("read: %w", syscall.ECONNRESET)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, clock.Sleeps(), 2*time.Second)
}

func TestDo_DoesNotRetryPermanentErrors(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 3}, NewManualClock(t0))

	attempts := 0
	boom := errors.New("bad request")
	_, err := Do(context.Background(), q, func(ctx context.Context) (int, error) {
		attempts++
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 3, SafetyMargin: time.Second}, NewManualClock(t0))

	attempts := 0
	_, err := Do(context.Background(), q, func(ctx context.Context) (int, error) {
		attempts++
		return 0, &RateLimitError{RetryAfter: time.Second}
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, attempts)
}

func TestQueue_ClosedQueueRejectsCalls(t *testing.T) {
	q := NewQueue(Config{}, NewManualClock(t0), nil, nil)
	q.Close()

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(Transient(errors.New("502"))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("404")))
	assert.False(t, IsTransient(nil))
}
