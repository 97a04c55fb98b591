package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 4, Jitter: noJitter}, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoBoundsAttempts(t *testing.T) {
	boom := errors.New("down")
	var seen []int
	err := Do(context.Background(), Policy{Attempts: 3, Jitter: noJitter}, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoStopsOnPermanent(t *testing.T) {
	forbidden := errors.New("forbidden")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Jitter: noJitter}, func(context.Context, int) error {
		calls++
		return Permanent(forbidden)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, forbidden)
	assert.False(t, IsPermanent(err))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour, Jitter: func(d time.Duration) time.Duration { return d }}, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 250*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(30))
}

func TestFullJitterWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := fullJitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
	assert.Zero(t, fullJitter(0))
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
