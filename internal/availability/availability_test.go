package availability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
)

type sourceFunc func(ctx context.Context, doctorID int64, date string) (*Availability, error)

func (f sourceFunc) Availability(ctx context.Context, doctorID int64, date string) (*Availability, error) {
	return f(ctx, doctorID, date)
}

func TestBuildOneBookedAtNine(t *testing.T) {
	a := Build(3, "2024-06-01", 15, map[int]int{9: 1})

	require.Len(t, a.Hours, 24)
	h, ok := a.At(9)
	require.True(t, ok)
	assert.Equal(t, 4, h.Capacity)
	assert.Equal(t, 1, h.BookedCount)
	assert.False(t, h.IsFull)
	assert.Equal(t, capacity.LevelLow, h.Level)
	assert.Equal(t, "09:00", h.LabelFrom)
	assert.Equal(t, "10:00", h.LabelTo)

	last, _ := a.At(23)
	assert.Equal(t, "00:00", last.LabelTo)
}

func TestBuildFullHour(t *testing.T) {
	a := Build(3, "2024-06-01", 30, map[int]int{14: 2})
	h, _ := a.At(14)
	assert.True(t, h.IsFull)
	assert.Equal(t, capacity.LevelFull, h.Level)
}

func TestGetDegradesToSynthesisOnFailure(t *testing.T) {
	failed := make(chan struct{}, 1)
	src := sourceFunc(func(context.Context, int64, string) (*Availability, error) {
		defer func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}()
		return nil, errors.New("connection refused")
	})
	f := NewFetcher(src, Options{}, zap.NewNop())
	defer f.Close()

	a := f.Get(7, "2024-06-01")
	assert.True(t, a.Stale)
	assert.Equal(t, 15, a.PeriodMinutes)
	require.Len(t, a.Hours, 24)
	for _, h := range a.Hours {
		assert.Equal(t, 4, h.Capacity)
		assert.Zero(t, h.BookedCount)
	}

	<-failed
	again := f.Get(7, "2024-06-01")
	assert.True(t, again.Stale)
}

func TestGetReplacedByBackgroundFetch(t *testing.T) {
	updates := make(chan Availability, 1)
	src := sourceFunc(func(_ context.Context, doctorID int64, date string) (*Availability, error) {
		a := Build(doctorID, date, 20, map[int]int{10: 3})
		return &a, nil
	})
	f := NewFetcher(src, Options{OnUpdate: func(a Availability) { updates <- a }}, zap.NewNop())
	defer f.Close()

	first := f.Get(5, "2024-06-02")
	assert.True(t, first.Stale)

	select {
	case a := <-updates:
		assert.Equal(t, 20, a.PeriodMinutes)
	case <-time.After(2 * time.Second):
		t.Fatal("background fetch never landed")
	}

	cached := f.Get(5, "2024-06-02")
	assert.False(t, cached.Stale)
	h, _ := cached.At(10)
	assert.Equal(t, 3, h.BookedCount)
	assert.True(t, h.IsFull)
	assert.Equal(t, 20, f.Period(5))
}

func TestRefreshDeduplicatesInFlight(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	src := sourceFunc(func(_ context.Context, doctorID int64, date string) (*Availability, error) {
		calls.Add(1)
		<-gate
		a := Build(doctorID, date, 15, nil)
		return &a, nil
	})
	f := NewFetcher(src, Options{}, zap.NewNop())
	defer f.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Refresh(context.Background(), 1, "2024-06-01")
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestSlowKeyDoesNotBlockOthers(t *testing.T) {
	slow := make(chan struct{})
	src := sourceFunc(func(ctx context.Context, doctorID int64, date string) (*Availability, error) {
		if date == "2024-06-01" {
			select {
			case <-slow:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		a := Build(doctorID, date, 15, map[int]int{8: 1})
		return &a, nil
	})
	f := NewFetcher(src, Options{}, zap.NewNop())
	defer func() {
		close(slow)
		f.Close()
	}()

	_ = f.Get(1, "2024-06-01")

	a, err := f.Refresh(context.Background(), 1, "2024-06-02")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-02", a.Date)

	// the slow key is still synthesized, untouched by the fast one
	assert.True(t, f.Get(1, "2024-06-01").Stale)
}

func TestInvalidateDiscardsInFlightResult(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	src := sourceFunc(func(_ context.Context, doctorID int64, date string) (*Availability, error) {
		started <- struct{}{}
		<-gate
		a := Build(doctorID, date, 15, map[int]int{9: 2})
		return &a, nil
	})
	f := NewFetcher(src, Options{}, zap.NewNop())
	defer f.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.Refresh(context.Background(), 2, "2024-06-01")
	}()
	<-started
	f.Invalidate(2, "2024-06-01")
	close(gate)
	<-done

	f.mu.Lock()
	_, cached := f.cache[key{2, "2024-06-01"}]
	f.mu.Unlock()
	assert.False(t, cached)
}

func TestSetPeriodDropsDoctorTables(t *testing.T) {
	src := sourceFunc(func(_ context.Context, doctorID int64, date string) (*Availability, error) {
		a := Build(doctorID, date, 15, nil)
		return &a, nil
	})
	f := NewFetcher(src, Options{}, zap.NewNop())
	defer f.Close()

	_, err := f.Refresh(context.Background(), 4, "2024-06-01")
	require.NoError(t, err)

	f.SetPeriod(4, 30)
	f.SetPeriod(4, 25) // unrecognized, ignored
	assert.Equal(t, 30, f.Period(4))

	f.mu.Lock()
	_, cached := f.cache[key{4, "2024-06-01"}]
	f.mu.Unlock()
	assert.False(t, cached)
}

func TestPrefetchFillsEveryDate(t *testing.T) {
	src := sourceFunc(func(_ context.Context, doctorID int64, date string) (*Availability, error) {
		a := Build(doctorID, date, 15, nil)
		return &a, nil
	})
	f := NewFetcher(src, Options{PrefetchLimit: 2}, zap.NewNop())
	defer f.Close()

	dates := []string{"2024-06-01", "2024-06-02", "2024-06-03"}
	require.NoError(t, f.Prefetch(context.Background(), 9, dates))
	for _, d := range dates {
		assert.False(t, f.Get(9, d).Stale, d)
	}
}
