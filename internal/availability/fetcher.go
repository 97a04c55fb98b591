package availability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
)

// Source is where authoritative availability comes from, normally the api client.
type Source interface {
	Availability(ctx context.Context, doctorID int64, date string) (*Availability, error)
}

type Options struct {
	DefaultPeriod int
	Timeout       time.Duration
	// PrefetchLimit bounds concurrent fetches in Prefetch.
	PrefetchLimit int
	// OnUpdate is called after a fetched table replaced the cached one.
	OnUpdate func(Availability)
}

type key struct {
	doctorID int64
	date     string
}

type Fetcher struct {
	src  Source
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	cache   map[key]Availability
	gens    map[key]uint64
	periods map[int64]int
	closed  bool

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFetcher(src Source, opts Options, log *zap.Logger) *Fetcher {
	if opts.DefaultPeriod <= 0 {
		opts.DefaultPeriod = capacity.DefaultPeriodMinutes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PrefetchLimit <= 0 {
		opts.PrefetchLimit = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		src:     src,
		opts:    opts,
		log:     log,
		cache:   make(map[key]Availability),
		gens:    make(map[key]uint64),
		periods: make(map[int64]int),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Get never blocks on the network. It returns the cached table when there is
// one, otherwise a synthesized table at the doctor's last known period, and
// starts a background fetch for the missing key.
func (f *Fetcher) Get(doctorID int64, date string) Availability {
	k := key{doctorID, date}

	f.mu.Lock()
	e, ok := f.cache[k]
	period := f.periodLocked(doctorID)
	f.mu.Unlock()

	if ok {
		return e
	}

	f.refreshAsync(k)
	return Synthesize(doctorID, date, period)
}

// Refresh fetches (doctorID, date) now. Concurrent callers for the same key
// share one request.
func (f *Fetcher) Refresh(ctx context.Context, doctorID int64, date string) (Availability, error) {
	k := key{doctorID, date}

	f.mu.Lock()
	gen := f.gens[k]
	f.mu.Unlock()

	flightKey := fmt.Sprintf("%d|%s|%d", doctorID, date, gen)
	v, err, _ := f.group.Do(flightKey, func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()

		res, err := f.src.Availability(reqCtx, doctorID, date)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("empty availability for doctor %d on %s", doctorID, date)
		}
		return *res, nil
	})
	if err != nil {
		return Availability{}, fmt.Errorf("fetch availability: %w", err)
	}

	a := v.(Availability)
	a.DoctorID = doctorID
	a.Date = date
	a.Stale = false

	if !f.store(k, gen, a) {
		// invalidated while in flight; the next Get refetches
		return a, nil
	}
	if f.opts.OnUpdate != nil {
		f.opts.OnUpdate(a)
	}
	return a, nil
}

func (f *Fetcher) store(k key, gen uint64, a Availability) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.gens[k] != gen {
		return false
	}
	f.cache[k] = a
	if a.PeriodMinutes > 0 {
		f.periods[k.doctorID] = a.PeriodMinutes
	}
	return true
}

func (f *Fetcher) refreshAsync(k key) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		if _, err := f.Refresh(f.ctx, k.doctorID, k.date); err != nil {
			f.log.Warn("availability fetch failed, showing synthesized table",
				zap.Int64("doctor_id", k.doctorID),
				zap.String("date", k.date),
				zap.Error(err),
			)
		}
	}()
}

// Prefetch warms several dates for one doctor concurrently.
func (f *Fetcher) Prefetch(ctx context.Context, doctorID int64, dates []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.PrefetchLimit)
	for _, d := range dates {
		d := d
		g.Go(func() error {
			_, err := f.Refresh(gctx, doctorID, d)
			return err
		})
	}
	return g.Wait()
}

// Invalidate drops a cached table, usually because a live update touched it.
// A fetch already in flight for the key will not write its result back.
func (f *Fetcher) Invalidate(doctorID int64, date string) {
	k := key{doctorID, date}
	f.mu.Lock()
	delete(f.cache, k)
	f.gens[k]++
	f.mu.Unlock()
}

// SetPeriod records a doctor's period and drops that doctor's cached tables,
// since every hour's capacity changes with it.
func (f *Fetcher) SetPeriod(doctorID int64, minutes int) {
	if !capacity.IsRecognized(minutes) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.periods[doctorID] = minutes
	for k := range f.cache {
		if k.doctorID == doctorID {
			delete(f.cache, k)
			f.gens[k]++
		}
	}
}

func (f *Fetcher) Period(doctorID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periodLocked(doctorID)
}

func (f *Fetcher) periodLocked(doctorID int64) int {
	if p, ok := f.periods[doctorID]; ok {
		return p
	}
	return f.opts.DefaultPeriod
}

// Close stops background fetches and waits for them to return.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
}
