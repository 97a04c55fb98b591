// Package coalesce debounces work per key and runs it under a global
// concurrency limit.
//
// Scheduling a key again before its delay elapses replaces the pending task,
// so only the latest one runs. Tasks for the same key never overlap: a task
// that becomes due while its key is still running waits and then runs next,
// again replaced by anything newer.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("scheduler closed")

type Task func(ctx context.Context)

type slot struct {
	gen     uint64
	timer   *time.Timer
	pending Task // waiting out the delay
	ready   Task // due, waiting for the running task of this key
	running bool
}

func (s *slot) idle() bool {
	return !s.running && s.pending == nil && s.ready == nil
}

type Scheduler[K comparable] struct {
	delay time.Duration
	sem   *semaphore.Weighted

	mu     sync.Mutex
	slots  map[K]*slot
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	idle   chan struct{} // closed and replaced whenever slots drains
}

func New[K comparable](delay time.Duration, concurrency int) *Scheduler[K] {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler[K]{
		delay:  delay,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		slots:  make(map[K]*slot),
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
	}
}

// Schedule replaces whatever is pending for key with task and restarts the
// key's delay.
func (s *Scheduler[K]) Schedule(key K, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}
	if sl.timer != nil {
		sl.timer.Stop()
	}
	sl.gen++
	sl.pending = task

	gen := sl.gen
	sl.timer = time.AfterFunc(s.delay, func() { s.fire(key, gen) })
	return nil
}

// Cancel drops the pending and queued tasks for key. A task already running
// is not interrupted.
func (s *Scheduler[K]) Cancel(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return false
	}
	dropped := sl.pending != nil || sl.ready != nil
	if sl.timer != nil {
		sl.timer.Stop()
		sl.timer = nil
	}
	sl.gen++
	sl.pending, sl.ready = nil, nil
	s.forgetLocked(key, sl)
	return dropped
}

// Pending reports whether key has work that has not finished.
func (s *Scheduler[K]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	return ok && !sl.idle()
}

func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Scheduler[K]) fire(key K, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok || sl.gen != gen || sl.pending == nil {
		return
	}
	task := sl.pending
	sl.pending, sl.timer = nil, nil

	if sl.running {
		sl.ready = task
		return
	}
	sl.running = true
	s.wg.Add(1)
	go s.run(key, sl, task)
}

func (s *Scheduler[K]) run(key K, sl *slot, task Task) {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.mu.Lock()
			sl.running, sl.ready = false, nil
			s.forgetLocked(key, sl)
			s.mu.Unlock()
			return
		}

		// something newer became due while waiting for capacity
		s.mu.Lock()
		if sl.ready != nil {
			task, sl.ready = sl.ready, nil
		}
		s.mu.Unlock()

		task(s.ctx)
		s.sem.Release(1)

		s.mu.Lock()
		if sl.ready != nil {
			task, sl.ready = sl.ready, nil
			s.mu.Unlock()
			continue
		}
		sl.running = false
		s.forgetLocked(key, sl)
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler[K]) forgetLocked(key K, sl *slot) {
	if !sl.idle() || sl.timer != nil {
		return
	}
	if s.slots[key] == sl {
		delete(s.slots, key)
	}
	if len(s.slots) == 0 {
		close(s.idle)
		s.idle = make(chan struct{})
	}
}

// Drain runs every pending task now, without waiting for its delay, and
// blocks until no work is left or ctx ends.
func (s *Scheduler[K]) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.slots) == 0 {
			s.mu.Unlock()
			return nil
		}
		type due struct {
			key K
			gen uint64
		}
		var flush []due
		for k, sl := range s.slots {
			if sl.timer != nil && sl.timer.Stop() {
				flush = append(flush, due{k, sl.gen})
			}
		}
		idle := s.idle
		s.mu.Unlock()

		for _, d := range flush {
			s.fire(d.key, d.gen)
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops pending work, cancels the context of running tasks and waits
// for them to return.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	for k, sl := range s.slots {
		if sl.timer != nil {
			sl.timer.Stop()
			sl.timer = nil
		}
		sl.gen++
		sl.pending, sl.ready = nil, nil
		s.forgetLocked(k, sl)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
