// Package liveupdate merges pushed appointment changes from every live channel
// into the dashboard store through one serialized loop.
package liveupdate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/store"
)

var errSubscriptionClosed = errors.New("subscription closed")

// Transport is one live channel. Run blocks while connected, passing every
// decoded event to emit, and reports connection health through healthy.
type Transport interface {
	Source() event.Source
	Run(ctx context.Context, emit func(event.Event), healthy func(bool)) error
}

// Publisher sends raw events to the other dashboard instances.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Deferrer holds appointments with a local move in flight. Observe receives
// the server events that arrive for them meanwhile, so a failed move can fall
// back to the latest server state.
type Deferrer interface {
	// Observe reports whether the event's id had a pending move and the
	// event was taken.
	Observe(ev event.Event) bool
}

// Applied describes a store change caused by an event.
type Applied struct {
	Event  event.Event
	Before *appointment.Appointment
	After  *appointment.Appointment
}

type Options struct {
	// Origin tags this instance's broadcasts; empty picks a random one.
	Origin string
	// ReconnectEvery limits how often a failed transport is redialled.
	ReconnectEvery time.Duration
	// FallbackAfter is how long the socket may stay down before SSE opens.
	FallbackAfter time.Duration
	// Deferrer owns ids with an unsettled local move; server events for
	// them are handed to it instead of applied.
	Deferrer Deferrer
	// Refetch is asked to reload when an event lacks the record it refers to.
	Refetch func(ctx context.Context, ev event.Event)
	// OnApplied runs on the merge loop after each store change.
	OnApplied func(Applied)
}

type Bus struct {
	store     *store.Store
	socket    Transport
	sse       Transport
	broadcast Transport
	publisher Publisher
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	healthy map[event.Source]bool
}

type Transports struct {
	Socket    Transport
	SSE       Transport
	Broadcast Transport
	Publisher Publisher
}

func NewBus(s *store.Store, t Transports, opts Options, log *zap.Logger) *Bus {
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if opts.ReconnectEvery <= 0 {
		opts.ReconnectEvery = 2 * time.Second
	}
	if opts.FallbackAfter <= 0 {
		opts.FallbackAfter = 3 * time.Second
	}
	return &Bus{
		store:     s,
		socket:    t.Socket,
		sse:       t.SSE,
		broadcast: t.Broadcast,
		publisher: t.Publisher,
		opts:      opts,
		log:       log,
		healthy:   make(map[event.Source]bool),
	}
}

func (b *Bus) Origin() string { return b.opts.Origin }

// SetDeferrer installs the owner of pending moves after construction, for
// callers that build the bus before that component.
func (b *Bus) SetDeferrer(d Deferrer) {
	b.mu.Lock()
	b.opts.Deferrer = d
	b.mu.Unlock()
}

// Healthy reports whether the given transport is currently connected.
func (b *Bus) Healthy(src event.Source) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy[src]
}

func (b *Bus) setHealthy(src event.Source, h bool) {
	b.mu.Lock()
	b.healthy[src] = h
	b.mu.Unlock()
}

// Broadcast tells other instances about a local change. The event comes back
// to this instance too and is skipped by origin.
func (b *Bus) Broadcast(ctx context.Context, ev event.Event) error {
	if b.publisher == nil {
		return nil
	}
	ev.Origin = b.opts.Origin
	raw, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return b.publisher.Publish(ctx, raw)
}

// Run connects every transport and merges their events until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	events := make(chan event.Event, 256)
	emit := func(ev event.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-events:
				b.Apply(gctx, ev)
			}
		}
	})

	if b.broadcast != nil {
		g.Go(func() error {
			b.keepAlive(gctx, b.broadcast, emit, nil)
			return nil
		})
	}

	// health carries only the latest socket state to the SSE supervisor
	var health chan bool
	if b.sse != nil && b.socket != nil {
		health = make(chan bool, 1)
	}
	if b.socket != nil {
		var onHealth func(bool)
		if health != nil {
			onHealth = func(h bool) {
				select {
				case <-health:
				default:
				}
				health <- h
			}
		}
		g.Go(func() error {
			b.keepAlive(gctx, b.socket, emit, onHealth)
			return nil
		})
	}

	if b.sse != nil {
		g.Go(func() error {
			b.superviseFallback(gctx, emit, health, b.socket == nil)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// keepAlive redials t after every failure, no faster than ReconnectEvery.
func (b *Bus) keepAlive(ctx context.Context, t Transport, emit func(event.Event), onHealth func(bool)) {
	limiter := rate.NewLimiter(rate.Every(b.opts.ReconnectEvery), 1)
	src := t.Source()

	healthy := func(h bool) {
		b.setHealthy(src, h)
		if onHealth != nil {
			onHealth(h)
		}
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := t.Run(ctx, emit, healthy)
		if b.Healthy(src) {
			healthy(false)
		}
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("live transport disconnected", zap.String("transport", string(src)), zap.Error(err))
	}
}

// superviseFallback keeps SSE open only while the socket is down. Without a
// socket SSE runs for the whole session.
func (b *Bus) superviseFallback(ctx context.Context, emit func(event.Event), health <-chan bool, always bool) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	start := func() {
		if cancel != nil {
			return
		}
		var sctx context.Context
		sctx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		go func() {
			defer close(done)
			b.keepAlive(sctx, b.sse, emit, nil)
		}()
		b.log.Info("sse fallback opened")
	}
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel = nil
		b.log.Info("sse fallback closed")
	}
	defer stop()

	if always {
		start()
		<-ctx.Done()
		return
	}

	socketUp := false
	grace := time.NewTimer(b.opts.FallbackAfter)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case up := <-health:
			socketUp = up
			if up {
				stop()
				continue
			}
			start()
		case <-grace.C:
			if !socketUp {
				start()
			}
		}
	}
}

// Apply merges one event into the store. It is idempotent: applying the same
// event twice leaves the store as applying it once. It reports whether the
// store changed.
func (b *Bus) Apply(ctx context.Context, ev event.Event) bool {
	log := b.log.With(
		zap.String("type", string(ev.Kind)),
		zap.Int64("appointment_id", ev.AppointmentID),
		zap.String("source", string(ev.Source)),
	)

	if err := ev.Validate(); err != nil {
		log.Warn("dropping malformed event", zap.Error(err))
		return false
	}
	if ev.Origin != "" && ev.Origin == b.opts.Origin {
		return false
	}

	b.mu.Lock()
	deferrer := b.opts.Deferrer
	b.mu.Unlock()
	if ev.Source != event.SourceLocal && deferrer != nil && deferrer.Observe(ev) {
		log.Debug("deferred event for appointment with pending move")
		return false
	}

	before, known := b.store.Find(ev.AppointmentID)

	switch {
	case ev.Kind.Removes():
		removed, ok := b.store.RemoveByID(ev.AppointmentID)
		if !ok {
			return false
		}
		b.applied(Applied{Event: ev, Before: &removed})
		return true

	case ev.HasPayload():
		next := *ev.Appointment
		if !b.store.Put(next) {
			return false
		}
		a := Applied{Event: ev, After: &next}
		if known {
			a.Before = &before
		}
		b.applied(a)
		return true

	default:
		log.Debug("event without record, refetching", zap.Bool("known", known))
		if b.opts.Refetch != nil {
			b.opts.Refetch(ctx, ev)
		}
		return false
	}
}

func (b *Bus) applied(a Applied) {
	if b.opts.OnApplied != nil {
		b.opts.OnApplied(a)
	}
}
