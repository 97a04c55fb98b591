// Package reschedule moves appointments optimistically and reconciles each
// move with the server.
//
// A move shows up in the store at once. The commit follows after a quiet
// period, retried on transport errors. If the commit fails while it is still
// the latest move of that appointment, the store goes back to the last state
// the server confirmed. A failed commit that a newer move has overtaken
// leaves the store alone.
package reschedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/apiclient"
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/coalesce"
	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/retry"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
	"github.com/hackgods/live-appointment-scheduling/internal/store"
)

var (
	ErrNoHospitalContext  = errors.New("no hospital context to move this appointment")
	ErrUnknownAppointment = errors.New("appointment is not loaded")
	ErrRemovedOnServer    = errors.New("appointment was removed on the server")
	ErrClosed             = errors.New("coordinator closed")
)

// Committer persists moves; *apiclient.Client implements it.
type Committer interface {
	UpdateDoctorAppointment(ctx context.Context, appointmentID int64, p appointment.Patch) (*appointment.Appointment, error)
	UpdateHospitalDoctorAppointment(ctx context.Context, hospitalID, doctorID, appointmentID int64, p appointment.Patch) (*appointment.Appointment, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, ev event.Event) error
}

// Target is where an appointment is dragged to. DoctorID zero keeps the
// current doctor.
type Target struct {
	Date     string
	Time     string
	DoctorID int64
}

type Options struct {
	Identity    session.Identity
	Debounce    time.Duration
	Concurrency int
	Retry       retry.Policy
	// OnError is the user-facing alert for a failed commit.
	OnError func(id int64, err error)
	// OnSettled runs after the latest move of an appointment committed.
	OnSettled func(a appointment.Appointment)
	// IsPermanent classifies commit errors; defaults to apiclient.IsPermanent.
	IsPermanent func(error) bool
}

type intent struct {
	seq    uint64
	target Target
}

type Coordinator struct {
	store *store.Store
	api   Committer
	norm  *civil.Normalizer
	bus   Broadcaster
	sched *coalesce.Scheduler[int64]
	opts  Options
	log   *zap.Logger

	mu        sync.Mutex
	closed    bool
	seq       uint64
	latest    map[int64]uint64
	snapshots map[int64]appointment.Appointment
	// removed holds pending ids the server deleted or cancelled meanwhile
	removed map[int64]bool
}

func New(s *store.Store, api Committer, norm *civil.Normalizer, bus Broadcaster, opts Options, log *zap.Logger) *Coordinator {
	if opts.IsPermanent == nil {
		opts.IsPermanent = apiclient.IsPermanent
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	return &Coordinator{
		store:     s,
		api:       api,
		norm:      norm,
		bus:       bus,
		sched:     coalesce.New[int64](opts.Debounce, opts.Concurrency),
		opts:      opts,
		log:       log,
		latest:    make(map[int64]uint64),
		snapshots: make(map[int64]appointment.Appointment),
		removed:   make(map[int64]bool),
	}
}

// Move applies the target to the store now and schedules the commit.
func (c *Coordinator) Move(ctx context.Context, id int64, t Target) error {
	cur, ok := c.store.Find(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAppointment, id)
	}
	if !cur.Status.Active() {
		return appointment.ErrNotReschedulable
	}

	at, err := c.norm.At(t.Date, t.Time)
	if err != nil {
		return err
	}
	if t.DoctorID == 0 {
		t.DoctorID = cur.DoctorID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	in := intent{seq: c.seq, target: t}
	prevSeq, hadPrev := c.latest[id]
	c.latest[id] = in.seq
	_, hadSnapshot := c.snapshots[id]
	if !hadSnapshot {
		c.snapshots[id] = cur
	}
	c.mu.Unlock()

	next := cur
	next.ScheduledAt = at
	next.DoctorID = t.DoctorID
	c.store.Put(next)
	c.broadcast(ctx, event.Event{Kind: appointment.EventUpdatedOptimistic, AppointmentID: id, Appointment: &next})

	if err := c.sched.Schedule(id, func(ctx context.Context) { c.commit(ctx, id, in) }); err != nil {
		c.mu.Lock()
		undo := c.latest[id] == in.seq
		if undo {
			if hadPrev {
				c.latest[id] = prevSeq
			} else {
				delete(c.latest, id)
			}
			if !hadSnapshot {
				delete(c.snapshots, id)
			}
		}
		c.mu.Unlock()
		if undo {
			c.store.Put(cur)
			c.broadcast(ctx, event.Event{Kind: appointment.EventUpdated, AppointmentID: id, Appointment: &cur})
		}
		if errors.Is(err, coalesce.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Observe records a server event for an id with a pending move and reports
// whether it did. The event replaces the state a failed move rolls back to;
// a removal makes the rollback a removal too.
func (c *Coordinator) Observe(ev event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.latest[ev.AppointmentID]; !ok {
		return false
	}
	switch {
	case ev.Kind.Removes():
		c.removed[ev.AppointmentID] = true
	case ev.HasPayload():
		c.snapshots[ev.AppointmentID] = *ev.Appointment
		delete(c.removed, ev.AppointmentID)
	default:
		c.log.Debug("observed event without record", zap.Int64("appointment_id", ev.AppointmentID), zap.String("type", string(ev.Kind)))
	}
	return true
}

// Pending reports whether id has a move that has not settled.
func (c *Coordinator) Pending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.latest[id]
	return ok
}

// Drain commits every pending move now and waits for all of them to settle.
func (c *Coordinator) Drain(ctx context.Context) error {
	return c.sched.Drain(ctx)
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.sched.Close()
}

func (c *Coordinator) commit(ctx context.Context, id int64, in intent) {
	c.mu.Lock()
	if c.latest[id] != in.seq {
		// overtaken before it was sent
		c.mu.Unlock()
		return
	}
	known := c.snapshots[id]
	gone := c.removed[id]
	c.mu.Unlock()

	if gone {
		c.settle(ctx, id, in, nil, ErrRemovedOnServer)
		return
	}

	log := c.log.With(zap.Int64("appointment_id", id), zap.Uint64("seq", in.seq))

	var saved *appointment.Appointment
	err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context, attempt int) error {
		a, err := c.send(ctx, known, in.target)
		if err != nil {
			if errors.Is(err, ErrNoHospitalContext) || c.opts.IsPermanent(err) {
				return retry.Permanent(err)
			}
			log.Warn("commit attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		saved = a
		return nil
	})

	c.settle(ctx, id, in, saved, err)
}

// send picks the endpoint. The owning doctor keeping the appointment uses
// the doctor endpoint; everything else goes through the hospital, addressed
// by the doctor the server currently has on record.
func (c *Coordinator) send(ctx context.Context, known appointment.Appointment, t Target) (*appointment.Appointment, error) {
	date, clock, doctorID := t.Date, t.Time, t.DoctorID
	p := appointment.Patch{Date: &date, Time: &clock, DoctorID: &doctorID}

	id := c.opts.Identity
	if id.Role == session.RoleDoctor && known.DoctorID == id.UserID && t.DoctorID == id.UserID {
		return c.api.UpdateDoctorAppointment(ctx, known.ID, p)
	}

	hospitalID := id.HospitalID
	if hospitalID == nil {
		hospitalID = known.HospitalID
	}
	if hospitalID == nil {
		return nil, ErrNoHospitalContext
	}
	return c.api.UpdateHospitalDoctorAppointment(ctx, *hospitalID, known.DoctorID, known.ID, p)
}

func (c *Coordinator) settle(ctx context.Context, id int64, in intent, saved *appointment.Appointment, err error) {
	c.mu.Lock()
	isLatest := c.latest[id] == in.seq

	if err == nil {
		if !isLatest {
			// a newer move is still in flight; this is now the known-good state
			c.snapshots[id] = *saved
			delete(c.removed, id)
			c.mu.Unlock()
			return
		}
		delete(c.snapshots, id)
		delete(c.latest, id)
		delete(c.removed, id)
		c.mu.Unlock()

		c.store.Put(*saved)
		c.broadcast(ctx, event.Event{Kind: appointment.EventUpdated, AppointmentID: id, Appointment: saved})
		if c.opts.OnSettled != nil {
			c.opts.OnSettled(*saved)
		}
		return
	}

	var (
		rollback *appointment.Appointment
		remove   bool
	)
	if isLatest {
		if c.removed[id] {
			remove = true
		} else {
			snap := c.snapshots[id]
			rollback = &snap
		}
		delete(c.snapshots, id)
		delete(c.latest, id)
		delete(c.removed, id)
	}
	c.mu.Unlock()

	c.log.Error("commit failed",
		zap.Int64("appointment_id", id),
		zap.Uint64("seq", in.seq),
		zap.Bool("rolled_back", rollback != nil),
		zap.Bool("removed", remove),
		zap.Error(err),
	)

	switch {
	case remove:
		c.store.RemoveByID(id)
		c.broadcast(ctx, event.Event{Kind: appointment.EventCancelled, AppointmentID: id})
	case rollback != nil:
		c.store.Put(*rollback)
		c.broadcast(ctx, event.Event{Kind: appointment.EventUpdated, AppointmentID: id, Appointment: rollback})
	}
	if c.opts.OnError != nil {
		c.opts.OnError(id, err)
	}
}

func (c *Coordinator) broadcast(ctx context.Context, ev event.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Broadcast(ctx, ev); err != nil {
		c.log.Warn("broadcast failed", zap.String("type", string(ev.Kind)), zap.Int64("appointment_id", ev.AppointmentID), zap.Error(err))
	}
}
