// Package dashboard composes the scheduling core into what one signed-in
// user sees: their appointments grouped into capacity-bounded hours, kept
// live by the update bus and moved through the reschedule coordinator.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/availability"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/coalesce"
	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/grouping"
	"github.com/hackgods/live-appointment-scheduling/internal/liveupdate"
	"github.com/hackgods/live-appointment-scheduling/internal/reschedule"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
	"github.com/hackgods/live-appointment-scheduling/internal/store"
)

var ErrNoDoctors = errors.New("hospital view has no doctors to load")

// Loader is the read side of the REST client.
type Loader interface {
	GetMyAppointments(ctx context.Context) ([]appointment.Appointment, error)
	GetHospitalDoctorAppointments(ctx context.Context, hospitalID, doctorID int64) ([]appointment.Appointment, error)
}

type Mover interface {
	Move(ctx context.Context, id int64, t reschedule.Target) error
}

type Options struct {
	// Doctors are the doctors a hospital or slot admin looks after.
	Doctors []int64
	// ReloadDelay collapses bursts of refetch requests into one load.
	ReloadDelay time.Duration
	// LoadConcurrency bounds per-doctor loads for admins.
	LoadConcurrency int
}

type View struct {
	identity session.Identity
	loader   Loader
	store    *store.Store
	avail    *availability.Fetcher
	mover    Mover
	norm     *civil.Normalizer
	opts     Options
	log      *zap.Logger
	reload   *coalesce.Scheduler[string]
}

func New(identity session.Identity, loader Loader, s *store.Store, avail *availability.Fetcher, mover Mover, norm *civil.Normalizer, opts Options, log *zap.Logger) *View {
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = 250 * time.Millisecond
	}
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = 4
	}
	return &View{
		identity: identity,
		loader:   loader,
		store:    s,
		avail:    avail,
		mover:    mover,
		norm:     norm,
		opts:     opts,
		log:      log.With(zap.String("role", string(identity.Role)), zap.Int64("user_id", identity.UserID)),
		reload:   coalesce.New[string](opts.ReloadDelay, 1),
	}
}

func (v *View) Identity() session.Identity { return v.identity }

func (v *View) Store() *store.Store { return v.store }

// Load fetches the appointments this identity may see into the store.
func (v *View) Load(ctx context.Context) error {
	if !v.identity.IsAdmin() {
		list, err := v.loader.GetMyAppointments(ctx)
		if err != nil {
			return fmt.Errorf("load appointments: %w", err)
		}
		v.store.Reset(list)
		v.log.Debug("appointments loaded", zap.Int("count", len(list)))
		return nil
	}

	if len(v.opts.Doctors) == 0 {
		return ErrNoDoctors
	}
	if v.identity.HospitalID == nil {
		return session.ErrInvalidIdentity
	}
	hospitalID := *v.identity.HospitalID

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.LoadConcurrency)
	for _, doctorID := range v.opts.Doctors {
		g.Go(func() error {
			list, err := v.loader.GetHospitalDoctorAppointments(gctx, hospitalID, doctorID)
			if err != nil {
				return fmt.Errorf("load doctor %d: %w", doctorID, err)
			}
			v.store.ReplaceAll(doctorID, list)
			return nil
		})
	}
	return g.Wait()
}

// Move shows the move at once and leaves the commit to the coordinator.
func (v *View) Move(ctx context.Context, id int64, t reschedule.Target) error {
	return v.mover.Move(ctx, id, t)
}

// Patient is the flat list a patient sees, soonest first.
func (v *View) Patient() []appointment.Appointment {
	return grouping.Filter(v.store.All(), func(a appointment.Appointment) bool {
		return a.PatientID == v.identity.UserID
	})
}

// Changes fires on every store change; call stop when done.
func (v *View) Changes() (<-chan uint64, func()) {
	return v.store.Watch()
}

// BusOptions hooks the view into the live update bus.
func (v *View) BusOptions(base liveupdate.Options) liveupdate.Options {
	base.Refetch = v.Refetch
	base.OnApplied = v.OnApplied
	return base
}

// OnApplied drops cached availability for every (doctor, date) an applied
// event touched.
func (v *View) OnApplied(a liveupdate.Applied) {
	for _, rec := range []*appointment.Appointment{a.Before, a.After} {
		if rec == nil {
			continue
		}
		date := v.norm.DateKey(rec.ScheduledAt)
		v.avail.Invalidate(rec.DoctorID, date)
		v.avail.Get(rec.DoctorID, date)
	}
}

// Refetch reloads in the background. Bursts collapse into one load.
func (v *View) Refetch(_ context.Context, ev event.Event) {
	err := v.reload.Schedule("all", func(ctx context.Context) {
		if err := v.Load(ctx); err != nil {
			v.log.Warn("reload failed", zap.Int64("appointment_id", ev.AppointmentID), zap.Error(err))
		}
	})
	if err != nil {
		v.log.Debug("reload not scheduled", zap.Error(err))
	}
}

func (v *View) Close() {
	v.reload.Close()
}
