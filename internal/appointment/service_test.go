package appointment

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	redisclient "github.com/hackgods/live-appointment-scheduling/internal/redis"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

type fakeRepo struct {
	mu           sync.Mutex
	doctors      map[int64]*Doctor
	appointments map[int64]*Appointment
	slots        map[int64]*Slot
	events       []EventLog
	nextSlotID   int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors:      map[int64]*Doctor{},
		appointments: map[int64]*Appointment{},
		slots:        map[int64]*Slot{},
		nextSlotID:   100,
	}
}

func (r *fakeRepo) GetDoctorByID(_ context.Context, id int64) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeRepo) SetDoctorSlotPeriod(_ context.Context, doctorID int64, minutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[doctorID]
	if !ok {
		return ErrDoctorNotFound
	}
	d.SlotPeriodMinutes = minutes
	return nil
}

func (r *fakeRepo) GetAppointmentByID(_ context.Context, id int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) list(keep func(*Appointment) bool) []Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Appointment{}
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *fakeRepo) ListAppointmentsByPatient(_ context.Context, patientID int64) ([]Appointment, error) {
	return r.list(func(a *Appointment) bool { return a.PatientID == patientID }), nil
}

func (r *fakeRepo) ListAppointmentsByDoctor(_ context.Context, doctorID int64) ([]Appointment, error) {
	return r.list(func(a *Appointment) bool { return a.DoctorID == doctorID }), nil
}

func (r *fakeRepo) ListAppointmentsByHospital(_ context.Context, hospitalID int64) ([]Appointment, error) {
	return r.list(func(a *Appointment) bool { return a.HospitalID != nil && *a.HospitalID == hospitalID }), nil
}

func (r *fakeRepo) ListAppointmentsInRange(_ context.Context, doctorID int64, from, to time.Time) ([]Appointment, error) {
	return r.list(func(a *Appointment) bool {
		return a.DoctorID == doctorID && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to)
	}), nil
}

func (r *fakeRepo) UpdateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appointments[a.ID]; !ok {
		return nil, ErrAppointmentNotFound
	}
	a.UpdatedAt = time.Now()
	r.appointments[a.ID] = &a
	cp := a
	return &cp, nil
}

func (r *fakeRepo) GetSlotByID(_ context.Context, id int64) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) ListSlotsByDoctor(_ context.Context, doctorID int64, from, to time.Time) ([]Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Slot{}
	for _, s := range r.slots {
		if s.DoctorID == doctorID && !s.StartsAt.Before(from) && s.StartsAt.Before(to) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (r *fakeRepo) CreateSlot(_ context.Context, doctorID int64, startsAt time.Time) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s.DoctorID == doctorID && s.StartsAt.Equal(startsAt) {
			return nil, ErrSlotExists
		}
	}
	r.nextSlotID++
	s := &Slot{ID: r.nextSlotID, DoctorID: doctorID, StartsAt: startsAt, Status: SlotAvailable}
	r.slots[s.ID] = s
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) UpdateSlotStatus(_ context.Context, id int64, from, to SlotStatus) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.Status != from {
		return nil, ErrSlotNotFound
	}
	s.Status = to
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (l *fakeLocker) WithAppointmentLock(ctx context.Context, id int64, fn func(context.Context) error) error {
	l.mu.Lock()
	if l.held == nil {
		l.held = map[int64]bool{}
	}
	if l.held[id] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[id] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) Notify(_ context.Context, c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

type fixture struct {
	svc      *Service
	repo     *fakeRepo
	locker   *fakeLocker
	notifier *recordingNotifier
	norm     *civil.Normalizer
}

func int64p(v int64) *int64 { return &v }
func strp(v string) *string { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	norm := civil.MustNormalizer("Asia/Kolkata")
	repo := newFakeRepo()
	repo.doctors[1] = &Doctor{ID: 1, HospitalID: int64p(10), Name: "Dr One", SlotPeriodMinutes: 15}
	repo.doctors[2] = &Doctor{ID: 2, HospitalID: int64p(10), Name: "Dr Two", SlotPeriodMinutes: 60}
	repo.doctors[3] = &Doctor{ID: 3, HospitalID: int64p(20), Name: "Dr Three", SlotPeriodMinutes: 15}

	at := func(date, clock string) time.Time {
		ts, err := norm.At(date, clock)
		require.NoError(t, err)
		return ts
	}
	repo.appointments[42] = &Appointment{ID: 42, DoctorID: 1, PatientID: 7, HospitalID: int64p(10), Status: StatusConfirmed, ScheduledAt: at("2024-06-01", "09:15")}
	repo.appointments[43] = &Appointment{ID: 43, DoctorID: 1, PatientID: 8, HospitalID: int64p(10), Status: StatusCancelled, ScheduledAt: at("2024-06-01", "09:30")}
	repo.appointments[44] = &Appointment{ID: 44, DoctorID: 2, PatientID: 9, HospitalID: int64p(10), Status: StatusPending, ScheduledAt: at("2024-06-01", "14:00")}

	locker := &fakeLocker{}
	notifier := &recordingNotifier{}
	svc := NewService(repo, locker, notifier, norm, 15, zap.NewNop())
	svc.now = func() time.Time { return at("2024-05-01", "08:00") }

	return &fixture{svc: svc, repo: repo, locker: locker, notifier: notifier, norm: norm}
}

func TestUpdateAsDoctorReschedules(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.UpdateAsDoctor(context.Background(), 1, 42, Patch{Date: strp("2024-06-01"), Time: strp("11:00")})
	require.NoError(t, err)

	assert.Equal(t, "11:00", f.norm.Clock(got.ScheduledAt))
	assert.Equal(t, "2024-06-01", f.norm.DateKey(got.ScheduledAt))

	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, EventRescheduled, f.notifier.changes[0].Kind)
	assert.Zero(t, f.notifier.changes[0].PreviousDoctorID)

	require.Len(t, f.repo.events, 1)
	assert.Equal(t, string(EventRescheduled), f.repo.events[0].EventType)
}

func TestUpdateAsDoctorKeepsClockWhenOnlyDateGiven(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.UpdateAsDoctor(context.Background(), 1, 42, Patch{Date: strp("2024-06-03")})
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03", f.norm.DateKey(got.ScheduledAt))
	assert.Equal(t, "09:15", f.norm.Clock(got.ScheduledAt))
}

func TestUpdateAsDoctorOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateAsDoctor(ctx, 2, 42, Patch{Time: strp("10:00")})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateAsDoctor(ctx, 1, 42, Patch{DoctorID: int64p(2)})
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Empty(t, f.notifier.changes)
}

func TestUpdateAsHospitalMovesBetweenDoctors(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.UpdateAsHospital(context.Background(), 10, 1, 42, Patch{DoctorID: int64p(2), Time: strp("10:00")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.DoctorID)

	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, int64(1), f.notifier.changes[0].PreviousDoctorID)
}

func TestUpdateAsHospitalRejectsForeignDoctors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateAsHospital(ctx, 10, 1, 42, Patch{DoctorID: int64p(3)})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateAsHospital(ctx, 20, 1, 42, Patch{Time: strp("10:00")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	pending := StatusPending

	_, err := f.svc.UpdateAsDoctor(context.Background(), 1, 42, Patch{Status: &pending})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestUpdateCancelEmitsCancelled(t *testing.T) {
	f := newFixture(t)
	cancelled := StatusCancelled

	got, err := f.svc.UpdateAsDoctor(context.Background(), 1, 42, Patch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, EventCancelled, f.notifier.changes[0].Kind)

	_, err = f.svc.UpdateAsDoctor(context.Background(), 1, 42, Patch{Time: strp("12:00")})
	assert.ErrorIs(t, err, ErrNotReschedulable)
}

func TestUpdateRejectsFullHour(t *testing.T) {
	f := newFixture(t)

	// doctor 2 works in hour-long periods and already has 14:00 booked
	_, err := f.svc.UpdateAsHospital(context.Background(), 10, 1, 42, Patch{DoctorID: int64p(2), Time: strp("14:30")})
	assert.ErrorIs(t, err, ErrHourFull)
}

func TestUpdateReportsBusyLock(t *testing.T) {
	f := newFixture(t)
	f.locker.held = map[int64]bool{42: true}

	_, err := f.svc.UpdateAsDoctor(context.Background(), 1, 42, Patch{Time: strp("10:00")})
	assert.ErrorIs(t, err, ErrAppointmentBusy)
}

func TestUpdateRejectsEmptyAndBadPatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateAsDoctor(ctx, 1, 42, Patch{})
	assert.ErrorIs(t, err, ErrEmptyPatch)

	_, err = f.svc.UpdateAsDoctor(ctx, 1, 42, Patch{Time: strp("25:99")})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = f.svc.UpdateAsDoctor(ctx, 1, 999, Patch{Time: strp("10:00")})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestAvailabilityCountsActiveOnly(t *testing.T) {
	f := newFixture(t)

	a, err := f.svc.Availability(context.Background(), 1, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, 15, a.PeriodMinutes)

	h, ok := a.At(9)
	require.True(t, ok)
	assert.Equal(t, 4, h.Capacity)
	assert.Equal(t, 1, h.BookedCount)
	assert.Equal(t, capacity.LevelLow, h.Level)

	_, err = f.svc.Availability(context.Background(), 1, "June 1st")
	assert.ErrorIs(t, err, civil.ErrInvalidCivil)
}

func TestInsights(t *testing.T) {
	f := newFixture(t)
	start, err := f.norm.HourStart("2024-06-01", 9)
	require.NoError(t, err)
	f.repo.slots[1] = &Slot{ID: 1, DoctorID: 1, StartsAt: start, Status: SlotBooked}
	f.repo.slots[2] = &Slot{ID: 2, DoctorID: 1, StartsAt: start.Add(time.Hour), Status: SlotCancelled}

	in, err := f.svc.Insights(context.Background(), 1, "2024-06-01")
	require.NoError(t, err)

	assert.Equal(t, 2, in.Total)
	assert.Equal(t, 1, in.Active)
	assert.Equal(t, 1, in.ByStatus[StatusConfirmed])
	assert.Equal(t, 1, in.ByStatus[StatusCancelled])
	require.NotNil(t, in.BusiestHour)
	assert.Equal(t, 9, *in.BusiestHour)
	assert.Equal(t, 1, in.OpenSlots)
	assert.InDelta(t, 0.25, in.Utilization, 1e-9)
}

func TestSlotPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.SetSlotPeriod(ctx, 10, 1, 25)
	assert.ErrorIs(t, err, ErrUnrecognizedPeriod)

	require.NoError(t, f.svc.SetSlotPeriod(ctx, 10, 1, 30))
	got, err := f.svc.SlotPeriod(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 30, got)

	_, err = f.svc.SlotPeriod(ctx, 20, 1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSlotLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doctor := session.Identity{Role: session.RoleDoctor, UserID: 1}
	other := session.Identity{Role: session.RoleDoctor, UserID: 2}
	admin := session.Identity{Role: session.RoleSlotAdmin, UserID: 50, HospitalID: int64p(10)}

	_, err := f.svc.CreateSlot(ctx, doctor, 1, "2024-04-01", 9)
	assert.ErrorIs(t, err, ErrSlotInPast)

	slot, err := f.svc.CreateSlot(ctx, doctor, 1, "2024-06-01", 9)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)

	_, err = f.svc.CreateSlot(ctx, admin, 1, "2024-06-01", 9)
	assert.ErrorIs(t, err, ErrSlotExists)

	_, err = f.svc.CancelSlot(ctx, other, slot.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	cancelled, err := f.svc.CancelSlot(ctx, admin, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotCancelled, cancelled.Status)

	_, err = f.svc.CancelSlot(ctx, doctor, slot.ID)
	assert.ErrorIs(t, err, ErrSlotNotAvailable)

	slots, err := f.svc.ListSlots(ctx, 1, "2024-06-01")
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}

func TestListMine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine, err := f.svc.ListMine(ctx, session.Identity{Role: session.RolePatient, UserID: 7})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(42), mine[0].ID)

	hosp, err := f.svc.ListMine(ctx, session.Identity{Role: session.RoleHospitalAdmin, UserID: 1, HospitalID: int64p(10)})
	require.NoError(t, err)
	assert.Len(t, hosp, 3)
}
