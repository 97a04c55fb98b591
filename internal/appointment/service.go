package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/availability"
	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	redisclient "github.com/hackgods/live-appointment-scheduling/internal/redis"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

const (
	logSlotCreated        = "SLOT_CREATED"
	logSlotCancelled      = "SLOT_CANCELLED"
	logSlotPeriodChanged  = "SLOT_PERIOD_CHANGED"
	defaultSlotWindowDays = 30
)

var (
	ErrForbidden               = errors.New("not allowed to act on this resource")
	ErrAppointmentBusy         = errors.New("appointment is being updated, please retry")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrNotReschedulable        = errors.New("appointment can no longer be rescheduled")
	ErrHourFull                = errors.New("target hour is fully booked")
	ErrInvalidPatch            = errors.New("invalid appointment update")
	ErrEmptyPatch              = errors.New("update has no fields")
	ErrUnrecognizedPeriod      = errors.New("unrecognized slot period")
	ErrSlotNotAvailable        = errors.New("slot is not available")
	ErrSlotInPast              = errors.New("slot starts in the past")
)

type Service struct {
	repo          Repository
	locker        redisclient.Locker
	notifier      Notifier
	norm          *civil.Normalizer
	defaultPeriod int
	log           *zap.Logger
	now           func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, norm *civil.Normalizer, defaultPeriod int, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if defaultPeriod <= 0 {
		defaultPeriod = capacity.DefaultPeriodMinutes
	}
	return &Service{
		repo:          repo,
		locker:        locker,
		notifier:      notifier,
		norm:          norm,
		defaultPeriod: defaultPeriod,
		log:           log,
		now:           time.Now,
	}
}

// Listing

// ListMine returns the appointments visible to the caller's own dashboard.
func (s *Service) ListMine(ctx context.Context, id session.Identity) ([]Appointment, error) {
	switch {
	case id.Role == session.RoleDoctor:
		return s.ListForDoctor(ctx, id.UserID)
	case id.Role == session.RolePatient:
		return s.ListForPatient(ctx, id.UserID)
	case id.IsAdmin() && id.HospitalID != nil:
		return s.ListForHospital(ctx, *id.HospitalID)
	}
	return nil, ErrForbidden
}

func (s *Service) ListForPatient(ctx context.Context, patientID int64) ([]Appointment, error) {
	list, err := s.repo.ListAppointmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return list, nil
}

func (s *Service) ListForDoctor(ctx context.Context, doctorID int64) ([]Appointment, error) {
	list, err := s.repo.ListAppointmentsByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return list, nil
}

func (s *Service) ListForHospital(ctx context.Context, hospitalID int64) ([]Appointment, error) {
	list, err := s.repo.ListAppointmentsByHospital(ctx, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by hospital: %w", err)
	}
	return list, nil
}

func (s *Service) ListForHospitalDoctor(ctx context.Context, hospitalID, doctorID int64) ([]Appointment, error) {
	if _, err := s.doctorInHospital(ctx, hospitalID, doctorID); err != nil {
		return nil, err
	}
	return s.ListForDoctor(ctx, doctorID)
}

// Updates

// UpdateAsDoctor applies a patch on the doctor's own appointment. A doctor
// cannot hand an appointment to a colleague.
func (s *Service) UpdateAsDoctor(ctx context.Context, doctorID, appointmentID int64, p Patch) (*Appointment, error) {
	return s.update(ctx, appointmentID, p,
		func(cur *Appointment) error {
			if cur.DoctorID != doctorID {
				return ErrForbidden
			}
			return nil
		},
		func(target *Doctor) error {
			if target.ID != doctorID {
				return ErrForbidden
			}
			return nil
		},
	)
}

// UpdateAsHospital applies a patch on behalf of a hospital. The appointment
// must belong to doctorID and any target doctor must work at the same hospital.
func (s *Service) UpdateAsHospital(ctx context.Context, hospitalID, doctorID, appointmentID int64, p Patch) (*Appointment, error) {
	if _, err := s.doctorInHospital(ctx, hospitalID, doctorID); err != nil {
		return nil, err
	}
	return s.update(ctx, appointmentID, p,
		func(cur *Appointment) error {
			if cur.DoctorID != doctorID {
				return ErrForbidden
			}
			return nil
		},
		func(target *Doctor) error {
			if target.HospitalID == nil || *target.HospitalID != hospitalID {
				return ErrForbidden
			}
			return nil
		},
	)
}

// update runs under the appointment lock so two instances cannot interleave
// read-check-write on the same row.
func (s *Service) update(ctx context.Context, id int64, p Patch, authorize func(*Appointment) error, allowTarget func(*Doctor) error) (*Appointment, error) {
	if p.Empty() {
		return nil, ErrEmptyPatch
	}

	var (
		saved  *Appointment
		change Change
	)

	err := s.locker.WithAppointmentLock(ctx, id, func(lockCtx context.Context) error {
		cur, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return err
		}
		if err := authorize(cur); err != nil {
			return err
		}

		next, err := s.apply(lockCtx, *cur, p, allowTarget)
		if err != nil {
			return err
		}

		saved, err = s.repo.UpdateAppointment(lockCtx, next)
		if err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		change = Change{Kind: changeKind(*cur, *saved), Appointment: *saved}
		if cur.DoctorID != saved.DoctorID {
			change.PreviousDoctorID = cur.DoctorID
		}

		s.logEvent(lockCtx, &saved.ID, string(change.Kind), map[string]any{
			"from_doctor_id": cur.DoctorID,
			"to_doctor_id":   saved.DoctorID,
			"from_status":    cur.Status,
			"to_status":      saved.Status,
			"from":           cur.ScheduledAt,
			"to":             saved.ScheduledAt,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAppointmentBusy
		}
		return nil, err
	}

	s.notifier.Notify(ctx, change)
	return saved, nil
}

func (s *Service) apply(ctx context.Context, cur Appointment, p Patch, allowTarget func(*Doctor) error) (Appointment, error) {
	next := cur

	if p.Status != nil {
		st, err := ParseStatus(string(*p.Status))
		if err != nil {
			return cur, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		if !CanTransition(cur.Status, st) {
			return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, cur.Status, st)
		}
		next.Status = st
	}

	if p.Reason != nil {
		if r := strings.TrimSpace(*p.Reason); r != "" {
			next.Reason = &r
		} else {
			next.Reason = nil
		}
	}

	if !p.Moves() {
		return next, nil
	}

	if !cur.Status.Active() {
		return cur, ErrNotReschedulable
	}

	date, clock := s.norm.DateKey(cur.ScheduledAt), s.norm.Clock(cur.ScheduledAt)
	if p.Date != nil {
		date = *p.Date
	}
	if p.Time != nil {
		clock = *p.Time
	}
	at, err := s.norm.At(date, clock)
	if err != nil {
		return cur, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	next.ScheduledAt = at

	targetID := cur.DoctorID
	if p.DoctorID != nil {
		targetID = *p.DoctorID
	}
	target, err := s.repo.GetDoctorByID(ctx, targetID)
	if err != nil {
		return cur, err
	}
	if err := allowTarget(target); err != nil {
		return cur, err
	}
	next.DoctorID = target.ID
	if target.HospitalID != nil {
		next.HospitalID = target.HospitalID
	}

	if next.Status.Active() {
		if err := s.checkCapacity(ctx, target, next); err != nil {
			return cur, err
		}
	}

	return next, nil
}

// checkCapacity rejects a move into an hour that already holds as many active
// appointments as the doctor's period allows.
func (s *Service) checkCapacity(ctx context.Context, doc *Doctor, next Appointment) error {
	start, err := s.norm.HourStart(s.norm.DateKey(next.ScheduledAt), s.norm.Hour(next.ScheduledAt))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	list, err := s.repo.ListAppointmentsInRange(ctx, doc.ID, start, start.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("count hour bookings: %w", err)
	}

	booked := 0
	for _, a := range list {
		if a.ID != next.ID && a.Status.Active() {
			booked++
		}
	}
	if capacity.IsFull(booked, capacity.PerHour(s.periodOf(doc))) {
		return ErrHourFull
	}
	return nil
}

func changeKind(prev, next Appointment) EventKind {
	switch {
	case next.Status == StatusCancelled && prev.Status != StatusCancelled:
		return EventCancelled
	case prev.DoctorID != next.DoctorID || !prev.ScheduledAt.Equal(next.ScheduledAt):
		return EventRescheduled
	default:
		return EventUpdated
	}
}

// Availability and insights

func (s *Service) Availability(ctx context.Context, doctorID int64, date string) (*availability.Availability, error) {
	doc, list, err := s.dayAppointments(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	booked := make(map[int]int)
	for _, a := range list {
		if a.Status.Active() {
			booked[s.norm.Hour(a.ScheduledAt)]++
		}
	}

	a := availability.Build(doctorID, date, s.periodOf(doc), booked)
	return &a, nil
}

type Insights struct {
	DoctorID      int64          `json:"doctorId"`
	Date          string         `json:"date"`
	PeriodMinutes int            `json:"periodMinutes"`
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ByStatus      map[Status]int `json:"byStatus"`
	BusiestHour   *int           `json:"busiestHour,omitempty"`
	BusiestCount  int            `json:"busiestCount"`
	OpenSlots     int            `json:"openSlots"`
	Utilization   float64        `json:"utilization"`
}

// Insights summarizes one doctor's day. Utilization is active appointments
// over the capacity of the hours the doctor published slots for.
func (s *Service) Insights(ctx context.Context, doctorID int64, date string) (*Insights, error) {
	doc, list, err := s.dayAppointments(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	period := s.periodOf(doc)
	in := &Insights{
		DoctorID:      doctorID,
		Date:          date,
		PeriodMinutes: period,
		Total:         len(list),
		ByStatus:      make(map[Status]int),
	}

	perHour := make(map[int]int)
	for _, a := range list {
		in.ByStatus[a.Status]++
		if !a.Status.Active() {
			continue
		}
		in.Active++
		h := s.norm.Hour(a.ScheduledAt)
		perHour[h]++
		if perHour[h] > in.BusiestCount || (perHour[h] == in.BusiestCount && in.BusiestHour != nil && h < *in.BusiestHour) {
			hour := h
			in.BusiestHour = &hour
			in.BusiestCount = perHour[h]
		}
	}

	start, end, _ := s.norm.DayBounds(date)
	slots, err := s.repo.ListSlotsByDoctor(ctx, doctorID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	for _, sl := range slots {
		if sl.Status != SlotCancelled {
			in.OpenSlots++
		}
	}
	if in.OpenSlots > 0 {
		in.Utilization = capacity.Ratio(in.Active, in.OpenSlots*capacity.PerHour(period))
	}

	return in, nil
}

func (s *Service) dayAppointments(ctx context.Context, doctorID int64, date string) (*Doctor, []Appointment, error) {
	start, end, err := s.norm.DayBounds(date)
	if err != nil {
		return nil, nil, err
	}
	doc, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, nil, err
	}
	list, err := s.repo.ListAppointmentsInRange(ctx, doctorID, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("list day appointments: %w", err)
	}
	return doc, list, nil
}

// Slot period

func (s *Service) SlotPeriod(ctx context.Context, hospitalID, doctorID int64) (int, error) {
	doc, err := s.doctorInHospital(ctx, hospitalID, doctorID)
	if err != nil {
		return 0, err
	}
	return s.periodOf(doc), nil
}

func (s *Service) SetSlotPeriod(ctx context.Context, hospitalID, doctorID int64, minutes int) error {
	if !capacity.IsRecognized(minutes) {
		return fmt.Errorf("%w: %d", ErrUnrecognizedPeriod, minutes)
	}
	doc, err := s.doctorInHospital(ctx, hospitalID, doctorID)
	if err != nil {
		return err
	}
	if err := s.repo.SetDoctorSlotPeriod(ctx, doctorID, minutes); err != nil {
		return err
	}

	s.logEvent(ctx, nil, logSlotPeriodChanged, map[string]any{
		"doctor_id": doctorID,
		"from":      s.periodOf(doc),
		"to":        minutes,
	})
	return nil
}

// Slots

// ListSlots returns the doctor's slots on date, or for the coming weeks when
// date is empty.
func (s *Service) ListSlots(ctx context.Context, doctorID int64, date string) ([]Slot, error) {
	var from, to time.Time
	if date != "" {
		var err error
		if from, to, err = s.norm.DayBounds(date); err != nil {
			return nil, err
		}
	} else {
		from, _, _ = s.norm.DayBounds(s.norm.DateKey(s.now()))
		to = from.AddDate(0, 0, defaultSlotWindowDays)
	}

	slots, err := s.repo.ListSlotsByDoctor(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

func (s *Service) CreateSlot(ctx context.Context, id session.Identity, doctorID int64, date string, hour int) (*Slot, error) {
	if err := s.CanManageDoctor(ctx, id, doctorID); err != nil {
		return nil, err
	}

	startsAt, err := s.norm.HourStart(date, hour)
	if err != nil {
		return nil, err
	}
	if !startsAt.After(s.now()) {
		return nil, ErrSlotInPast
	}

	slot, err := s.repo.CreateSlot(ctx, doctorID, startsAt)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, nil, logSlotCreated, map[string]any{
		"slot_id":   slot.ID,
		"doctor_id": doctorID,
		"starts_at": startsAt,
	})
	return slot, nil
}

// CancelSlot withdraws an unbooked slot. Booked slots are cancelled through
// their appointment.
func (s *Service) CancelSlot(ctx context.Context, id session.Identity, slotID int64) (*Slot, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.CanManageDoctor(ctx, id, slot.DoctorID); err != nil {
		return nil, err
	}
	if slot.Status != SlotAvailable {
		return nil, ErrSlotNotAvailable
	}

	updated, err := s.repo.UpdateSlotStatus(ctx, slotID, SlotAvailable, SlotCancelled)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			// lost a race with a booking
			return nil, ErrSlotNotAvailable
		}
		return nil, err
	}

	s.logEvent(ctx, nil, logSlotCancelled, map[string]any{
		"slot_id":   slotID,
		"doctor_id": slot.DoctorID,
	})
	return updated, nil
}

// CanManageDoctor reports whether id may manage doctorID's schedule: the
// doctor themself, or an admin of the doctor's hospital.
func (s *Service) CanManageDoctor(ctx context.Context, id session.Identity, doctorID int64) error {
	switch {
	case id.Role == session.RoleDoctor:
		if id.UserID != doctorID {
			return ErrForbidden
		}
		return nil
	case id.IsAdmin() && id.HospitalID != nil:
		_, err := s.doctorInHospital(ctx, *id.HospitalID, doctorID)
		return err
	}
	return ErrForbidden
}

func (s *Service) doctorInHospital(ctx context.Context, hospitalID, doctorID int64) (*Doctor, error) {
	doc, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if doc.HospitalID == nil || *doc.HospitalID != hospitalID {
		return nil, ErrForbidden
	}
	return doc, nil
}

func (s *Service) periodOf(doc *Doctor) int {
	if doc != nil && capacity.IsRecognized(doc.SlotPeriodMinutes) {
		return doc.SlotPeriodMinutes
	}
	return s.defaultPeriod
}

func (s *Service) logEvent(ctx context.Context, appointmentID *int64, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}
