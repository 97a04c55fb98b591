package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusEmergency Status = "EMERGENCY"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

var ErrUnknownStatus = errors.New("unknown appointment status")

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusConfirmed, StatusEmergency, StatusCancelled, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Active statuses occupy capacity.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusEmergency
}

// transitions lists the legal targets per status. Setting a status to itself
// is always allowed.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusEmergency, StatusCancelled},
	StatusConfirmed: {StatusEmergency, StatusCompleted, StatusCancelled},
	StatusEmergency: {StatusConfirmed, StatusCompleted, StatusCancelled},
	StatusCancelled: nil,
	StatusCompleted: nil,
}

func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotBooked    SlotStatus = "BOOKED"
	SlotCancelled SlotStatus = "CANCELLED"
)

type Doctor struct {
	ID                int64
	HospitalID        *int64
	Name              string
	SlotPeriodMinutes int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Patient struct {
	ID        int64
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID          int64     `json:"id"`
	DoctorID    int64     `json:"doctorId"`
	PatientID   int64     `json:"patientId"`
	HospitalID  *int64    `json:"hospitalId,omitempty"`
	Status      Status    `json:"status"`
	Reason      *string   `json:"reason,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Equal compares by value, following pointers.
func (a Appointment) Equal(b Appointment) bool {
	return a.ID == b.ID &&
		a.DoctorID == b.DoctorID &&
		a.PatientID == b.PatientID &&
		eqPtr(a.HospitalID, b.HospitalID) &&
		a.Status == b.Status &&
		eqPtr(a.Reason, b.Reason) &&
		a.ScheduledAt.Equal(b.ScheduledAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func eqPtr[T comparable](x, y *T) bool {
	if x == nil || y == nil {
		return x == y
	}
	return *x == *y
}

// Slot is a doctor-published availability unit at hour granularity.
type Slot struct {
	ID        int64      `json:"id"`
	DoctorID  int64      `json:"doctorId"`
	StartsAt  time.Time  `json:"startsAt"`
	Status    SlotStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Patch is a partial update. Date and Time are civil values in the clinic
// zone and must be given together.
type Patch struct {
	Date     *string `json:"date,omitempty"`
	Time     *string `json:"time,omitempty"`
	DoctorID *int64  `json:"doctorId,omitempty"`
	Status   *Status `json:"status,omitempty"`
	Reason   *string `json:"reason,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Date == nil && p.Time == nil && p.DoctorID == nil && p.Status == nil && p.Reason == nil
}

// Moves reports whether the patch changes when or with whom the appointment is.
func (p Patch) Moves() bool {
	return p.Date != nil || p.Time != nil || p.DoctorID != nil
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}
