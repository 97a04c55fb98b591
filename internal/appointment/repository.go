package appointment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotExists          = errors.New("slot already exists for this hour")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetDoctorByID(ctx context.Context, id int64) (*Doctor, error)
	SetDoctorSlotPeriod(ctx context.Context, doctorID int64, minutes int) error

	GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID int64) ([]Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID int64) ([]Appointment, error)
	ListAppointmentsByHospital(ctx context.Context, hospitalID int64) ([]Appointment, error)

	// For availability and insights; [from, to)
	ListAppointmentsInRange(ctx context.Context, doctorID int64, from, to time.Time) ([]Appointment, error)

	// Writes doctor, hospital, status, reason and scheduled time of a.
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)

	GetSlotByID(ctx context.Context, id int64) (*Slot, error)
	ListSlotsByDoctor(ctx context.Context, doctorID int64, from, to time.Time) ([]Slot, error)
	CreateSlot(ctx context.Context, doctorID int64, startsAt time.Time) (*Slot, error)
	UpdateSlotStatus(ctx context.Context, id int64, from, to SlotStatus) (*Slot, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
