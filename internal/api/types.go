package api

import (
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
)

// UpdateAppointmentRequest mirrors appointment.Patch with validation rules.
type UpdateAppointmentRequest struct {
	Date     *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time     *string `json:"time" validate:"omitempty,min=4,max=8"`
	DoctorID *int64  `json:"doctorId" validate:"omitempty,gt=0"`
	Status   *string `json:"status" validate:"omitempty,oneof=PENDING CONFIRMED EMERGENCY CANCELLED COMPLETED pending confirmed emergency cancelled completed"`
	Reason   *string `json:"reason" validate:"omitempty,max=500"`
}

func (r UpdateAppointmentRequest) Patch() (appointment.Patch, error) {
	p := appointment.Patch{Date: r.Date, Time: r.Time, DoctorID: r.DoctorID, Reason: r.Reason}
	if r.Status != nil {
		st, err := appointment.ParseStatus(*r.Status)
		if err != nil {
			return appointment.Patch{}, err
		}
		p.Status = &st
	}
	return p, nil
}

type CreateSlotRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Hour *int   `json:"hour" validate:"required,min=0,max=23"`
}

type SlotPeriodRequest struct {
	PeriodMinutes int `json:"periodMinutes" validate:"required,oneof=10 15 20 30 60"`
}

type SlotPeriodResponse struct {
	DoctorID      int64 `json:"doctorId"`
	PeriodMinutes int   `json:"periodMinutes"`
}

// AppointmentResponse adds the zone-local date and clock to the record so
// clients need no timezone logic of their own.
type AppointmentResponse struct {
	appointment.Appointment
	Date string `json:"date"`
	Time string `json:"time"`
}

func toResponse(a appointment.Appointment, norm *civil.Normalizer) AppointmentResponse {
	return AppointmentResponse{Appointment: a, Date: norm.DateKey(a.ScheduledAt), Time: norm.Clock(a.ScheduledAt)}
}

func toResponses(list []appointment.Appointment, norm *civil.Normalizer) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toResponse(a, norm))
	}
	return out
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
