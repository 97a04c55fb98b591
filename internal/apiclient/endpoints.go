package apiclient

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/availability"
)

func (c *Client) GetMyAppointments(ctx context.Context) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	if err := c.do(ctx, http.MethodGet, "/me/appointments", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSlots(ctx context.Context, doctorID int64, date string) ([]appointment.Slot, error) {
	var out []appointment.Slot
	if err := c.do(ctx, http.MethodGet, "/doctors/"+itoa(doctorID)+"/slots", dateQuery(date), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Availability satisfies availability.Source.
func (c *Client) Availability(ctx context.Context, doctorID int64, date string) (*availability.Availability, error) {
	var out availability.Availability
	if err := c.do(ctx, http.MethodGet, "/doctors/"+itoa(doctorID)+"/availability", dateQuery(date), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type SlotsAndAvailability struct {
	Slots        []appointment.Slot
	Availability *availability.Availability
}

// GetSlotsAndAvailability fetches both views of a doctor's day in parallel.
func (c *Client) GetSlotsAndAvailability(ctx context.Context, doctorID int64, date string) (*SlotsAndAvailability, error) {
	var out SlotsAndAvailability
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slots, err := c.GetSlots(gctx, doctorID, date)
		out.Slots = slots
		return err
	})
	g.Go(func() error {
		a, err := c.Availability(gctx, doctorID, date)
		out.Availability = a
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSlotInsights(ctx context.Context, doctorID int64, date string) (*appointment.Insights, error) {
	var out appointment.Insights
	if err := c.do(ctx, http.MethodGet, "/doctors/"+itoa(doctorID)+"/insights", dateQuery(date), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateDoctorAppointment(ctx context.Context, appointmentID int64, p appointment.Patch) (*appointment.Appointment, error) {
	var out appointment.Appointment
	if err := c.do(ctx, http.MethodPatch, "/doctor/appointments/"+itoa(appointmentID), nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateHospitalDoctorAppointment(ctx context.Context, hospitalID, doctorID, appointmentID int64, p appointment.Patch) (*appointment.Appointment, error) {
	var out appointment.Appointment
	path := "/hospitals/" + itoa(hospitalID) + "/doctors/" + itoa(doctorID) + "/appointments/" + itoa(appointmentID)
	if err := c.do(ctx, http.MethodPatch, path, nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetHospitalDoctorAppointments(ctx context.Context, hospitalID, doctorID int64) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	path := "/hospitals/" + itoa(hospitalID) + "/doctors/" + itoa(doctorID) + "/appointments"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type slotPeriodBody struct {
	PeriodMinutes int `json:"periodMinutes"`
}

func (c *Client) GetHospitalDoctorSlotPeriod(ctx context.Context, hospitalID, doctorID int64) (int, error) {
	var out slotPeriodBody
	path := "/hospitals/" + itoa(hospitalID) + "/doctors/" + itoa(doctorID) + "/slot-period"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return 0, err
	}
	return out.PeriodMinutes, nil
}

func (c *Client) SetHospitalDoctorSlotPeriod(ctx context.Context, hospitalID, doctorID int64, minutes int) error {
	path := "/hospitals/" + itoa(hospitalID) + "/doctors/" + itoa(doctorID) + "/slot-period"
	return c.do(ctx, http.MethodPut, path, nil, slotPeriodBody{PeriodMinutes: minutes}, nil)
}

type createSlotBody struct {
	Date string `json:"date"`
	Hour int    `json:"hour"`
}

func (c *Client) CreateSlot(ctx context.Context, doctorID int64, date string, hour int) (*appointment.Slot, error) {
	var out appointment.Slot
	if err := c.do(ctx, http.MethodPost, "/doctors/"+itoa(doctorID)+"/slots", nil, createSlotBody{Date: date, Hour: hour}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelSlot(ctx context.Context, slotID int64) (*appointment.Slot, error) {
	var out appointment.Slot
	if err := c.do(ctx, http.MethodPost, "/slots/"+itoa(slotID)+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
