// Package event is the wire form of live appointment updates shared by the
// websocket, SSE and broadcast channels.
package event

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
)

var ErrMalformed = errors.New("malformed event")

// Source says which transport delivered an event. It is never serialized.
type Source string

const (
	SourceSocket    Source = "socket"
	SourceSSE       Source = "sse"
	SourceBroadcast Source = "broadcast"
	SourceLocal     Source = "local"
)

type Event struct {
	Kind          appointment.EventKind    `json:"type"`
	AppointmentID int64                    `json:"appointmentId"`
	DoctorID      int64                    `json:"doctorId,omitempty"`
	NewDoctorID   int64                    `json:"newDoctorId,omitempty"`
	Appointment   *appointment.Appointment `json:"appointment,omitempty"`
	// Origin identifies the instance that produced a broadcast, so it can
	// ignore its own echo.
	Origin string `json:"origin,omitempty"`

	Source Source `json:"-"`
}

// FromChange builds the event published for a committed server-side change.
func FromChange(c appointment.Change) Event {
	a := c.Appointment
	ev := Event{
		Kind:          c.Kind,
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		Appointment:   &a,
	}
	if c.PreviousDoctorID != 0 {
		ev.DoctorID = c.PreviousDoctorID
		ev.NewDoctorID = a.DoctorID
	}
	return ev
}

// HasPayload reports whether the event carries the full record.
func (e Event) HasPayload() bool {
	return e.Appointment != nil && e.Appointment.ID == e.AppointmentID
}

func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Kind)
	}
	if e.AppointmentID <= 0 {
		return fmt.Errorf("%w: missing appointment id", ErrMalformed)
	}
	if e.Appointment != nil && e.Appointment.ID != 0 && e.Appointment.ID != e.AppointmentID {
		return fmt.Errorf("%w: payload id %d does not match %d", ErrMalformed, e.Appointment.ID, e.AppointmentID)
	}
	return nil
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// wire accepts the loose shapes servers send: ids as numbers or strings, and
// the record under "appointment" or "data".
type wire struct {
	Kind          appointment.EventKind    `json:"type"`
	Event         appointment.EventKind    `json:"event"`
	AppointmentID json.RawMessage          `json:"appointmentId"`
	ID            json.RawMessage          `json:"id"`
	DoctorID      json.RawMessage          `json:"doctorId"`
	NewDoctorID   json.RawMessage          `json:"newDoctorId"`
	Appointment   *appointment.Appointment `json:"appointment"`
	Data          *appointment.Appointment `json:"data"`
	Origin        string                   `json:"origin"`
}

// Decode parses one event. kind, when non-empty, comes from the framing
// (socket event name or SSE "event:" line) and wins over the body.
func Decode(kind string, body []byte, src Source) (Event, error) {
	var w wire
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := Event{Origin: w.Origin, Source: src}
	switch {
	case kind != "":
		ev.Kind = appointment.EventKind(kind)
	case w.Kind != "":
		ev.Kind = w.Kind
	default:
		ev.Kind = w.Event
	}

	ev.Appointment = w.Appointment
	if ev.Appointment == nil {
		ev.Appointment = w.Data
	}

	var err error
	if ev.AppointmentID, err = looseID(w.AppointmentID); err != nil {
		return Event{}, err
	}
	if ev.AppointmentID == 0 {
		if ev.AppointmentID, err = looseID(w.ID); err != nil {
			return Event{}, err
		}
	}
	if ev.AppointmentID == 0 && ev.Appointment != nil {
		ev.AppointmentID = ev.Appointment.ID
	}
	if ev.DoctorID, err = looseID(w.DoctorID); err != nil {
		return Event{}, err
	}
	if ev.NewDoctorID, err = looseID(w.NewDoctorID); err != nil {
		return Event{}, err
	}
	if ev.Appointment != nil && ev.Appointment.ID == 0 {
		ev.Appointment.ID = ev.AppointmentID
	}

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func looseID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: bad id %s", ErrMalformed, raw)
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", ErrMalformed, s)
	}
	return n, nil
}
