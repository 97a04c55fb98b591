package appointment

import "context"

// EventKind is the live update vocabulary shared by every channel.
type EventKind string

const (
	EventUpdated           EventKind = "appointment-updated"
	EventUpdatedOptimistic EventKind = "appointment-updated-optimistic"
	EventCancelled         EventKind = "appointment-cancelled"
	EventBooked            EventKind = "appointment-booked"
	EventRescheduled       EventKind = "appointment-reschedule"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventUpdated, EventUpdatedOptimistic, EventCancelled, EventBooked, EventRescheduled:
		return true
	}
	return false
}

// Removes reports whether the event ends the appointment's presence in active views.
func (k EventKind) Removes() bool {
	return k == EventCancelled
}

// Change describes one committed mutation. PreviousDoctorID is set when the
// appointment moved between doctors so both rooms can be told.
type Change struct {
	Kind             EventKind
	Appointment      Appointment
	PreviousDoctorID int64
}

// Notifier fans committed changes out to live channels. Implementations
// must not block the caller on slow subscribers.
type Notifier interface {
	Notify(ctx context.Context, change Change)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Change) {}
