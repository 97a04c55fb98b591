// Package grouping buckets appointments by civil date and hour.
package grouping

import (
	"sort"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
)

// Grouping maps date key -> hour -> appointments in input order.
type Grouping map[string]map[int][]appointment.Appointment

type Bucket struct {
	Date         string
	Hour         int
	Appointments []appointment.Appointment
}

// Group places every appointment in exactly one (date, hour) bucket of the
// normalizer's zone.
func Group(list []appointment.Appointment, norm *civil.Normalizer) Grouping {
	g := make(Grouping)
	for _, a := range list {
		date, hour := norm.DateKey(a.ScheduledAt), norm.Hour(a.ScheduledAt)
		hours, ok := g[date]
		if !ok {
			hours = make(map[int][]appointment.Appointment)
			g[date] = hours
		}
		hours[hour] = append(hours[hour], a)
	}
	return g
}

// Buckets lists the grouping by date then hour, ascending.
func (g Grouping) Buckets() []Bucket {
	out := make([]Bucket, 0)
	for date, hours := range g {
		for hour, list := range hours {
			out = append(out, Bucket{Date: date, Hour: hour, Appointments: list})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Hour < out[j].Hour
	})
	return out
}

func (g Grouping) Dates() []string {
	out := make([]string, 0, len(g))
	for d := range g {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (g Grouping) Len() int {
	n := 0
	for _, hours := range g {
		for _, list := range hours {
			n += len(list)
		}
	}
	return n
}

// Predicates

type Predicate func(appointment.Appointment) bool

func Filter(list []appointment.Appointment, preds ...Predicate) []appointment.Appointment {
	out := make([]appointment.Appointment, 0, len(list))
next:
	for _, a := range list {
		for _, p := range preds {
			if !p(a) {
				continue next
			}
		}
		out = append(out, a)
	}
	return out
}

func WithStatus(statuses ...appointment.Status) Predicate {
	return func(a appointment.Appointment) bool {
		for _, s := range statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	}
}

func WithoutStatus(statuses ...appointment.Status) Predicate {
	in := WithStatus(statuses...)
	return func(a appointment.Appointment) bool { return !in(a) }
}

func ForDoctor(doctorID int64) Predicate {
	return func(a appointment.Appointment) bool { return a.DoctorID == doctorID }
}

func Active() Predicate {
	return func(a appointment.Appointment) bool { return a.Status.Active() }
}

func OnDate(norm *civil.Normalizer, date string) Predicate {
	return func(a appointment.Appointment) bool { return norm.DateKey(a.ScheduledAt) == date }
}

// Occupancy

// BookedPerHour counts active appointments per hour on one date.
func BookedPerHour(list []appointment.Appointment, norm *civil.Normalizer, date string) map[int]int {
	out := make(map[int]int)
	for _, a := range Filter(list, Active(), OnDate(norm, date)) {
		out[norm.Hour(a.ScheduledAt)]++
	}
	return out
}

// SegmentOccupancy counts active appointments in each segment of an hour for
// the given period. Index i of the result is segment i.
func SegmentOccupancy(list []appointment.Appointment, norm *civil.Normalizer, periodMinutes int) []int {
	out := make([]int, capacity.PerHour(periodMinutes))
	for _, a := range list {
		if !a.Status.Active() {
			continue
		}
		out[capacity.SegmentIndex(norm.MinuteOfHour(a.ScheduledAt), periodMinutes)]++
	}
	return out
}
