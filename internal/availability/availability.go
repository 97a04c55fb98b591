// Package availability describes how full a doctor's day is, hour by hour,
// and keeps a per (doctor, date) cache that answers immediately and
// reconciles with the server in the background.
package availability

import (
	"fmt"

	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
)

const HoursPerDay = 24

type Hour struct {
	Hour        int            `json:"hour"`
	Capacity    int            `json:"capacity"`
	BookedCount int            `json:"bookedCount"`
	IsFull      bool           `json:"isFull"`
	LabelFrom   string         `json:"labelFrom"`
	LabelTo     string         `json:"labelTo"`
	Level       capacity.Level `json:"level"`
}

type Availability struct {
	DoctorID      int64  `json:"doctorId"`
	Date          string `json:"date"`
	PeriodMinutes int    `json:"periodMinutes"`
	Hours         []Hour `json:"hours"`

	// Stale marks a table that was synthesized locally and not yet
	// confirmed by the server.
	Stale bool `json:"-"`
}

// Build lays out all 24 hours of date. booked maps hour to the number of
// active appointments in it; missing hours count as zero.
func Build(doctorID int64, date string, periodMinutes int, booked map[int]int) Availability {
	if periodMinutes <= 0 {
		periodMinutes = capacity.DefaultPeriodMinutes
	}
	per := capacity.PerHour(periodMinutes)

	hours := make([]Hour, HoursPerDay)
	for h := 0; h < HoursPerDay; h++ {
		n := booked[h]
		hours[h] = Hour{
			Hour:        h,
			Capacity:    per,
			BookedCount: n,
			IsFull:      capacity.IsFull(n, per),
			LabelFrom:   label(h),
			LabelTo:     label((h + 1) % HoursPerDay),
			Level:       capacity.Classify(n, per),
		}
	}

	return Availability{
		DoctorID:      doctorID,
		Date:          date,
		PeriodMinutes: periodMinutes,
		Hours:         hours,
	}
}

// Synthesize is the table shown before the server has answered: every hour
// empty at the given period.
func Synthesize(doctorID int64, date string, periodMinutes int) Availability {
	a := Build(doctorID, date, periodMinutes, nil)
	a.Stale = true
	return a
}

// At returns the entry for hour, or false when the table has no such hour.
func (a Availability) At(hour int) (Hour, bool) {
	for _, h := range a.Hours {
		if h.Hour == hour {
			return h, true
		}
	}
	return Hour{}, false
}

func label(h int) string {
	return fmt.Sprintf("%02d:00", h)
}
