// Package civil converts appointment instants to the wall clock of the
// clinic's timezone. Grouping, labels and reschedule targets are expressed
// as civil dates ("2006-01-02") and clocks ("15:04") in that zone.
package civil

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

var ErrInvalidCivil = errors.New("invalid civil date or time")

type Normalizer struct {
	loc *time.Location
}

// NewNormalizer loads zone by IANA identifier, e.g. "Asia/Kolkata".
func NewNormalizer(zone string) (*Normalizer, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return &Normalizer{loc: loc}, nil
}

// MustNormalizer is NewNormalizer for zones known at compile time.
func MustNormalizer(zone string) *Normalizer {
	n, err := NewNormalizer(zone)
	if err != nil {
		panic(err)
	}
	return n
}

func (n *Normalizer) Location() *time.Location { return n.loc }

func (n *Normalizer) DateKey(t time.Time) string {
	return t.In(n.loc).Format(DateLayout)
}

func (n *Normalizer) Hour(t time.Time) int {
	return t.In(n.loc).Hour()
}

func (n *Normalizer) Clock(t time.Time) string {
	return t.In(n.loc).Format(ClockLayout)
}

// MinuteOfHour is the zone-local minute, used to place an appointment in a segment.
func (n *Normalizer) MinuteOfHour(t time.Time) int {
	return t.In(n.loc).Minute()
}

// At resolves a civil date and clock to an instant. Clocks that fall in a
// DST gap are normalized forward by the time package.
func (n *Normalizer) At(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+ClockLayout, strings.TrimSpace(date)+" "+normalizeClock(clock), n.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %s", ErrInvalidCivil, date, clock)
	}
	return t, nil
}

// HourStart is the instant at which the zone-local hour begins on date.
func (n *Normalizer) HourStart(date string, hour int) (time.Time, error) {
	if hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("%w: hour %d", ErrInvalidCivil, hour)
	}
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), n.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidCivil, date)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, n.loc), nil
}

// DayBounds returns [start, end) of the zone-local calendar day.
func (n *Normalizer) DayBounds(date string) (time.Time, time.Time, error) {
	start, err := n.HourStart(date, 0)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 0, 1), nil
}

// Parse accepts RFC3339 instants and zone-less "2006-01-02 15:04[:05]"
// values. Zone-less values are read as civil time in the configured zone.
func (n *Normalizer) Parse(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, raw, n.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCivil, raw)
}

// ValidDate reports whether s is a calendar date in DateLayout.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// normalizeClock accepts "9:30", "09:30", "09.30" and "09:30:00".
func normalizeClock(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), ".", ":")
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return s
	}
	h := parts[0]
	if len(h) == 1 {
		h = "0" + h
	}
	return h + ":" + parts[1]
}
