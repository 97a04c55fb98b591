package capacity

import (
	"slices"
	"time"
)

// DefaultPeriodMinutes applies until a doctor's configured period is known.
const DefaultPeriodMinutes = 15

// RecognizedPeriods are the period lengths doctors and hospitals can pick.
var RecognizedPeriods = []int{10, 15, 20, 30, 60}

func IsRecognized(periodMinutes int) bool {
	return slices.Contains(RecognizedPeriods, periodMinutes)
}

// PerHour is the number of bookable segments in one hour, never below 1.
func PerHour(periodMinutes int) int {
	if periodMinutes <= 0 {
		return 1
	}
	return max(1, 60/periodMinutes)
}

type Segment struct {
	Index int
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End).
func (s Segment) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Segments splits the hour beginning at hourStart into PerHour(periodMinutes)
// segments. Ends are clipped to the end of the hour so a period longer than
// an hour never spills into the next one.
func Segments(hourStart time.Time, periodMinutes int) []Segment {
	n := PerHour(periodMinutes)
	if periodMinutes <= 0 {
		periodMinutes = 60
	}
	hourEnd := hourStart.Add(time.Hour)
	period := time.Duration(periodMinutes) * time.Minute

	out := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := hourStart.Add(time.Duration(i) * period)
		end := start.Add(period)
		if end.After(hourEnd) {
			end = hourEnd
		}
		out = append(out, Segment{Index: i, Start: start, End: end})
	}
	return out
}

// SegmentIndex maps a minute within the hour to its segment, clamped to the last one.
func SegmentIndex(minute, periodMinutes int) int {
	if periodMinutes <= 0 {
		return 0
	}
	idx := minute / periodMinutes
	if last := PerHour(periodMinutes) - 1; idx > last {
		return last
	}
	if idx < 0 {
		return 0
	}
	return idx
}

type Level string

const (
	LevelEmpty  Level = "empty"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
	LevelFull   Level = "full"
)

// Ratio is booked / max(capacity, 1), clamped to [0, 1].
func Ratio(booked, capacity int) float64 {
	r := float64(booked) / float64(max(capacity, 1))
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

func Classify(booked, capacity int) Level {
	return ClassifyRatio(Ratio(booked, capacity))
}

// ClassifyRatio buckets a ratio: 0 empty, (0,.25] low, (.25,.5] medium,
// (.5,1) high, 1 full.
func ClassifyRatio(r float64) Level {
	switch {
	case r <= 0:
		return LevelEmpty
	case r <= 0.25:
		return LevelLow
	case r <= 0.5:
		return LevelMedium
	case r < 1:
		return LevelHigh
	default:
		return LevelFull
	}
}

func IsFull(booked, capacity int) bool {
	return booked >= max(capacity, 1)
}
