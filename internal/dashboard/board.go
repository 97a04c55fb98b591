package dashboard

import (
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/availability"
	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
	"github.com/hackgods/live-appointment-scheduling/internal/grouping"
)

type Segment struct {
	Index        int                       `json:"index"`
	From         string                    `json:"from"`
	To           string                    `json:"to"`
	Booked       int                       `json:"booked"`
	Appointments []appointment.Appointment `json:"appointments"`
}

type Hour struct {
	Hour      int            `json:"hour"`
	LabelFrom string         `json:"labelFrom"`
	LabelTo   string         `json:"labelTo"`
	Capacity  int            `json:"capacity"`
	Booked    int            `json:"booked"`
	IsFull    bool           `json:"isFull"`
	Level     capacity.Level `json:"level"`
	Segments  []Segment      `json:"segments"`
}

// Board is one doctor's day. Stale is set while the hour table is still the
// local synthesis.
type Board struct {
	DoctorID      int64  `json:"doctorId"`
	Date          string `json:"date"`
	PeriodMinutes int    `json:"periodMinutes"`
	Stale         bool   `json:"stale"`
	Hours         []Hour `json:"hours"`
}

// Board renders a doctor's date. Capacity comes from availability; booked
// counts come from the store so local moves show before the server agrees.
// Predicates narrow which appointments are placed on the board.
func (v *View) Board(doctorID int64, date string, preds ...grouping.Predicate) Board {
	avail := v.avail.Get(doctorID, date)

	preds = append([]grouping.Predicate{grouping.ForDoctor(doctorID), grouping.OnDate(v.norm, date)}, preds...)
	day := grouping.Group(grouping.Filter(v.store.Get(doctorID), preds...), v.norm)[date]

	b := Board{
		DoctorID:      doctorID,
		Date:          date,
		PeriodMinutes: avail.PeriodMinutes,
		Stale:         avail.Stale,
		Hours:         make([]Hour, 0, len(avail.Hours)),
	}
	for _, h := range avail.Hours {
		b.Hours = append(b.Hours, v.hour(date, avail, h, day[h.Hour]))
	}
	return b
}

func (v *View) hour(date string, avail availability.Availability, h availability.Hour, list []appointment.Appointment) Hour {
	occupancy := grouping.SegmentOccupancy(list, v.norm, avail.PeriodMinutes)

	booked := 0
	for _, n := range occupancy {
		booked += n
	}

	out := Hour{
		Hour:      h.Hour,
		LabelFrom: h.LabelFrom,
		LabelTo:   h.LabelTo,
		Capacity:  h.Capacity,
		Booked:    booked,
		IsFull:    capacity.IsFull(booked, h.Capacity),
		Level:     capacity.Classify(booked, h.Capacity),
	}

	start, err := v.norm.HourStart(date, h.Hour)
	if err != nil {
		return out
	}
	segs := capacity.Segments(start, avail.PeriodMinutes)
	out.Segments = make([]Segment, len(segs))
	for i, s := range segs {
		out.Segments[i] = Segment{
			Index:        s.Index,
			From:         v.norm.Clock(s.Start),
			To:           v.norm.Clock(s.End),
			Booked:       occupancy[i],
			Appointments: []appointment.Appointment{},
		}
	}
	for _, a := range list {
		i := capacity.SegmentIndex(v.norm.MinuteOfHour(a.ScheduledAt), avail.PeriodMinutes)
		out.Segments[i].Appointments = append(out.Segments[i].Appointments, a)
	}
	return out
}
