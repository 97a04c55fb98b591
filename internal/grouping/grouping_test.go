package grouping

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
)

var norm = civil.MustNormalizer("Asia/Kolkata")

func at(t *testing.T, date, clock string) time.Time {
	t.Helper()
	ts, err := norm.At(date, clock)
	require.NoError(t, err)
	return ts
}

func TestGroupUsesClinicZone(t *testing.T) {
	// 2024-05-31T19:00Z is 00:30 on June 1st in Kolkata
	late := appointment.Appointment{ID: 1, Status: appointment.StatusPending, ScheduledAt: time.Date(2024, 5, 31, 19, 0, 0, 0, time.UTC)}
	morning := appointment.Appointment{ID: 2, Status: appointment.StatusConfirmed, ScheduledAt: at(t, "2024-06-01", "09:45")}

	g := Group([]appointment.Appointment{morning, late}, norm)

	require.Contains(t, g, "2024-06-01")
	assert.Len(t, g["2024-06-01"][0], 1)
	assert.Len(t, g["2024-06-01"][9], 1)

	b := g.Buckets()
	require.Len(t, b, 2)
	assert.Equal(t, 0, b[0].Hour)
	assert.Equal(t, 9, b[1].Hour)
}

func TestGroupPartitionsRandomInput(t *testing.T) {
	faker := gofakeit.New(42)
	statuses := []appointment.Status{
		appointment.StatusPending, appointment.StatusConfirmed, appointment.StatusEmergency,
		appointment.StatusCancelled, appointment.StatusCompleted,
	}
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	list := make([]appointment.Appointment, 500)
	for i := range list {
		list[i] = appointment.Appointment{
			ID:          int64(i + 1),
			DoctorID:    int64(faker.Number(1, 5)),
			Status:      statuses[faker.Number(0, len(statuses)-1)],
			ScheduledAt: faker.DateRange(start, start.AddDate(0, 0, 10)),
		}
	}

	g := Group(list, norm)
	assert.Equal(t, len(list), g.Len())

	seen := map[int64]int{}
	for _, b := range g.Buckets() {
		for _, a := range b.Appointments {
			seen[a.ID]++
			assert.Equal(t, b.Date, norm.DateKey(a.ScheduledAt))
			assert.Equal(t, b.Hour, norm.Hour(a.ScheduledAt))
		}
	}
	assert.Len(t, seen, len(list))
	for id, n := range seen {
		assert.Equal(t, 1, n, "appointment %d", id)
	}

	// filtering before or after grouping gives the same buckets
	active := Filter(list, Active())
	pre := Group(active, norm)
	for date, hours := range g {
		for hour, bucket := range hours {
			assert.Equal(t, len(Filter(bucket, Active())), len(pre[date][hour]))
		}
	}
}

func TestPredicates(t *testing.T) {
	list := []appointment.Appointment{
		{ID: 1, DoctorID: 1, Status: appointment.StatusConfirmed},
		{ID: 2, DoctorID: 1, Status: appointment.StatusCancelled},
		{ID: 3, DoctorID: 2, Status: appointment.StatusEmergency},
	}

	assert.Len(t, Filter(list, ForDoctor(1)), 2)
	assert.Len(t, Filter(list, WithStatus(appointment.StatusCancelled)), 1)
	assert.Len(t, Filter(list, ForDoctor(1), WithoutStatus(appointment.StatusCancelled)), 1)
	assert.Len(t, Filter(list), 3)
}

func TestOccupancy(t *testing.T) {
	list := []appointment.Appointment{
		{ID: 1, Status: appointment.StatusConfirmed, ScheduledAt: at(t, "2024-06-01", "09:00")},
		{ID: 2, Status: appointment.StatusPending, ScheduledAt: at(t, "2024-06-01", "09:20")},
		{ID: 3, Status: appointment.StatusCancelled, ScheduledAt: at(t, "2024-06-01", "09:50")},
		{ID: 4, Status: appointment.StatusConfirmed, ScheduledAt: at(t, "2024-06-02", "09:00")},
	}

	assert.Equal(t, map[int]int{9: 2}, BookedPerHour(list, norm, "2024-06-01"))

	hour := Filter(list, OnDate(norm, "2024-06-01"))
	assert.Equal(t, []int{1, 1, 0, 0}, SegmentOccupancy(hour, norm, 15))
	assert.Equal(t, []int{2}, SegmentOccupancy(hour, norm, 60))
}
