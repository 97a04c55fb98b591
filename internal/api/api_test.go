package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/apiclient"
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/availability"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	redisclient "github.com/hackgods/live-appointment-scheduling/internal/redis"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

type fakeService struct {
	norm *civil.Normalizer
	list []appointment.Appointment

	updateErr  error
	lastDoctor int64
	lastPatch  appointment.Patch
	period     int
}

func (s *fakeService) ListMine(context.Context, session.Identity) ([]appointment.Appointment, error) {
	return s.list, nil
}

func (s *fakeService) ListForHospitalDoctor(_ context.Context, _, doctorID int64) ([]appointment.Appointment, error) {
	out := []appointment.Appointment{}
	for _, a := range s.list {
		if a.DoctorID == doctorID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeService) apply(doctorID, id int64, p appointment.Patch) (*appointment.Appointment, error) {
	s.lastDoctor, s.lastPatch = doctorID, p
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	a := s.list[0]
	a.ID = id
	if p.Date != nil && p.Time != nil {
		at, err := s.norm.At(*p.Date, *p.Time)
		if err != nil {
			return nil, err
		}
		a.ScheduledAt = at
	}
	if p.DoctorID != nil {
		a.DoctorID = *p.DoctorID
	}
	return &a, nil
}

func (s *fakeService) UpdateAsDoctor(_ context.Context, doctorID, id int64, p appointment.Patch) (*appointment.Appointment, error) {
	return s.apply(doctorID, id, p)
}

func (s *fakeService) UpdateAsHospital(_ context.Context, _, doctorID, id int64, p appointment.Patch) (*appointment.Appointment, error) {
	return s.apply(doctorID, id, p)
}

func (s *fakeService) Availability(_ context.Context, doctorID int64, date string) (*availability.Availability, error) {
	a := availability.Build(doctorID, date, 15, map[int]int{9: 1})
	return &a, nil
}

func (s *fakeService) Insights(_ context.Context, doctorID int64, date string) (*appointment.Insights, error) {
	return &appointment.Insights{DoctorID: doctorID, Date: date, PeriodMinutes: 15}, nil
}

func (s *fakeService) SlotPeriod(context.Context, int64, int64) (int, error) { return s.period, nil }

func (s *fakeService) SetSlotPeriod(_ context.Context, _, _ int64, minutes int) error {
	s.period = minutes
	return nil
}

func (s *fakeService) ListSlots(context.Context, int64, string) ([]appointment.Slot, error) {
	return []appointment.Slot{}, nil
}

func (s *fakeService) CreateSlot(_ context.Context, _ session.Identity, doctorID int64, date string, hour int) (*appointment.Slot, error) {
	start, err := s.norm.HourStart(date, hour)
	if err != nil {
		return nil, err
	}
	return &appointment.Slot{ID: 100, DoctorID: doctorID, StartsAt: start, Status: appointment.SlotAvailable}, nil
}

func (s *fakeService) CancelSlot(context.Context, session.Identity, int64) (*appointment.Slot, error) {
	return nil, appointment.ErrSlotNotAvailable
}

func (s *fakeService) CanManageDoctor(_ context.Context, id session.Identity, doctorID int64) error {
	if id.Role == session.RoleDoctor && id.UserID == doctorID {
		return nil
	}
	return appointment.ErrForbidden
}

func int64p(v int64) *int64 { return &v }

func newTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *fakeService) {
	t.Helper()
	norm := civil.MustNormalizer("Asia/Kolkata")
	at, err := norm.At("2024-06-01", "09:15")
	require.NoError(t, err)

	svc := &fakeService{norm: norm, period: 15, list: []appointment.Appointment{
		{ID: 42, DoctorID: 1, PatientID: 7, HospitalID: int64p(10), Status: appointment.StatusConfirmed, ScheduledAt: at},
	}}
	cfg.Service = svc
	cfg.Normalizer = norm
	cfg.Logger = zap.NewNop()

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(srv.Close)
	return srv, svc
}

func doctorOne() session.Identity {
	return session.Identity{Role: session.RoleDoctor, UserID: 1, HospitalID: int64p(10)}
}

func adminOf(hospital int64) session.Identity {
	return session.Identity{Role: session.RoleHospitalAdmin, UserID: 900, HospitalID: int64p(hospital)}
}

func call(t *testing.T, srv *httptest.Server, id *session.Identity, method, path, body string) (*http.Response, ErrorResponse) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	if id != nil {
		for k, v := range id.Headers() {
			req.Header.Set(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var e ErrorResponse
	if resp.StatusCode >= 400 {
		_ = json.NewDecoder(resp.Body).Decode(&e)
	}
	return resp, e
}

func TestRequestsNeedIdentity(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	resp, e := call(t, srv, nil, http.MethodGet, "/me/appointments", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_identity", e.Error)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestMyAppointmentsCarryCivilDateAndTime(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	id := doctorOne()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/me/appointments", nil)
	require.NoError(t, err)
	for k, v := range id.Headers() {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []AppointmentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].ID)
	assert.Equal(t, "2024-06-01", got[0].Date)
	assert.Equal(t, "09:15", got[0].Time)
}

func TestDoctorPatchRoundTripsThroughClient(t *testing.T) {
	srv, svc := newTestServer(t, RouterConfig{})

	client, err := apiclient.New(srv.URL, doctorOne())
	require.NoError(t, err)

	date, clock := "2024-06-01", "11:00"
	got, err := client.UpdateDoctorAppointment(context.Background(), 42, appointment.Patch{Date: &date, Time: &clock})
	require.NoError(t, err)

	assert.Equal(t, int64(1), svc.lastDoctor, "doctor comes from the identity")
	assert.Equal(t, "11:00", svc.norm.Clock(got.ScheduledAt))

	svc.updateErr = fmt.Errorf("update: %w", appointment.ErrHourFull)
	_, err = client.UpdateDoctorAppointment(context.Background(), 42, appointment.Patch{Date: &date, Time: &clock})
	require.Error(t, err)
	assert.ErrorIs(t, err, apiclient.ErrConflict)
	assert.True(t, apiclient.IsPermanent(err))
}

func TestDoctorPatchRejectsOtherRoles(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	patient := session.Identity{Role: session.RolePatient, UserID: 7}

	resp, e := call(t, srv, &patient, http.MethodPatch, "/doctor/appointments/42", `{"time":"10:00"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", e.Error)
}

func TestPatchValidation(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	id := doctorOne()

	cases := []struct {
		name string
		path string
		body string
		code string
	}{
		{"bad date", "/doctor/appointments/42", `{"date":"01/06/2024"}`, "validation_failed"},
		{"bad status", "/doctor/appointments/42", `{"status":"LOST"}`, "validation_failed"},
		{"not json", "/doctor/appointments/42", `{`, "invalid_request_body"},
		{"bad id", "/doctor/appointments/abc", `{"time":"10:00"}`, "invalid_appointment_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, e := call(t, srv, &id, http.MethodPatch, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, e.Error)
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	srv, svc := newTestServer(t, RouterConfig{})
	id := doctorOne()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
		{appointment.ErrForbidden, http.StatusForbidden, "forbidden"},
		{redisclient.ErrLockNotAcquired, http.StatusConflict, "appointment_busy"},
		{appointment.ErrInvalidStatusTransition, http.StatusConflict, "invalid_status_transition"},
		{appointment.ErrHourFull, http.StatusConflict, "hour_full"},
		{appointment.ErrEmptyPatch, http.StatusBadRequest, "invalid_request"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		svc.updateErr = tc.err
		resp, e := call(t, srv, &id, http.MethodPatch, "/doctor/appointments/42", `{"reason":"x"}`)
		assert.Equal(t, tc.status, resp.StatusCode, tc.code)
		assert.Equal(t, tc.code, e.Error)
	}
}

func TestHospitalScope(t *testing.T) {
	srv, svc := newTestServer(t, RouterConfig{})

	other := adminOf(11)
	resp, _ := call(t, srv, &other, http.MethodGet, "/hospitals/10/doctors/1/appointments", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	doctor := doctorOne()
	resp, _ = call(t, srv, &doctor, http.MethodGet, "/hospitals/10/doctors/1/appointments", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "doctors are not hospital admins")

	client, err := apiclient.New(srv.URL, adminOf(10))
	require.NoError(t, err)

	list, err := client.GetHospitalDoctorAppointments(context.Background(), 10, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	doctorID := int64(2)
	moved, err := client.UpdateHospitalDoctorAppointment(context.Background(), 10, 1, 42, appointment.Patch{DoctorID: &doctorID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.DoctorID)
	assert.Equal(t, int64(1), svc.lastDoctor)

	require.NoError(t, client.SetHospitalDoctorSlotPeriod(context.Background(), 10, 1, 30))
	period, err := client.GetHospitalDoctorSlotPeriod(context.Background(), 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 30, period)

	admin := adminOf(10)
	resp, e := call(t, srv, &admin, http.MethodPut, "/hospitals/10/doctors/1/slot-period", `{"periodMinutes":25}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", e.Error)
}

func TestSlotsAndDayViews(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	client, err := apiclient.New(srv.URL, doctorOne())
	require.NoError(t, err)
	ctx := context.Background()

	slot, err := client.CreateSlot(ctx, 1, "2024-06-01", 0)
	require.NoError(t, err, "hour zero is a valid hour")
	assert.Equal(t, int64(100), slot.ID)

	_, err = client.CancelSlot(ctx, 100)
	assert.ErrorIs(t, err, apiclient.ErrConflict)

	both, err := client.GetSlotsAndAvailability(ctx, 1, "2024-06-01")
	require.NoError(t, err)
	require.Len(t, both.Availability.Hours, 24)
	assert.Equal(t, 1, both.Availability.Hours[9].BookedCount)

	ins, err := client.GetSlotInsights(ctx, 1, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, 15, ins.PeriodMinutes)

	_, err = client.GetSlotInsights(ctx, 2, "2024-06-01")
	assert.ErrorIs(t, err, apiclient.ErrForbidden)

	id := doctorOne()
	resp, e := call(t, srv, &id, http.MethodGet, "/doctors/1/availability?date=June", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_date", e.Error)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{RateLimitRPM: 2})
	id := doctorOne()

	for i := 0; i < 2; i++ {
		resp, _ := call(t, srv, &id, http.MethodGet, "/me/appointments", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := call(t, srv, &id, http.MethodGet, "/me/appointments", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestReadiness(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	cases := []struct {
		name     string
		pg, rds  Check
		status   int
		expected string
	}{
		{"healthy", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, RouterConfig{Health: NewHealthHandler(tc.pg, tc.rds, "test", "v0")})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/health/ready", nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
			var body ReadinessResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.expected, body.Status)
		})
	}
}
