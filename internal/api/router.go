package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/availability"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/realtime"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

// Service is what the handlers need from appointment.Service.
type Service interface {
	ListMine(ctx context.Context, id session.Identity) ([]appointment.Appointment, error)
	ListForHospitalDoctor(ctx context.Context, hospitalID, doctorID int64) ([]appointment.Appointment, error)
	UpdateAsDoctor(ctx context.Context, doctorID, appointmentID int64, p appointment.Patch) (*appointment.Appointment, error)
	UpdateAsHospital(ctx context.Context, hospitalID, doctorID, appointmentID int64, p appointment.Patch) (*appointment.Appointment, error)
	Availability(ctx context.Context, doctorID int64, date string) (*availability.Availability, error)
	Insights(ctx context.Context, doctorID int64, date string) (*appointment.Insights, error)
	SlotPeriod(ctx context.Context, hospitalID, doctorID int64) (int, error)
	SetSlotPeriod(ctx context.Context, hospitalID, doctorID int64, minutes int) error
	ListSlots(ctx context.Context, doctorID int64, date string) ([]appointment.Slot, error)
	CreateSlot(ctx context.Context, id session.Identity, doctorID int64, date string, hour int) (*appointment.Slot, error)
	CancelSlot(ctx context.Context, id session.Identity, slotID int64) (*appointment.Slot, error)
	CanManageDoctor(ctx context.Context, id session.Identity, doctorID int64) error
}

var _ Service = (*appointment.Service)(nil)

type RouterConfig struct {
	Service      Service
	Normalizer   *civil.Normalizer
	Hub          *realtime.Hub
	Broker       *realtime.Broker
	Health       *HealthHandler
	Logger       *zap.Logger
	RateLimitRPM int
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		// long-lived streams stay out of the rate limit
		if cfg.Hub != nil {
			r.Get("/ws", realtime.SocketHandler(cfg.Hub, cfg.Logger))
		}
		if cfg.Broker != nil {
			r.Get("/events/{role}/{id}", cfg.Broker.Handler())
		}

		r.Group(func(r chi.Router) {
			if cfg.RateLimitRPM > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitRPM, time.Minute))
			}

			r.Get("/me/appointments", myAppointmentsHandler(cfg.Service, cfg.Normalizer))
			r.Patch("/doctor/appointments/{id}", updateDoctorAppointmentHandler(cfg.Service, cfg.Normalizer))

			r.Route("/doctors/{doctorID}", func(r chi.Router) {
				r.Get("/availability", availabilityHandler(cfg.Service))
				r.Get("/insights", insightsHandler(cfg.Service))
				r.Get("/slots", listSlotsHandler(cfg.Service))
				r.Post("/slots", createSlotHandler(cfg.Service))
			})
			r.Post("/slots/{id}/cancel", cancelSlotHandler(cfg.Service))

			r.Route("/hospitals/{hospitalID}/doctors/{doctorID}", func(r chi.Router) {
				r.Use(hospitalScope)
				r.Get("/appointments", hospitalDoctorAppointmentsHandler(cfg.Service, cfg.Normalizer))
				r.Patch("/appointments/{id}", updateHospitalAppointmentHandler(cfg.Service, cfg.Normalizer))
				r.Get("/slot-period", getSlotPeriodHandler(cfg.Service))
				r.Put("/slot-period", setSlotPeriodHandler(cfg.Service))
			})
		})
	})

	return r
}
