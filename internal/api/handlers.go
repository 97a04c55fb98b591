package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	redisclient "github.com/hackgods/live-appointment-scheduling/internal/redis"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func identity(r *http.Request) session.Identity {
	id, _ := session.FromContext(r.Context())
	return id
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// dateParam reads ?date= and rejects anything but YYYY-MM-DD. Empty is allowed.
func dateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.URL.Query().Get("date")
	if date != "" && !civil.ValidDate(date) {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return "", false
	}
	return date, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// hospitalScope only lets the hospital's own admins through.
func hospitalScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hospitalID, ok := pathID(r, "hospitalID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_hospital_id", "hospital id must be a positive integer")
			return
		}
		id := identity(r)
		if !id.IsAdmin() || id.HospitalID == nil || *id.HospitalID != hospitalID {
			writeError(w, http.StatusForbidden, "forbidden", "not an admin of this hospital")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Appointments

func myAppointmentsHandler(svc Service, norm *civil.Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListMine(r.Context(), identity(r))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponses(list, norm))
	}
}

func updateDoctorAppointmentHandler(svc Service, norm *civil.Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity(r)
		if id.Role != session.RoleDoctor {
			writeError(w, http.StatusForbidden, "forbidden", "only doctors can use this endpoint")
			return
		}
		appointmentID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
			return
		}
		patch, ok := readPatch(w, r)
		if !ok {
			return
		}

		appt, err := svc.UpdateAsDoctor(r.Context(), id.UserID, appointmentID, patch)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(*appt, norm))
	}
}

func hospitalDoctorAppointmentsHandler(svc Service, norm *civil.Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hospitalID, _ := pathID(r, "hospitalID")
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}

		list, err := svc.ListForHospitalDoctor(r.Context(), hospitalID, doctorID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponses(list, norm))
	}
}

func updateHospitalAppointmentHandler(svc Service, norm *civil.Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hospitalID, _ := pathID(r, "hospitalID")
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}
		appointmentID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
			return
		}
		patch, ok := readPatch(w, r)
		if !ok {
			return
		}

		appt, err := svc.UpdateAsHospital(r.Context(), hospitalID, doctorID, appointmentID, patch)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(*appt, norm))
	}
}

func readPatch(w http.ResponseWriter, r *http.Request) (appointment.Patch, bool) {
	var req UpdateAppointmentRequest
	if !decode(w, r, &req) {
		return appointment.Patch{}, false
	}
	patch, err := req.Patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return appointment.Patch{}, false
	}
	return patch, true
}

// Doctor day views

func availabilityHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}
		date, ok := dateParam(w, r)
		if !ok {
			return
		}
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date is required")
			return
		}

		a, err := svc.Availability(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func insightsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}
		date, ok := dateParam(w, r)
		if !ok {
			return
		}
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date is required")
			return
		}
		if err := svc.CanManageDoctor(r.Context(), identity(r), doctorID); err != nil {
			handleServiceError(w, r, err)
			return
		}

		ins, err := svc.Insights(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ins)
	}
}

// Slots

func listSlotsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}
		date, ok := dateParam(w, r)
		if !ok {
			return
		}

		slots, err := svc.ListSlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

func createSlotHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}
		var req CreateSlotRequest
		if !decode(w, r, &req) {
			return
		}

		slot, err := svc.CreateSlot(r.Context(), identity(r), doctorID, req.Date, *req.Hour)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, slot)
	}
}

func cancelSlotHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a positive integer")
			return
		}

		slot, err := svc.CancelSlot(r.Context(), identity(r), slotID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func getSlotPeriodHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hospitalID, _ := pathID(r, "hospitalID")
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}

		minutes, err := svc.SlotPeriod(r.Context(), hospitalID, doctorID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotPeriodResponse{DoctorID: doctorID, PeriodMinutes: minutes})
	}
}

func setSlotPeriodHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hospitalID, _ := pathID(r, "hospitalID")
		doctorID, ok := pathID(r, "doctorID")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a positive integer")
			return
		}
		var req SlotPeriodRequest
		if !decode(w, r, &req) {
			return
		}

		if err := svc.SetSlotPeriod(r.Context(), hospitalID, doctorID, req.PeriodMinutes); err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotPeriodResponse{DoctorID: doctorID, PeriodMinutes: req.PeriodMinutes})
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrAppointmentBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "appointment_busy", "appointment is being updated, please retry shortly")
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrNotReschedulable):
		writeError(w, http.StatusConflict, "not_reschedulable", err.Error())
	case errors.Is(err, appointment.ErrHourFull):
		writeError(w, http.StatusConflict, "hour_full", err.Error())
	case errors.Is(err, appointment.ErrSlotExists):
		writeError(w, http.StatusConflict, "slot_exists", err.Error())
	case errors.Is(err, appointment.ErrSlotNotAvailable):
		writeError(w, http.StatusConflict, "slot_not_available", err.Error())
	case errors.Is(err, appointment.ErrInvalidPatch),
		errors.Is(err, appointment.ErrEmptyPatch),
		errors.Is(err, appointment.ErrUnrecognizedPeriod),
		errors.Is(err, appointment.ErrSlotInPast),
		errors.Is(err, civil.ErrInvalidCivil):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		loggerFrom(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
