// Package session carries who is looking at a dashboard. Authentication is
// handled upstream; by the time an Identity exists it is trusted.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Role string

const (
	RoleDoctor        Role = "doctor"
	RoleHospitalAdmin Role = "hospital_admin"
	RoleSlotAdmin     Role = "slot_admin"
	RolePatient       Role = "patient"
)

var ErrInvalidIdentity = errors.New("invalid identity")

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleDoctor, RoleHospitalAdmin, RoleSlotAdmin, RolePatient:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, s)
}

type Identity struct {
	Role       Role
	UserID     int64
	HospitalID *int64
}

// IsAdmin covers the roles that act on behalf of a hospital.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleHospitalAdmin || i.Role == RoleSlotAdmin
}

func (i Identity) Validate() error {
	if _, err := ParseRole(string(i.Role)); err != nil {
		return err
	}
	if i.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidIdentity)
	}
	if i.IsAdmin() && i.HospitalID == nil {
		return fmt.Errorf("%w: %s requires a hospital", ErrInvalidIdentity, i.Role)
	}
	return nil
}

// Rooms are the push channel rooms this identity listens on.
func (i Identity) Rooms() []string {
	rooms := []string{}
	switch i.Role {
	case RoleDoctor:
		rooms = append(rooms, DoctorRoom(i.UserID))
	case RolePatient:
		rooms = append(rooms, PatientRoom(i.UserID))
	}
	if i.HospitalID != nil {
		rooms = append(rooms, HospitalRoom(*i.HospitalID))
	}
	return rooms
}

// StreamPath is the per-role server-sent-events path.
func (i Identity) StreamPath() string {
	switch i.Role {
	case RoleDoctor:
		return "/events/doctor/" + strconv.FormatInt(i.UserID, 10)
	case RolePatient:
		return "/events/patient/" + strconv.FormatInt(i.UserID, 10)
	default:
		if i.HospitalID != nil {
			return "/events/hospital/" + strconv.FormatInt(*i.HospitalID, 10)
		}
	}
	return ""
}

func DoctorRoom(id int64) string   { return "doctor:" + strconv.FormatInt(id, 10) }
func PatientRoom(id int64) string  { return "patient:" + strconv.FormatInt(id, 10) }
func HospitalRoom(id int64) string { return "hospital:" + strconv.FormatInt(id, 10) }

// Header names set by the auth proxy.
const (
	HeaderRole       = "X-User-Role"
	HeaderUserID     = "X-User-ID"
	HeaderHospitalID = "X-Hospital-ID"
)

// FromHeaders builds an Identity from the proxy headers.
func FromHeaders(get func(string) string) (Identity, error) {
	role, err := ParseRole(get(HeaderRole))
	if err != nil {
		return Identity{}, err
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(get(HeaderUserID)), 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad %s", ErrInvalidIdentity, HeaderUserID)
	}
	id := Identity{Role: role, UserID: uid}
	if raw := strings.TrimSpace(get(HeaderHospitalID)); raw != "" {
		h, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: bad %s", ErrInvalidIdentity, HeaderHospitalID)
		}
		id.HospitalID = &h
	}
	return id, id.Validate()
}

// Headers is the inverse of FromHeaders, used by the api client.
func (i Identity) Headers() map[string]string {
	h := map[string]string{
		HeaderRole:   string(i.Role),
		HeaderUserID: strconv.FormatInt(i.UserID, 10),
	}
	if i.HospitalID != nil {
		h[HeaderHospitalID] = strconv.FormatInt(*i.HospitalID, 10)
	}
	return h
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// CanSee reports whether the identity may listen on room.
func (i Identity) CanSee(room string) bool {
	for _, r := range i.Rooms() {
		if r == room {
			return true
		}
	}
	return false
}
