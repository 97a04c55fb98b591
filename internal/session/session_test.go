package session

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHeadersRoundTrip(t *testing.T) {
	hospital := int64(4)
	in := Identity{Role: RoleHospitalAdmin, UserID: 12, HospitalID: &hospital}

	h := http.Header{}
	for k, v := range in.Headers() {
		h.Set(k, v)
	}

	out, err := FromHeaders(h.Get)
	require.NoError(t, err)
	assert.Equal(t, in.Role, out.Role)
	assert.Equal(t, in.UserID, out.UserID)
	require.NotNil(t, out.HospitalID)
	assert.Equal(t, hospital, *out.HospitalID)
}

func TestFromHeadersRejectsAdminWithoutHospital(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderRole, "slot_admin")
	h.Set(HeaderUserID, "3")

	_, err := FromHeaders(h.Get)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestRoomsAndStreams(t *testing.T) {
	hospital := int64(9)

	doctor := Identity{Role: RoleDoctor, UserID: 7, HospitalID: &hospital}
	assert.Equal(t, []string{"doctor:7", "hospital:9"}, doctor.Rooms())
	assert.Equal(t, "/events/doctor/7", doctor.StreamPath())

	patient := Identity{Role: RolePatient, UserID: 5}
	assert.Equal(t, []string{"patient:5"}, patient.Rooms())
	assert.Equal(t, "/events/patient/5", patient.StreamPath())

	admin := Identity{Role: RoleHospitalAdmin, UserID: 1, HospitalID: &hospital}
	assert.Equal(t, []string{"hospital:9"}, admin.Rooms())
	assert.Equal(t, "/events/hospital/9", admin.StreamPath())
}

func TestContextAndRoomAccess(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	hospital := int64(9)
	id := Identity{Role: RoleDoctor, UserID: 7, HospitalID: &hospital}
	got, ok := FromContext(WithIdentity(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, id.UserID, got.UserID)

	assert.True(t, id.CanSee("doctor:7"))
	assert.True(t, id.CanSee("hospital:9"))
	assert.False(t, id.CanSee("doctor:8"))
	assert.False(t, id.CanSee("patient:7"))
}
