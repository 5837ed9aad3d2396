package ingress

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	a := NewAuthenticator("s3cret")
	a.now = func() time.Time { return now }

	valid, err := a.Mint("user-1", time.Hour)
	require.NoError(t, err)

	other := NewAuthenticator("different")
	other.now = a.now
	foreign, err := other.Mint("user-1", time.Hour)
	require.NoError(t, err)

	expired, err := a.Mint("user-1", -time.Minute)
	require.NoError(t, err)

	noSubject, err := a.Mint("", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer " + valid, "user-1"},
		{"lowercase scheme", "bearer " + valid, "user-1"},
		{"missing header", "", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
		{"wrong secret", "Bearer " + foreign, ""},
		{"expired", "Bearer " + expired, ""},
		{"no subject", "Bearer " + noSubject, ""},
		{"unsigned", "Bearer " + none, ""},
		{"garbage", "Bearer not-a-token", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(tt.header)
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
