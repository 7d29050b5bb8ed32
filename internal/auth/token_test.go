package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
)

func TestIssuerRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	clock := now
	issuer, err := NewIssuer("s3cret", time.Hour, func() time.Time { return clock })
	require.NoError(t, err)

	user := persistence.User{ID: "stu-1", Email: "stu-1@example.edu", DisplayName: "Student One", Role: approval.RoleStudent}
	token, expires, err := issuer.Issue(user, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), expires)

	claims, err := issuer.Parse("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "stu-1", claims.Subject)
	require.Equal(t, "student", claims.Role)
	require.Equal(t, "Student One", claims.Name)

	sub, err := issuer.Subject(token)
	require.NoError(t, err)
	require.Equal(t, "stu-1", sub)

	clock = now.Add(2 * time.Hour)
	_, err = issuer.Subject(token)
	require.ErrorIs(t, err, ErrInvalidToken, "expired tokens are refused")
}

func TestIssuerRejectsForeignTokens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	issuer, err := NewIssuer("s3cret", time.Hour, nil)
	require.NoError(t, err)
	other, err := NewIssuer("another", time.Hour, nil)
	require.NoError(t, err)

	token, _, err := other.Issue(persistence.User{ID: "stu-1"}, now)
	require.NoError(t, err)
	_, err = issuer.Subject(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "labreserve",
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Subject(none)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "labreserve",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = issuer.Subject(noSubject)
	require.True(t, errors.Is(err, ErrInvalidToken))

	for _, bad := range []string{"", "Bearer ", "not.a.token"} {
		_, err := issuer.Subject(bad)
		require.ErrorIs(t, err, ErrInvalidToken, "token %q", bad)
	}
}

func TestNewIssuerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewIssuer(" ", time.Hour, nil)
	require.Error(t, err)
	_, err = NewIssuer("s3cret", 0, nil)
	require.Error(t, err)
}
