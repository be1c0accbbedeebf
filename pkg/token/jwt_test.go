package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_AccessRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Minute, time.Hour)

	tok, err := m.GenerateToken("u-1", "a@example.com")
	require.NoError(t, err)

	claims, err := m.VerifyAccessToken(tok)
	require.NoError(t, err)
	require.Equal(t, "u-1", claims.UserID)
	require.Equal(t, "a@example.com", claims.Email)
	require.Equal(t, TypeAccess, claims.TokenType)

	_, err = m.VerifyRefreshToken(tok)
	require.ErrorIs(t, err, ErrWrongTokenType)
}

func TestJWTManager_RefreshType(t *testing.T) {
	m := NewJWTManager("secret", time.Minute, time.Hour)

	tok, err := m.GenerateRefreshToken("u-2", "")
	require.NoError(t, err)

	claims, err := m.VerifyRefreshToken(tok)
	require.NoError(t, err)
	require.Equal(t, "u-2", claims.UserID)

	_, err = m.VerifyAccessToken(tok)
	require.ErrorIs(t, err, ErrWrongTokenType)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager("secret", time.Minute, time.Hour)

	expired := NewJWTManager("secret", -time.Minute, time.Hour)
	tok, err := expired.GenerateToken("u-1", "")
	require.NoError(t, err)
	_, err = m.VerifyToken(tok)
	require.Error(t, err)

	other := NewJWTManager("other-secret", time.Minute, time.Hour)
	tok, err = other.GenerateToken("u-1", "")
	require.NoError(t, err)
	_, err = m.VerifyToken(tok)
	require.Error(t, err)

	_, err = m.VerifyToken("not-a-jwt")
	require.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{UserID: "u-1", TokenType: TypeAccess})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.VerifyToken(unsigned)
	require.Error(t, err)
}
