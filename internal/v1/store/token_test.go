package store

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenSecret = "0123456789abcdef0123456789abcdef"

func TestMintAndParseAppToken(t *testing.T) {
	token, err := MintAppToken(testTokenSecret, "user-42", "SN-001", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseAppToken(testTokenSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "SN-001", claims.Serial)
}

func TestParseAppTokenWrongSecret(t *testing.T) {
	token, err := MintAppToken(testTokenSecret, "user-42", "SN-001", time.Hour)
	require.NoError(t, err)

	_, err = ParseAppToken("another-secret-another-secret-00", token)
	assert.Error(t, err)
}

func TestParseAppTokenExpired(t *testing.T) {
	token, err := MintAppToken(testTokenSecret, "user-42", "SN-001", -time.Minute)
	require.NoError(t, err)

	_, err = ParseAppToken(testTokenSecret, token)
	assert.Error(t, err)
}

func TestParseAppTokenGarbage(t *testing.T) {
	_, err := ParseAppToken(testTokenSecret, "not.a.jwt")
	assert.Error(t, err)

	_, err = ParseAppToken(testTokenSecret, "")
	assert.Error(t, err)
}

func TestParseAppTokenMissingSerial(t *testing.T) {
	// A structurally valid token without the serial claim must be rejected:
	// unscoped tokens cannot be checked against a pairing code.
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testTokenSecret))
	require.NoError(t, err)

	_, err = ParseAppToken(testTokenSecret, token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device serial")
}

func TestParseAppTokenRejectsNoneAlgorithm(t *testing.T) {
	claims := AppClaims{
		Serial: "SN-001",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseAppToken(testTokenSecret, token)
	assert.Error(t, err)
}
