package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims are the claims carried by an app bearer token. The provisioning
// back office mints these; the broker only validates them. Subject is the
// user identity, Serial scopes the token to one display.
type AppClaims struct {
	Serial string `json:"serial"`
	jwt.RegisteredClaims
}

// MintAppToken signs an HS256 bearer token scoped to the given serial.
// Used by the back office and by tests.
func MintAppToken(secret, subject, serial string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AppClaims{
		Serial: serial,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign app token: %w", err)
	}
	return signed, nil
}

// ParseAppToken validates an HS256 bearer token and returns its claims.
func ParseAppToken(secret, tokenString string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Serial == "" {
		return nil, errors.New("token carries no device serial")
	}
	return claims, nil
}
