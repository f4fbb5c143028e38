package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParseAccessClaims decodes the claims of an upstream access token WITHOUT
// verifying its signature. The gateway does not hold the upstream signing
// secret; the upstream remains the authority and rejects forged tokens with
// 401. The claims are only used for expiry hints and log attribution.
func ParseAccessClaims(tokenStr string) (*AccessClaims, error) {
	if tokenStr == "" {
		return nil, errors.New("auth: empty token")
	}
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("auth: parse access token: %w", err)
	}
	return claims, nil
}

// AccessExpiry returns the exp claim of an access token, if it has one.
// Opaque (non-JWT) tokens report ok=false.
func AccessExpiry(tokenStr string) (time.Time, bool) {
	claims, err := ParseAccessClaims(tokenStr)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
