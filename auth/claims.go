package auth

import "github.com/golang-jwt/jwt/v5"

// AccessClaims is the payload of an upstream access token. Only the fields
// the gateway reads are declared.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID      string `json:"id"`
	Role        string `json:"role"`
	AppAccess   bool   `json:"app_access"`
	AdminAccess bool   `json:"admin_access"`
}
