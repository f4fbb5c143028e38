// Package auth owns the upstream credential pair for one inbound request:
// reading it from the browser's cookies, coalescing refresh exchanges, and
// writing a rotated pair back onto the response.
package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// Pair is an access/refresh credential pair issued by the upstream API.
// A Pair is a value: rotation produces a new Pair, never an edit in place.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// NewPair builds a pair, resolving ExpiresAt from the access token's exp
// claim when the issuer did not state an explicit expiry.
func NewPair(access, refresh string, expiresAt *time.Time) Pair {
	if expiresAt == nil {
		if exp, ok := AccessExpiry(access); ok {
			expiresAt = &exp
		}
	}
	return Pair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}
}

// Empty reports whether the pair carries no credential at all.
func (p Pair) Empty() bool { return p.AccessToken == "" && p.RefreshToken == "" }

// CanRefresh reports whether a refresh exchange is possible.
func (p Pair) CanRefresh() bool { return p.RefreshToken != "" }

// Expired reports whether the access token is known to be past its expiry.
// Pairs without a known expiry are never considered expired.
func (p Pair) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// OAuth2 converts the pair to an oauth2.Token for header attachment.
func (p Pair) OAuth2() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
	}
	if p.ExpiresAt != nil {
		t.Expiry = *p.ExpiresAt
	}
	return t
}

// PairFromOAuth2 is the inverse of Pair.OAuth2.
func PairFromOAuth2(t *oauth2.Token) Pair {
	var exp *time.Time
	if !t.Expiry.IsZero() {
		e := t.Expiry
		exp = &e
	}
	return NewPair(t.AccessToken, t.RefreshToken, exp)
}
