package auth

import (
	"net/http"
	"strconv"
	"time"
)

// Cookie names carrying the credential pair between browser and gateway.
const (
	AccessCookie  = "ct_access"
	RefreshCookie = "ct_refresh"
	ExpiresCookie = "ct_expires"
)

const (
	defaultAccessMaxAge = 15 * time.Minute
	refreshMaxAge       = 7 * 24 * time.Hour
)

// CookieOptions controls the attributes of the credential cookies.
// When Domain is non-empty the cookies are scoped to it, enabling
// cross-subdomain sessions (e.g. Domain=".example.com").
type CookieOptions struct {
	Domain string
	Secure bool
}

// SetPairCookies writes the pair as HttpOnly cookies. The access cookie lives
// until the token expiry (15 minutes when unknown); the refresh cookie lives
// seven days and is only sent back when the pair carries one.
func SetPairCookies(w http.ResponseWriter, p Pair, opts CookieOptions) {
	accessAge := defaultAccessMaxAge
	if p.ExpiresAt != nil {
		if d := time.Until(*p.ExpiresAt); d > 0 {
			accessAge = d
		}
	}
	http.SetCookie(w, newCookie(AccessCookie, p.AccessToken, accessAge, opts))
	if p.RefreshToken != "" {
		http.SetCookie(w, newCookie(RefreshCookie, p.RefreshToken, refreshMaxAge, opts))
	}
	if p.ExpiresAt != nil {
		exp := strconv.FormatInt(p.ExpiresAt.UnixMilli(), 10)
		http.SetCookie(w, newCookie(ExpiresCookie, exp, refreshMaxAge, opts))
	}
}

// ClearPairCookies removes the credential cookies, matching the same Domain
// attribute so that cross-subdomain cookies are properly cleared.
func ClearPairCookies(w http.ResponseWriter, opts CookieOptions) {
	for _, name := range []string{AccessCookie, RefreshCookie, ExpiresCookie} {
		c := newCookie(name, "", 0, opts)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

// readPair extracts the credential pair from the request: cookies first,
// then an Authorization Bearer header (access token only).
func readPair(r *http.Request) (Pair, bool) {
	var p Pair
	if c, err := r.Cookie(AccessCookie); err == nil {
		p.AccessToken = c.Value
	}
	if c, err := r.Cookie(RefreshCookie); err == nil {
		p.RefreshToken = c.Value
	}
	if c, err := r.Cookie(ExpiresCookie); err == nil {
		if ms, err := strconv.ParseInt(c.Value, 10, 64); err == nil && ms > 0 {
			exp := time.UnixMilli(ms)
			p.ExpiresAt = &exp
		}
	}
	if p.AccessToken == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			p.AccessToken = h[7:]
		}
	}
	if p.Empty() {
		return Pair{}, false
	}
	if p.ExpiresAt == nil && p.AccessToken != "" {
		p = NewPair(p.AccessToken, p.RefreshToken, nil)
	}
	return p, true
}

func newCookie(name, value string, maxAge time.Duration, opts CookieOptions) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   opts.Secure,
	}
	if opts.Domain != "" {
		c.Domain = opts.Domain
	}
	return c
}
