// Package authproxy provides the HTTP handlers that open and close a browser
// session against the upstream API. The upstream performs the actual
// credential validation; the proxy translates its token answers into
// HttpOnly cookies so that the browser never holds the upstream URL or a
// token readable by scripts.
package authproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

const maxBody = 64 * 1024

// Sessions is the upstream session API. *upstream.Client implements it.
type Sessions interface {
	Login(ctx context.Context, email, password string) (auth.Pair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// AuthProxy calls the upstream auth endpoints and translates the answers
// into cookies for the gateway's domain.
type AuthProxy struct {
	sessions Sessions
	coord    *auth.Coordinator
	cookies  auth.CookieOptions
	logger   *slog.Logger

	// HealthCheck is an optional callback that returns whether the upstream
	// is reachable. When set and returning false, login fails fast instead
	// of waiting for the HTTP timeout.
	HealthCheck func() bool
}

// NewAuthProxy creates an auth proxy. Forced refreshes go through coord so
// they share the per-request coalescing of the read path.
func NewAuthProxy(sessions Sessions, coord *auth.Coordinator, cookies auth.CookieOptions) *AuthProxy {
	return &AuthProxy{
		sessions: sessions,
		coord:    coord,
		cookies:  cookies,
		logger:   slog.Default(),
	}
}

// Mount registers the session routes on r. loginMW wraps the login route
// only (rate limiting).
func (p *AuthProxy) Mount(r chi.Router, loginMW ...func(http.Handler) http.Handler) {
	r.With(loginMW...).Post("/api/auth/login", p.LoginHandler())
	r.Post("/api/auth/logout", p.LogoutHandler())
	r.Post("/api/auth/refresh", p.RefreshHandler())
}

// sessionResponse is the JSON body of a successful session call.
type sessionResponse struct {
	OK        bool       `json:"ok"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newSession(pair auth.Pair) sessionResponse {
	s := sessionResponse{OK: true, ExpiresAt: pair.ExpiresAt}
	if claims, err := auth.ParseAccessClaims(pair.AccessToken); err == nil {
		s.UserID = claims.UserID
	}
	return s
}

// LoginHandler returns an http.HandlerFunc for POST /api/auth/login.
// It reads {email, password}, calls upstream /auth/login and sets the
// credential cookies.
func (p *AuthProxy) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Circuit breaker: fail fast if the upstream is known-down.
		if p.HealthCheck != nil && !p.HealthCheck() {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Service unavailable"})
			return
		}

		var creds struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&creds); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request"})
			return
		}
		creds.Email = strings.TrimSpace(creds.Email)
		if creds.Email == "" || creds.Password == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Email and password are required"})
			return
		}

		pair, err := p.sessions.Login(r.Context(), creds.Email, creds.Password)
		switch {
		case errors.Is(err, upstream.ErrInvalidCredentials):
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid credentials"})
			return
		case err != nil:
			p.logger.Error("auth proxy: login call failed", "error", err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Service unavailable"})
			return
		}

		p.issue(w, r, pair)
		resp := newSession(pair)
		p.logger.Info("auth proxy: login", "user_id", resp.UserID)
		writeJSON(w, http.StatusOK, resp)
	}
}

// LogoutHandler returns an http.HandlerFunc for POST /api/auth/logout.
// The upstream logout is best effort: the cookies are cleared whatever the
// upstream answers.
func (p *AuthProxy) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pair, ok := storeFor(r).Read(); ok && pair.CanRefresh() {
			if err := p.sessions.Logout(r.Context(), pair.RefreshToken); err != nil {
				p.logger.Warn("auth proxy: upstream logout failed", "error", err)
			}
		}
		p.revoke(w, r)
		writeJSON(w, http.StatusOK, sessionResponse{OK: true})
	}
}

// RefreshHandler returns an http.HandlerFunc for POST /api/auth/refresh.
// It forces a rotation of the request's pair.
func (p *AuthProxy) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := auth.StoreFrom(r.Context())
		direct := store == nil
		if direct {
			store = auth.NewStore(r)
		}

		pair, err := p.coord.RefreshAndRetry(r.Context(), store)
		switch {
		case r.Context().Err() != nil:
			return
		case errors.Is(err, auth.ErrUnauthenticated):
			if direct {
				auth.ClearPairCookies(w, p.cookies)
			}
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		case err != nil:
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Service unavailable"})
			return
		}

		if direct {
			auth.SetPairCookies(w, pair, p.cookies)
		}
		writeJSON(w, http.StatusOK, newSession(pair))
	}
}

// issue schedules pair on the request's store, or writes the cookies
// directly when auth.Middleware is not installed.
func (p *AuthProxy) issue(w http.ResponseWriter, r *http.Request, pair auth.Pair) {
	if s := auth.StoreFrom(r.Context()); s != nil {
		s.Write(pair)
		return
	}
	auth.SetPairCookies(w, pair, p.cookies)
}

func (p *AuthProxy) revoke(w http.ResponseWriter, r *http.Request) {
	if s := auth.StoreFrom(r.Context()); s != nil {
		s.Clear()
		return
	}
	auth.ClearPairCookies(w, p.cookies)
}

func storeFor(r *http.Request) *auth.Store {
	if s := auth.StoreFrom(r.Context()); s != nil {
		return s
	}
	return auth.NewStore(r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
