package claims

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/gateway"
	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// gated serves /mcp behind RequireUser with a static fallback token
// configured, and reports whether the inner handler ran.
func gated(t *testing.T, up *directus) (http.Handler, *string) {
	t.Helper()
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)
	up.valid["static-token"] = true

	uc := upstream.New(upstream.Config{BaseURL: upSrv.URL})
	gw := gateway.New(uc, auth.NewCoordinator(uc, auth.WithFallbackToken("static-token")))
	h := NewHandler(gw, nil)

	reached := new(string)
	r := chi.NewRouter()
	r.Use(auth.Middleware(auth.CookieOptions{}))
	r.With(h.RequireUser).Post("/mcp", func(w http.ResponseWriter, r *http.Request) {
		*reached = "user:" + kit.GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return r, reached
}

func TestRequireUser(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*http.Request)
		want    int
		reached string
	}{
		{"no credential ignores fallback", func(*http.Request) {}, 401, ""},
		{"forged bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-real-token") }, 401, ""},
		{"valid bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer access-1") }, 200, "user:u1"},
		{"expired pair without rotation", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: auth.AccessCookie, Value: "expired-1"})
			r.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: "spent"})
		}, 401, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reached := gated(t, newDirectus())
			req := httptest.NewRequest("POST", "/mcp", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want || *reached != tt.reached {
				t.Fatalf("status = %d reached = %q, want %d %q", w.Code, *reached, tt.want, tt.reached)
			}
		})
	}
}

func TestRequireUser_RotatesExpiredPair(t *testing.T) {
	up := newDirectus()
	up.rotations["refresh-1"] = [2]string{"access-2", "refresh-2"}
	h, reached := gated(t, up)

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.AddCookie(&http.Cookie{Name: auth.AccessCookie, Value: "expired-1"})
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: "refresh-1"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != 200 || *reached != "user:u1" {
		t.Fatalf("status = %d reached = %q", w.Code, *reached)
	}
	var rotated string
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.AccessCookie {
			rotated = c.Value
		}
	}
	if rotated != "access-2" {
		t.Fatalf("access cookie = %q, want access-2", rotated)
	}
}
