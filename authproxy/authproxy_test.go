package authproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// mockUpstream creates a test server that mimics the upstream /auth/* endpoints.
func mockUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, baseURL string) *AuthProxy {
	t.Helper()
	uc := upstream.New(upstream.Config{BaseURL: baseURL, Timeout: 500 * time.Millisecond})
	return NewAuthProxy(uc, auth.NewCoordinator(uc), auth.CookieOptions{})
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   userID,
		"role": "adjuster",
		"exp":  time.Now().Add(15 * time.Minute).Unix(),
	}).SignedString([]byte("upstream-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func tokenJSON(access, refresh string) map[string]any {
	return map[string]any{"data": map[string]any{
		"access_token": access, "refresh_token": refresh, "expires": 900000,
	}}
}

func cookieMap(resp *http.Response) map[string]*http.Cookie {
	m := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		m[c.Name] = c
	}
	return m
}

func loginRequest(body string) *http.Request {
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestLoginHandler_Success(t *testing.T) {
	access := testToken(t, "u-17")
	up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ada@example.com" || body["mode"] != "json" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(tokenJSON(access, "refresh-1"))
	})

	proxy := newProxy(t, up.URL)
	w := httptest.NewRecorder()
	proxy.LoginHandler()(w, loginRequest(`{"email":" ada@example.com ","password":"secret"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	cookies := cookieMap(resp)
	if c := cookies[auth.AccessCookie]; c == nil || c.Value != access || !c.HttpOnly {
		t.Errorf("access cookie = %+v", c)
	}
	if c := cookies[auth.RefreshCookie]; c == nil || c.Value != "refresh-1" {
		t.Errorf("refresh cookie = %+v", c)
	}

	var body sessionResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if !body.OK || body.UserID != "u-17" || body.ExpiresAt == nil {
		t.Errorf("body = %+v", body)
	}
}

func TestLoginHandler_ThroughMiddleware(t *testing.T) {
	up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenJSON("access-1", "refresh-1"))
	})

	proxy := newProxy(t, up.URL)
	h := auth.Middleware(auth.CookieOptions{Domain: ".example.com"})(proxy.LoginHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, loginRequest(`{"email":"ada@example.com","password":"secret"}`))

	cookies := cookieMap(w.Result())
	c := cookies[auth.AccessCookie]
	if c == nil || c.Value != "access-1" {
		t.Fatalf("access cookie = %+v", c)
	}
	if c.Domain != "example.com" {
		t.Errorf("cookie domain = %q", c.Domain)
	}
}

func TestLoginHandler_InvalidCredentials(t *testing.T) {
	up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"Invalid user credentials.","extensions":{"code":"INVALID_CREDENTIALS"}}]}`))
	})

	proxy := newProxy(t, up.URL)
	w := httptest.NewRecorder()
	proxy.LoginHandler()(w, loginRequest(`{"email":"ada@example.com","password":"wrong"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if len(resp.Cookies()) != 0 {
		t.Errorf("unexpected cookies: %v", resp.Cookies())
	}
}

func TestLoginHandler_UpstreamDown(t *testing.T) {
	// Use a server that immediately closes.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	up.Close()

	proxy := newProxy(t, up.URL)
	w := httptest.NewRecorder()
	proxy.LoginHandler()(w, loginRequest(`{"email":"ada@example.com","password":"secret"}`))

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestLoginHandler_HealthCheckFailsFast(t *testing.T) {
	var calls atomic.Int32
	up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	proxy := newProxy(t, up.URL)
	proxy.HealthCheck = func() bool { return false }
	w := httptest.NewRecorder()
	proxy.LoginHandler()(w, loginRequest(`{"email":"ada@example.com","password":"secret"}`))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if calls.Load() != 0 {
		t.Error("upstream called while known down")
	}
}

func TestLoginHandler_BadRequest(t *testing.T) {
	proxy := newProxy(t, "http://127.0.0.1:1")
	for _, body := range []string{`not json`, `{"email":"","password":"x"}`, `{"email":"a@b.c"}`} {
		w := httptest.NewRecorder()
		proxy.LoginHandler()(w, loginRequest(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestLogoutHandler(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"upstream ok", http.StatusNoContent},
		{"upstream fails", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRefresh string
			up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/logout" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				var body map[string]string
				json.NewDecoder(r.Body).Decode(&body)
				gotRefresh = body["refresh_token"]
				w.WriteHeader(tt.status)
			})

			proxy := newProxy(t, up.URL)
			req := httptest.NewRequest("POST", "/api/auth/logout", nil)
			req.AddCookie(&http.Cookie{Name: auth.AccessCookie, Value: "access-1"})
			req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: "refresh-1"})
			w := httptest.NewRecorder()
			auth.Middleware(auth.CookieOptions{})(proxy.LogoutHandler()).ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			if gotRefresh != "refresh-1" {
				t.Errorf("upstream got refresh token %q", gotRefresh)
			}
			cookies := cookieMap(resp)
			for _, name := range []string{auth.AccessCookie, auth.RefreshCookie, auth.ExpiresCookie} {
				if c := cookies[name]; c == nil || c.MaxAge >= 0 {
					t.Errorf("cookie %s not cleared: %+v", name, c)
				}
			}
		})
	}
}

func TestRefreshHandler_Rotates(t *testing.T) {
	up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(tokenJSON("access-2", "refresh-2"))
	})

	proxy := newProxy(t, up.URL)
	req := httptest.NewRequest("POST", "/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: "refresh-1"})
	w := httptest.NewRecorder()
	proxy.RefreshHandler()(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	cookies := cookieMap(resp)
	if c := cookies[auth.AccessCookie]; c == nil || c.Value != "access-2" {
		t.Errorf("access cookie = %+v", c)
	}
	if c := cookies[auth.RefreshCookie]; c == nil || c.Value != "refresh-2" {
		t.Errorf("refresh cookie = %+v", c)
	}
}

func TestRefreshHandler_Rejected(t *testing.T) {
	up := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"Invalid user credentials."}]}`))
	})

	proxy := newProxy(t, up.URL)
	req := httptest.NewRequest("POST", "/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: "refresh-1"})
	w := httptest.NewRecorder()
	auth.Middleware(auth.CookieOptions{})(proxy.RefreshHandler()).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if c := cookieMap(resp)[auth.RefreshCookie]; c == nil || c.MaxAge >= 0 {
		t.Errorf("refresh cookie not cleared: %+v", c)
	}
}

func TestRefreshHandler_NoRefreshToken(t *testing.T) {
	proxy := newProxy(t, "http://127.0.0.1:1")
	w := httptest.NewRecorder()
	proxy.RefreshHandler()(w, httptest.NewRequest("POST", "/api/auth/refresh", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
