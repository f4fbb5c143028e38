package auth

import (
	"net/http"

	"github.com/peterbarone/claimtrackpro-web/kit"
)

// Middleware installs a request-scoped Store and makes sure any credential
// rotation that happened while serving the request reaches the browser.
// The cookies are emitted right before the response headers, whatever path
// produced the body; handlers never write them themselves.
//
// Claims of the access token (unverified) are copied into the kit context for
// log attribution.
func Middleware(opts CookieOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			store := NewStore(r)

			ctx := WithStore(r.Context(), store)
			if p, ok := store.Read(); ok && p.AccessToken != "" {
				if claims, err := ParseAccessClaims(p.AccessToken); err == nil {
					ctx = kit.WithUserID(ctx, claims.UserID)
					ctx = kit.WithRole(ctx, claims.Role)
				}
			}

			rw := &rotatingWriter{ResponseWriter: w, store: store, opts: opts}
			next.ServeHTTP(rw, r.WithContext(ctx))
			rw.emit()
		})
	}
}

// rotatingWriter flushes the store's pending carrier change as Set-Cookie
// headers before the first byte of the response goes out.
type rotatingWriter struct {
	http.ResponseWriter
	store       *Store
	opts        CookieOptions
	wroteHeader bool
}

func (w *rotatingWriter) emit() {
	if w.wroteHeader {
		return
	}
	p, clear := w.store.takePending()
	switch {
	case p != nil:
		SetPairCookies(w.ResponseWriter, *p, w.opts)
	case clear:
		ClearPairCookies(w.ResponseWriter, w.opts)
	}
}

func (w *rotatingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.emit()
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *rotatingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (w *rotatingWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *rotatingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
