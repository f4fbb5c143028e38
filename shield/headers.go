package shield

import "net/http"

// HeaderConfig lists the headers set on every response. Empty values are
// skipped.
type HeaderConfig struct {
	CSP               string
	FrameOptions      string
	ContentTypeOpts   string
	ReferrerPolicy    string
	PermissionsPolicy string
	CacheControl      string
	// HSTS is only sent on TLS requests or when the proxy reports https.
	HSTS string
}

// DefaultHeaders suits a JSON API whose responses carry claim data: nothing
// is framed, sniffed or cached.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:               "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:      "DENY",
		ContentTypeOpts:   "nosniff",
		ReferrerPolicy:    "strict-origin-when-cross-origin",
		PermissionsPolicy: "camera=(), microphone=(), geolocation=()",
		CacheControl:      "no-store",
		HSTS:              "max-age=31536000; includeSubDomains",
	}
}

func (c HeaderConfig) pairs() [][2]string {
	all := [][2]string{
		{"Content-Security-Policy", c.CSP},
		{"X-Frame-Options", c.FrameOptions},
		{"X-Content-Type-Options", c.ContentTypeOpts},
		{"Referrer-Policy", c.ReferrerPolicy},
		{"Permissions-Policy", c.PermissionsPolicy},
		{"Cache-Control", c.CacheControl},
	}
	out := all[:0]
	for _, p := range all {
		if p[1] != "" {
			out = append(out, p)
		}
	}
	return out
}

// SecurityHeaders sets cfg on every response before the handler runs, so
// handlers may still override any of them.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	pairs := cfg.pairs()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				h.Set(p[0], p[1])
			}
			if cfg.HSTS != "" && (r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https") {
				h.Set("Strict-Transport-Security", cfg.HSTS)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadToGet serves HEAD through GET routes; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
