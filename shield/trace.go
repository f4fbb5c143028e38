package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/peterbarone/claimtrackpro-web/horosafe"
	"github.com/peterbarone/claimtrackpro-web/idgen"
	"github.com/peterbarone/claimtrackpro-web/kit"
)

// NewTraceID mints request trace ids.
var NewTraceID = idgen.NanoID(8)

// TraceHeader carries the trace id in both directions.
const TraceHeader = "X-Trace-ID"

// TraceID tags each request with a trace id and a logger carrying it. A
// well-formed id sent by a fronting proxy is kept; anything else is
// replaced. The id is echoed in the response.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if id == "" || len(id) > 64 || horosafe.ValidateIdentifier(id) != nil {
			id = NewTraceID()
		}
		w.Header().Set(TraceHeader, id)

		logger := slog.Default().With(
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		logger.Debug("request", "remote_addr", r.RemoteAddr)

		ctx := kit.WithTraceID(r.Context(), id)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the request logger, or slog.Default outside a request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
