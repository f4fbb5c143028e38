// Command claimtrack serves the claims gateway: browser sessions, degrading
// reads and claim timelines over the upstream data API.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/authproxy"
	"github.com/peterbarone/claimtrackpro-web/claims"
	"github.com/peterbarone/claimtrackpro-web/config"
	"github.com/peterbarone/claimtrackpro-web/connectivity"
	"github.com/peterbarone/claimtrackpro-web/dbopen"
	"github.com/peterbarone/claimtrackpro-web/gateway"
	"github.com/peterbarone/claimtrackpro-web/observability"
	"github.com/peterbarone/claimtrackpro-web/shield"
	"github.com/peterbarone/claimtrackpro-web/timeline"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load(env("CONFIG_FILE", ""), os.Getenv)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability store (optional).
	var (
		events  *observability.EventLogger
		metrics *observability.MetricsManager
		httpLog *observability.HTTPLogger
	)
	if path := cfg.Observability.DBPath; path != "" {
		obsDB, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			slog.Error("observability db", "error", err)
			os.Exit(1)
		}
		defer obsDB.Close()

		events = observability.NewEventLogger(obsDB)
		metrics = observability.NewMetricsManager(obsDB, 500, 30*time.Second)
		defer metrics.Close()
		httpLog = observability.NewHTTPLogger(obsDB, 1000)
		defer httpLog.Close()
		go observability.RunCleanup(ctx, obsDB, cfg.Observability.Retention, cfg.Observability.CleanupInterval)
		slog.Info("observability enabled", "db", path)
	}

	// Upstream client, credential coordinator and plan runner.
	breaker := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(cfg.Upstream.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(cfg.Upstream.BreakerResetTimeout),
		connectivity.WithBreakerStateHook(func(from, to connectivity.BreakerState) {
			logger.Warn("upstream breaker", "from", from.String(), "to", to.String())
		}),
	)
	upOpts := []upstream.Option{upstream.WithBreaker(breaker), upstream.WithLogger(logger)}
	if metrics != nil {
		upOpts = append(upOpts, upstream.WithObserver(gateway.MetricsObserver(metrics)))
	}
	client := upstream.New(upstream.Config{BaseURL: cfg.Upstream.BaseURL, Timeout: cfg.Upstream.Timeout}, upOpts...)

	coordOpts := []auth.CoordinatorOption{auth.WithCoordinatorLogger(logger)}
	if cfg.Upstream.StaticToken != "" {
		coordOpts = append(coordOpts, auth.WithFallbackToken(cfg.Upstream.StaticToken))
	}
	if events != nil {
		coordOpts = append(coordOpts, auth.WithRefreshHook(gateway.RefreshEvents(events)))
	}
	coord := auth.NewCoordinator(client, coordOpts...)

	gw := gateway.New(client, coord, gateway.WithEvents(events), gateway.WithLogger(logger))
	engine := timeline.NewEngine(gw, timeline.WithEvents(events), timeline.WithMetrics(metrics))
	reads := claims.NewHandler(gw, engine)

	cookies := auth.CookieOptions{Domain: cfg.Cookie.Domain, Secure: cfg.Cookie.Secure}
	proxy := authproxy.NewAuthProxy(client, coord, cookies)
	proxy.HealthCheck = client.Healthy

	loginLimiter := shield.NewRateLimiter(shield.LoginRule)
	loginLimiter.StartGC(ctx.Done(), 5*time.Minute)

	// Router.
	proxies, _ := shield.ParseProxies(cfg.TrustedProxies) // checked by config.Validate
	r := chi.NewRouter()
	r.Use(shield.RealIP(proxies))
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":   "ok",
			"upstream": client.BreakerState().String(),
		}
		if metrics != nil {
			if sum, err := metrics.Summarize(r.Context(), time.Now().Add(-time.Hour)); err == nil {
				body["last_hour"] = sum
			}
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cookies))
		if httpLog != nil {
			r.Use(httpLog.Middleware)
		}
		proxy.Mount(r, loginLimiter.Middleware)
		reads.Mount(r)

		if cfg.MCP.Enabled {
			if ts := serviceTokens(ctx, client, cfg.Upstream); ts != nil {
				mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "claimtrack", Version: version}, nil)
				reads.RegisterMCP(mcpSrv, ts)
				h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
				r.With(reads.RequireUser).Handle("/mcp", h)
				slog.Info("MCP enabled", "path", "/mcp")
			} else {
				slog.Warn("MCP disabled: no service account or static token configured")
			}
		}
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "upstream", cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// serviceTokens returns the token source backing the MCP tools: the service
// account when configured, else the static token. Nil when neither is set.
func serviceTokens(ctx context.Context, client *upstream.Client, cfg config.UpstreamConfig) oauth2.TokenSource {
	sa := upstream.ServiceAccount{Email: cfg.ServiceEmail, Password: cfg.ServicePassword}
	switch {
	case sa.Configured():
		return client.ServiceTokenSource(ctx, sa)
	case cfg.StaticToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StaticToken})
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
