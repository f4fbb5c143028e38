package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/peterbarone/claimtrackpro-web/dbopen"
	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/shield"
)

// RequestLog is one inbound HTTP request.
type RequestLog struct {
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	UserID     string
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

// HTTPLogger persists request logs asynchronously.
type HTTPLogger struct {
	db   *sql.DB
	ch   chan *RequestLog
	stop chan struct{}
	done chan struct{}
}

// NewHTTPLogger creates an async request logger. Recommended bufferSize: 1000.
func NewHTTPLogger(db *sql.DB, bufferSize int) *HTTPLogger {
	h := &HTTPLogger{
		db:   db,
		ch:   make(chan *RequestLog, bufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.flushLoop()
	return h
}

// Middleware records every request that passes through it. The route
// pattern is logged instead of the raw path when chi resolved one, so
// claim ids do not end up in the table.
func (h *HTTPLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.LogAsync(&RequestLog{
			Method:     r.Method,
			Path:       path,
			StatusCode: status,
			DurationMs: time.Since(start).Milliseconds(),
			UserID:     kit.GetUserID(r.Context()),
			IPAddress:  shield.ExtractIP(r),
			UserAgent:  r.UserAgent(),
			CreatedAt:  start,
		})
	})
}

// LogAsync queues an entry for async persistence.
// Falls back to synchronous insert if the buffer is full.
func (h *HTTPLogger) LogAsync(e *RequestLog) {
	select {
	case h.ch <- e:
	default:
		slog.Warn("observability http log buffer full, sync fallback", "path", e.Path)
		if err := h.insert(context.Background(), h.db, e); err != nil {
			slog.Error("observability http log: sync fallback failed", "error", err)
		}
	}
}

// Recent returns the latest request logs, newest first.
func (h *HTTPLogger) Recent(ctx context.Context, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, `SELECT method, path, status_code, duration_ms,
		COALESCE(user_id,''), COALESCE(ip_address,''), COALESCE(user_agent,''), created_at
		FROM http_request_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query http logs: %w", err)
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		var e RequestLog
		var ts int64
		if err := rows.Scan(&e.Method, &e.Path, &e.StatusCode, &e.DurationMs,
			&e.UserID, &e.IPAddress, &e.UserAgent, &ts); err != nil {
			return nil, fmt.Errorf("scan http log: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close drains the buffer and stops the flush goroutine.
func (h *HTTPLogger) Close() error {
	close(h.stop)
	<-h.done
	return nil
}

func (h *HTTPLogger) flushLoop() {
	defer close(h.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*RequestLog, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := dbopen.RunTx(ctx, h.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if err := h.insert(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("observability http log: flush", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-h.stop:
			for {
				select {
				case e := <-h.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-h.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (h *HTTPLogger) insert(ctx context.Context, db execer, e *RequestLog) error {
	_, err := db.ExecContext(ctx, `INSERT INTO http_request_logs
		(method, path, status_code, duration_ms, user_id, ip_address, user_agent, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.Method, e.Path, e.StatusCode, e.DurationMs,
		e.UserID, e.IPAddress, e.UserAgent, e.CreatedAt.Unix())
	return err
}
