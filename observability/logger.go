package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/peterbarone/claimtrackpro-web/dbopen"
	"github.com/peterbarone/claimtrackpro-web/idgen"
)

// Event types recorded by the gateway.
const (
	EventCredentialRefreshed = "credential_refreshed"
	EventRefreshFailed       = "refresh_failed"
	EventVariantDegraded     = "variant_degraded"
	EventTimelinePartial     = "timeline_partial"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	UserID      string
	Action      string
	Details     map[string]any // optional, stored as JSON
	Success     bool
}

// EventLogger writes business events. A nil *EventLogger is valid and
// discards every event.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Errors are logged via slog but do not
// propagate, so a failing observability store never fails a request.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	if l == nil {
		return
	}
	var details sql.NullString
	if len(event.Details) > 0 {
		if b, err := json.Marshal(event.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	// The request may be gone by the time the event is written.
	ctx = context.WithoutCancel(ctx)
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.UserID, event.Action, details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// CountEvents returns the number of events of the given type.
func (l *EventLogger) CountEvents(ctx context.Context, eventType string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM business_event_logs WHERE event_type = ?", eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	HTTPLogsDays   int  `yaml:"http_logs_days"`
	EventLogsDays  int  `yaml:"event_logs_days"`
	MetricsDays    int  `yaml:"metrics_days"`
	RunVacuumAfter bool `yaml:"run_vacuum_after"`
}

// days returns the retention configured for a table, 0 for none.
func (c RetentionConfig) days(table string) int {
	switch table {
	case "http_request_logs":
		return c.HTTPLogsDays
	case "business_event_logs":
		return c.EventLogsDays
	case "metrics_timeseries":
		return c.MetricsDays
	}
	return 0
}

// Cleanup deletes rows older than their table's retention, then optionally
// vacuums. Table and column names come from the schema, never from input.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	for _, t := range tables {
		days := cfg.days(t.name)
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days).Unix()
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.name, t.timeColumn)
		res, err := dbopen.Exec(ctx, db, q, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", t.name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Debug("observability cleanup", "table", t.name, "deleted", n)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}

// RunCleanup applies cfg every interval until ctx is done.
func RunCleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Cleanup(ctx, db, cfg); err != nil {
				slog.Warn("observability cleanup failed", "error", err)
			}
		}
	}
}
