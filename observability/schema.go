package observability

import (
	"database/sql"
	"fmt"
	"strings"
)

type table struct {
	name       string
	timeColumn string
	desc       string
	ddl        string
}

var tables = []table{
	{"metrics_timeseries", "timestamp", "Upstream call durations and outcome counters", `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics_timeseries(timestamp DESC);`},

	{"business_event_logs", "created_at", "Credential refreshes, degraded reads, partial timelines", `
CREATE TABLE IF NOT EXISTS business_event_logs (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    service_name TEXT NOT NULL,
    entity_type  TEXT,
    entity_id    TEXT,
    user_id      TEXT,
    action       TEXT NOT NULL,
    details      TEXT,
    success      INTEGER NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON business_event_logs(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_entity ON business_event_logs(entity_type, entity_id);`},

	{"http_request_logs", "created_at", "Inbound gateway requests", `
CREATE TABLE IF NOT EXISTS http_request_logs (
    log_id      TEXT PRIMARY KEY DEFAULT ('hrl_' || hex(randomblob(16))),
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status_code INTEGER,
    duration_ms INTEGER,
    user_id     TEXT,
    ip_address  TEXT,
    user_agent  TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_http_logs_time ON http_request_logs(created_at DESC);`},
}

// Schema is the idempotent DDL for every observability table, including a
// _observability_metadata row describing each one.
var Schema = buildSchema()

func buildSchema() string {
	var b strings.Builder
	for _, t := range tables {
		b.WriteString(t.ddl)
		b.WriteString("\n")
	}
	b.WriteString(`
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name  TEXT PRIMARY KEY,
    description TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`)
	for _, t := range tables {
		fmt.Fprintf(&b, "INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES ('%s', '%s');\n", t.name, t.desc)
	}
	return b.String()
}

// Init applies Schema to db.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
