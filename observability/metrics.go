// Package observability records what the gateway does to its upstream in a
// local SQLite database: call durations and outcomes, credential refreshes,
// degraded reads and partial timelines, and inbound request logs.
//
// The database is separate from anything the application serves. Call Init()
// on the shared *sql.DB first, then pass it to the individual constructors.
//
// Metric and request-log persistence is buffered: a failing store logs and
// moves on rather than applying backpressure to request handling.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peterbarone/claimtrackpro-web/dbopen"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"` // e.g. "upstream_call_duration_ms"
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"` // optional key/value pairs
	Unit      string            `json:"unit"`             // "percent", "bytes", "milliseconds", "count"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewMetricsManager creates a manager that flushes metrics in batches.
// Recommended defaults: bufferSize=100, flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric for async persistence. A nil manager discards it.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil {
		return
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple is a convenience helper for metrics without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     value,
		Unit:      unit,
	})
}

// MetricFilter selects datapoints for Query. Zero fields are unbounded.
type MetricFilter struct {
	Name  string
	Since time.Time
	Until time.Time
	Limit int
}

// Query returns persisted datapoints matching f, newest first. Buffered
// datapoints are not visible until flushed.
func (mm *MetricsManager) Query(ctx context.Context, f MetricFilter) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if f.Name != "" {
		q += " AND metric_name = ?"
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// OutcomeCounts sums upstream outcome counters by outcome kind since the
// given time.
func (mm *MetricsManager) OutcomeCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := mm.db.QueryContext(ctx, `
		SELECT json_extract(labels, '$.outcome') AS outcome, CAST(SUM(value) AS INTEGER)
		FROM metrics_timeseries
		WHERE metric_name = ? AND timestamp >= ? AND json_extract(labels, '$.outcome') IS NOT NULL
		GROUP BY outcome`, MetricUpstreamOutcome, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("outcome counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Summary is the recent upstream picture reported by the health endpoint.
type Summary struct {
	Outcomes       map[string]int64 `json:"outcomes"`
	LastCall       *Metric          `json:"last_call,omitempty"`
	SourceFailures int              `json:"timeline_source_failures"`
}

// Summarize builds a Summary from datapoints persisted since the given time.
func (mm *MetricsManager) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	outcomes, err := mm.OutcomeCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Outcomes: outcomes}

	last, err := mm.Query(ctx, MetricFilter{Name: MetricUpstreamCallMs, Since: since, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		sum.LastCall = last[0]
	}

	failed, err := mm.Query(ctx, MetricFilter{Name: MetricTimelineSourceFailed, Since: since})
	if err != nil {
		return nil, err
	}
	for _, m := range failed {
		sum.SourceFailures += int(m.Value)
	}
	return sum, nil
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	if mm == nil {
		return nil
	}
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, m := range mm.buffer {
			var labelsJSON sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labelsJSON = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("observability metrics: flush", "error", err, "datapoints", len(mm.buffer))
	}
	mm.buffer = mm.buffer[:0]
}

// Metric names recorded by the gateway.
const (
	MetricUpstreamCallMs       = "upstream_call_duration_ms"
	MetricUpstreamOutcome      = "upstream_outcome_count"
	MetricTimelineSourceFailed = "timeline_source_failed_count"
)
