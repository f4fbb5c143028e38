package timeline

import (
	"encoding/json"
	"time"

	"github.com/peterbarone/claimtrackpro-web/planner"
)

// Kind classifies a timeline event.
type Kind string

const (
	KindStatus     Kind = "status"
	KindDocument   Kind = "document"
	KindComment    Kind = "comment"
	KindAssignment Kind = "assignment"
)

// Event is one entry of a claim's activity feed.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Source    string         `json:"source"`
	Actor     string         `json:"actor,omitempty"`
	Summary   string         `json:"summary"`
	Status    string         `json:"status,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`

	priority int
}

// Adapter maps a successful source payload to events. Adapters must
// tolerate missing optional fields.
type Adapter func(payload json.RawMessage) ([]Event, error)

// Source is one independent upstream query feeding the timeline. Lower
// Priority sorts first among events sharing a timestamp.
type Source struct {
	Name     string
	Priority int
	Plan     planner.Plan
	Adapt    Adapter
}

// SourceResult is the settled state of one source.
type SourceResult struct {
	Source string
	Events []Event
	Err    string
}

// Result is the merged feed. Partial is set when at least one source failed;
// Errors then holds one "<source>: <detail>" entry per failed source.
type Result struct {
	Events  []Event  `json:"data"`
	Partial bool     `json:"partial,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Order is the direction of the merged feed.
type Order int

const (
	Ascending Order = iota
	Descending
)

// ParseOrder maps "asc"/"desc" to an Order. Anything else is Ascending.
func ParseOrder(s string) Order {
	if s == "desc" {
		return Descending
	}
	return Ascending
}
