package timeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/peterbarone/claimtrackpro-web/planner"
)

// Source priorities: claim-core events sort first on equal timestamps.
const (
	PriorityClaim = iota
	PriorityStatus
	PriorityAssignment
	PriorityDocument
	PriorityComment
)

const claimFilter = `{"claim":{"_eq":{{json .claim}}}}`

// ClaimSources returns the built-in sources of a claim's activity feed. The
// plans expect a "claim" parameter holding the claim id.
func ClaimSources() []Source {
	return []Source{
		{
			Name:     "claim",
			Priority: PriorityClaim,
			Adapt:    adaptClaim,
			Plan: planner.Plan{Name: "timeline_claim", Variants: []planner.Variant{
				{Ordinal: 0, Collection: "claims", ID: "{{.claim}}", Fields: []string{
					"id", "claim_number", "date_created", "date_updated", "user_created.first_name", "user_created.last_name", "status.name",
				}},
				{Ordinal: 1, Collection: "claims", ID: "{{.claim}}", Fields: []string{"id", "claim_number", "date_created", "date_updated", "status.name"}},
				{Ordinal: 2, Collection: "claims", ID: "{{.claim}}", Fields: []string{"id", "claim_number", "date_created"}},
			}},
		},
		{
			Name:     "notes",
			Priority: PriorityComment,
			Adapt:    adaptNotes,
			Plan: planner.Plan{Name: "timeline_notes", AmbiguousNotFound: true, Variants: []planner.Variant{
				{Ordinal: 0, Collection: "claims_notes", Filter: claimFilter, Sort: []string{"-date_created"}, Limit: -1,
					Fields: []string{"id", "date_created", "body", "user_created.first_name", "user_created.last_name"}},
				{Ordinal: 1, Collection: "claims_notes", Filter: claimFilter, Sort: []string{"-date_created"}, Limit: -1,
					Fields: []string{"id", "date_created", "body"}},
				{Ordinal: 2, Collection: "claim_notes", Filter: claimFilter, Sort: []string{"-date_created"}, Limit: -1,
					Fields: []string{"id", "date_created", "body"}},
				{Ordinal: 3, Collection: "notes", Filter: `{"claim_id":{"_eq":{{json .claim}}}}`, Limit: -1,
					Fields: []string{"id", "created_at", "content"}},
			}},
		},
		{
			Name:     "tasks",
			Priority: PriorityAssignment,
			Adapt:    adaptTasks,
			Plan: planner.Plan{Name: "timeline_tasks", Variants: []planner.Variant{
				{Ordinal: 0, Collection: "claim_tasks", Filter: claimFilter, Limit: -1,
					Fields: []string{"id", "title", "status", "date_created", "due_date", "assigned_to.first_name", "assigned_to.last_name"}},
				{Ordinal: 1, Collection: "claim_tasks", Filter: claimFilter, Limit: -1,
					Fields: []string{"id", "title", "status", "date_created"}},
			}},
		},
		{
			Name:     "documents",
			Priority: PriorityDocument,
			Adapt:    adaptDocuments,
			Plan: planner.Plan{Name: "timeline_documents", Variants: []planner.Variant{
				{Ordinal: 0, Collection: "claim_documents", Filter: claimFilter, Limit: -1,
					Fields: []string{"id", "date_created", "document_type", "file.filename_download", "file.type", "user_created.first_name", "user_created.last_name"}},
				{Ordinal: 1, Collection: "claim_documents", Filter: claimFilter, Limit: -1,
					Fields: []string{"id", "date_created", "document_type"}},
			}},
		},
		{
			Name:     "status_history",
			Priority: PriorityStatus,
			Adapt:    adaptStatusHistory,
			Plan: planner.Plan{Name: "timeline_status_history", Variants: []planner.Variant{
				{Ordinal: 0, Collection: "claim_status_history", Filter: claimFilter, Limit: -1,
					Fields: []string{"id", "date_created", "status.name", "previous_status.name", "changed_by.first_name", "changed_by.last_name"}},
				{Ordinal: 1, Collection: "claim_status_history", Filter: claimFilter, Limit: -1,
					Fields: []string{"id", "date_created", "status.name"}},
			}},
		},
	}
}

func eventID(source string, r row, i int) string {
	if id := r.str("id"); id != "" {
		return source + ":" + id
	}
	return fmt.Sprintf("%s:#%d", source, i)
}

func adaptClaim(payload json.RawMessage) ([]Event, error) {
	rows, err := decodeRows(payload)
	if err != nil {
		return nil, err
	}
	var out []Event
	for i, r := range rows {
		number := r.str("claim_number", "number", "id")
		created, _ := r.when(createdKeys...)
		out = append(out, Event{
			ID:        eventID("claim", r, i) + ":created",
			Timestamp: created,
			Kind:      KindStatus,
			Actor:     r.actor(actorKeys...),
			Summary:   "Claim " + number + " created",
		})
		status := r.name("status")
		if updated, ok := r.when(updatedKeys...); ok && status != "" {
			out = append(out, Event{
				ID:        eventID("claim", r, i) + ":updated",
				Timestamp: updated,
				Kind:      KindStatus,
				Summary:   "Claim " + number + " is " + status,
				Status:    status,
			})
		}
	}
	return out, nil
}

func adaptNotes(payload json.RawMessage) ([]Event, error) {
	rows, err := decodeRows(payload)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for i, r := range rows {
		ts, _ := r.when(createdKeys...)
		body := r.str("body", "content", "note", "text")
		out = append(out, Event{
			ID:        eventID("notes", r, i),
			Timestamp: ts,
			Kind:      KindComment,
			Actor:     r.actor(actorKeys...),
			Summary:   plainSummary(body),
			Meta:      map[string]any{"body_markdown": markdown(body)},
		})
	}
	return out, nil
}

func adaptTasks(payload json.RawMessage) ([]Event, error) {
	rows, err := decodeRows(payload)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for i, r := range rows {
		ts, _ := r.when(createdKeys...)
		title := r.str("title", "name", "description")
		summary := "Task: " + plainSummary(title)
		if who := r.actor("assigned_to", "assignee"); who != "" {
			summary += " assigned to " + who
		}
		ev := Event{
			ID:        eventID("tasks", r, i),
			Timestamp: ts,
			Kind:      KindAssignment,
			Actor:     r.actor(actorKeys...),
			Summary:   summary,
			Status:    r.name("status"),
		}
		if due, ok := r.when("due_date", "due"); ok {
			ev.Meta = map[string]any{"due_date": due}
		}
		out = append(out, ev)
	}
	return out, nil
}

func adaptDocuments(payload json.RawMessage) ([]Event, error) {
	rows, err := decodeRows(payload)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for i, r := range rows {
		ts, _ := r.when(createdKeys...)
		name := r.str("file.filename_download", "file.title", "filename", "title")
		kind := r.name("document_type")
		var parts []string
		if kind != "" {
			parts = append(parts, kind)
		}
		if name != "" {
			parts = append(parts, name)
		}
		summary := "Document uploaded"
		if len(parts) > 0 {
			summary += ": " + strings.Join(parts, " ")
		}
		ev := Event{
			ID:        eventID("documents", r, i),
			Timestamp: ts,
			Kind:      KindDocument,
			Actor:     r.actor(actorKeys...),
			Summary:   plainSummary(summary),
		}
		if mime := r.str("file.type"); mime != "" {
			ev.Meta = map[string]any{"mime_type": mime}
		}
		out = append(out, ev)
	}
	return out, nil
}

func adaptStatusHistory(payload json.RawMessage) ([]Event, error) {
	rows, err := decodeRows(payload)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for i, r := range rows {
		ts, _ := r.when(createdKeys...)
		status := r.name("status")
		if status == "" {
			status = r.str("new_status", "status_name")
		}
		summary := "Status changed to " + status
		if prev := r.name("previous_status"); prev != "" {
			summary = "Status changed from " + prev + " to " + status
		}
		out = append(out, Event{
			ID:        eventID("status_history", r, i),
			Timestamp: ts,
			Kind:      KindStatus,
			Actor:     r.actor(actorKeys...),
			Summary:   summary,
			Status:    status,
		})
	}
	return out, nil
}
