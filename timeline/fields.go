package timeline

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/peterbarone/claimtrackpro-web/horosafe"
)

// Field synonyms seen across upstream deployments.
var (
	createdKeys = []string{"date_created", "created_at", "created_on", "timestamp", "date", "createdAt"}
	updatedKeys = []string{"date_updated", "updated_at", "modified_at", "updatedAt"}
	actorKeys   = []string{"user_created", "created_by", "author", "user", "changed_by"}
)

type row map[string]any

func decodeRows(payload json.RawMessage) ([]row, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var rows []row
	if err := json.Unmarshal(payload, &rows); err == nil {
		return rows, nil
	}
	var one row
	if err := json.Unmarshal(payload, &one); err != nil {
		return nil, fmt.Errorf("timeline: decode payload: %w", err)
	}
	return []row{one}, nil
}

// str returns the first non-empty string-ish value among keys. Dotted keys
// descend into nested objects.
func (r row) str(keys ...string) string {
	for _, k := range keys {
		switch v := r.lookup(k).(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (r row) lookup(key string) any {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// when returns the first parseable timestamp among keys.
func (r row) when(keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := parseTime(r.lookup(k)); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
	case float64:
		// Unix milliseconds.
		if t > 0 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
	}
	return time.Time{}, false
}

// actor renders a user reference: an expanded object becomes "First Last"
// (or the email), a bare id stays as-is.
func (r row) actor(keys ...string) string {
	for _, k := range keys {
		switch v := r.lookup(k).(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			u := row(v)
			name := strings.TrimSpace(u.str("first_name") + " " + u.str("last_name"))
			if name != "" {
				return name
			}
			if s := u.str("email", "id"); s != "" {
				return s
			}
		}
	}
	return ""
}

// name renders a relation that may be expanded ({name: ...}) or a bare key.
func (r row) name(key string) string {
	switch v := r.lookup(key).(type) {
	case map[string]any:
		return row(v).str("name", "label", "title", "id")
	default:
		return r.str(key)
	}
}

var (
	strict = bluemonday.StrictPolicy()
	ugc    = bluemonday.UGCPolicy()
	md     = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// plainSummary strips every tag and bounds the result.
func plainSummary(s string) string {
	return horosafe.Truncate(html.UnescapeString(strict.Sanitize(s)), horosafe.MaxDetailLen)
}

// markdown converts a user-authored HTML body to markdown after sanitizing
// it. Conversion failures yield the plain text.
func markdown(s string) string {
	if s == "" {
		return ""
	}
	out, err := md.ConvertString(ugc.Sanitize(s))
	if err != nil || strings.TrimSpace(out) == "" {
		return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
	}
	return strings.TrimSpace(out)
}
