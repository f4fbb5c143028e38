// Package planner runs degrading query plans: an ordered list of request
// variants, each reading less than the one before it, tried one at a time
// until the upstream accepts one.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// ErrInvalidPlan is returned by Validate for malformed plans.
var ErrInvalidPlan = errors.New("planner: invalid plan")

// Variant is one candidate request. ID and Filter are text/template strings
// rendered against the call Params; use {{json .key}} inside JSON filters.
type Variant struct {
	Ordinal    int
	Collection string
	ID         string
	Fields     []string
	Filter     string
	Sort       []string
	Limit      int
}

// Plan is an ordered list of variants. The last variant is the safe minimum.
//
// AmbiguousNotFound makes a 404 advance to the next variant; use it when the
// variants point at different collections and a missing collection is
// indistinguishable from a missing record.
//
// Single unwraps a one-element array payload, for lookups expressed as a
// filtered list. An empty array is reported as NotFound.
type Plan struct {
	Name              string
	Variants          []Variant
	AmbiguousNotFound bool
	Single            bool
}

// Params are the values the variant templates are rendered with.
type Params map[string]string

// Result is the outcome of a plan execution.
type Result struct {
	Outcome  upstream.Outcome
	Ordinal  int // ordinal of the variant that produced Outcome
	Attempts int
}

// Degraded reports whether a variant other than the first one answered.
func (r Result) Degraded(p Plan) bool {
	return len(p.Variants) > 0 && r.Attempts > 0 && r.Ordinal != p.Variants[0].Ordinal
}

// Caller performs one upstream attempt.
type Caller interface {
	Call(ctx context.Context, req upstream.Request, token string) upstream.Outcome
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// Validate checks that p has at least one variant, strictly increasing
// ordinals, parseable templates, and that a variant never asks for more
// fields than its predecessor on the same collection.
func (p Plan) Validate() error {
	if len(p.Variants) == 0 {
		return fmt.Errorf("%w: %s: no variants", ErrInvalidPlan, p.Name)
	}
	for i, v := range p.Variants {
		if v.Collection == "" {
			return fmt.Errorf("%w: %s: variant %d has no collection", ErrInvalidPlan, p.Name, v.Ordinal)
		}
		for _, s := range []string{v.ID, v.Filter} {
			if _, err := parse(s); err != nil {
				return fmt.Errorf("%w: %s: variant %d: %v", ErrInvalidPlan, p.Name, v.Ordinal, err)
			}
		}
		if i == 0 {
			continue
		}
		prev := p.Variants[i-1]
		if v.Ordinal <= prev.Ordinal {
			return fmt.Errorf("%w: %s: ordinal %d after %d", ErrInvalidPlan, p.Name, v.Ordinal, prev.Ordinal)
		}
		if v.Collection == prev.Collection && !subset(v.Fields, prev.Fields) {
			return fmt.Errorf("%w: %s: variant %d widens the field set", ErrInvalidPlan, p.Name, v.Ordinal)
		}
	}
	return nil
}

// subset reports whether every field of a is covered by b. An empty set
// means "all fields" and is only a subset of another empty set. A wildcard
// ("*", "insured.*") covers the fields of its own level.
func subset(a, b []string) bool {
	if len(b) == 0 {
		return true
	}
	if len(a) == 0 {
		return false
	}
	for _, f := range a {
		if !covered(f, b) {
			return false
		}
	}
	return true
}

func covered(field string, set []string) bool {
	if slices.Contains(set, field) {
		return true
	}
	for _, w := range set {
		prefix, ok := strings.CutSuffix(w, "*")
		if !ok {
			continue
		}
		if rest, ok := strings.CutPrefix(field, prefix); ok && !strings.Contains(rest, ".") {
			return true
		}
	}
	return false
}

// Execute attempts the variants of p in order, one at a time, and returns
// the first Success. PermissionDenied and TransientError advance to the next
// variant, NotFound only when p.AmbiguousNotFound is set. AuthExpired stops
// immediately so the caller can refresh. When the variants are exhausted the
// last outcome is returned.
func Execute(ctx context.Context, c Caller, p Plan, params Params, token string) Result {
	var res Result
	for _, v := range p.Variants {
		if err := ctx.Err(); err != nil {
			if res.Attempts == 0 {
				res.Outcome = upstream.Outcome{Kind: upstream.TransientError, Detail: err.Error()}
			}
			return res
		}

		res.Attempts++
		res.Ordinal = v.Ordinal
		req, err := v.request(params)
		if err != nil {
			res.Outcome = upstream.Outcome{Kind: upstream.TransientError, Detail: err.Error()}
			continue
		}
		out := c.Call(ctx, req, token)
		if p.Single && out.Kind == upstream.Success {
			out = unwrapSingle(out)
		}
		res.Outcome = out

		switch out.Kind {
		case upstream.Success, upstream.AuthExpired:
			return res
		case upstream.NotFound:
			if !p.AmbiguousNotFound {
				return res
			}
		}
	}
	return res
}

func (v Variant) request(params Params) (upstream.Request, error) {
	id, err := render(v.ID, params)
	if err != nil {
		return upstream.Request{}, fmt.Errorf("planner: variant %d id: %w", v.Ordinal, err)
	}
	filter, err := render(v.Filter, params)
	if err != nil {
		return upstream.Request{}, fmt.Errorf("planner: variant %d filter: %w", v.Ordinal, err)
	}
	return upstream.Request{
		Collection: v.Collection,
		ID:         id,
		Fields:     v.Fields,
		Filter:     filter,
		Sort:       v.Sort,
		Limit:      v.Limit,
	}, nil
}

func parse(s string) (*template.Template, error) {
	return template.New("").Funcs(funcs).Option("missingkey=error").Parse(s)
}

func render(s string, params Params) (string, error) {
	if s == "" {
		return "", nil
	}
	t, err := parse(s)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]string(params)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func unwrapSingle(out upstream.Outcome) upstream.Outcome {
	var rows []json.RawMessage
	if err := json.Unmarshal(out.Payload, &rows); err != nil {
		// Already a single object.
		return out
	}
	if len(rows) == 0 {
		return upstream.Outcome{Kind: upstream.NotFound, Status: out.Status, Detail: "no matching record"}
	}
	out.Payload = rows[0]
	return out
}
