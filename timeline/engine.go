// Package timeline builds a claim's activity feed by querying several
// upstream collections concurrently and merging them into one time-ordered
// list. A failing source never fails the feed unless every source failed.
package timeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/connectivity"
	"github.com/peterbarone/claimtrackpro-web/gateway"
	"github.com/peterbarone/claimtrackpro-web/horosafe"
	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/observability"
	"github.com/peterbarone/claimtrackpro-web/planner"
	"github.com/peterbarone/claimtrackpro-web/shield"
)

// ErrAllSourcesFailed is returned when no source produced a result.
var ErrAllSourcesFailed = errors.New("timeline: all sources failed")

// Doer runs a plan for a request. *gateway.Caller implements it.
type Doer interface {
	Do(ctx context.Context, store *auth.Store, plan planner.Plan, params planner.Params) (planner.Result, error)
}

// Engine aggregates timeline sources.
type Engine struct {
	caller  Doer
	events  *observability.EventLogger
	metrics *observability.MetricsManager
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents records partial feeds as business events.
func WithEvents(el *observability.EventLogger) Option {
	return func(e *Engine) { e.events = el }
}

// WithMetrics counts failed sources.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(e *Engine) { e.metrics = mm }
}

// NewEngine creates an Engine running sources through caller.
func NewEngine(caller Doer, opts ...Option) *Engine {
	e := &Engine{caller: caller}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Aggregate runs every source concurrently, waits for all of them, and
// merges their events. If ctx is done before the merge the partial results
// are discarded and ctx.Err() is returned. When no source succeeded the error
// is gateway.ErrUnauthenticated if every failure was an authentication one,
// else ErrAllSourcesFailed.
func (e *Engine) Aggregate(ctx context.Context, store *auth.Store, sources []Source, params planner.Params, order Order) (Result, error) {
	log := shield.GetLogger(ctx)

	settled := make([]SourceResult, len(sources))
	unauth := make([]bool, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			events, err := e.run(ctx, log, store, src, params)
			settled[i] = SourceResult{Source: src.Name, Events: events}
			if err != nil {
				settled[i].Err = src.Name + ": " + horosafe.Truncate(detail(err), horosafe.MaxDetailLen)
				unauth[i] = errors.Is(err, gateway.ErrUnauthenticated)
			}
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res, ok := merge(settled, order)
	if !ok {
		if len(sources) > 0 && !slices.Contains(unauth, false) {
			return Result{}, gateway.ErrUnauthenticated
		}
		return Result{}, fmt.Errorf("%w: %s", ErrAllSourcesFailed, strings.Join(res.Errors, "; "))
	}

	if res.Partial {
		log.Warn("partial timeline", "errors", res.Errors)
		e.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventTimelinePartial,
			ServiceName: "timeline",
			EntityType:  "claim",
			EntityID:    params["claim"],
			UserID:      kit.GetUserID(ctx),
			Action:      "aggregate",
			Details:     map[string]any{"errors": res.Errors},
			Success:     true,
		})
		for range res.Errors {
			e.metrics.RecordSimple(observability.MetricTimelineSourceFailed, 1, "count")
		}
	}
	return res, nil
}

// run fetches and adapts one source. Adapter panics become errors.
func (e *Engine) run(ctx context.Context, log *slog.Logger, store *auth.Store, src Source, params planner.Params) ([]Event, error) {
	var events []Event
	err := connectivity.Recover(ctx, log.With("source", src.Name), func() error {
		res, err := e.caller.Do(ctx, store, src.Plan, params)
		if err != nil {
			return err
		}
		if err := res.Outcome.Err(); err != nil {
			return err
		}
		evs, err := src.Adapt(res.Outcome.Payload)
		if err != nil {
			return err
		}
		for i := range evs {
			evs[i].Source = src.Name
			evs[i].priority = src.Priority
		}
		events = evs
		return nil
	})
	return events, err
}

// merge concatenates successful sources, drops events without a timestamp
// and sorts the rest. ok is false when no source succeeded.
func merge(settled []SourceResult, order Order) (res Result, ok bool) {
	res.Events = []Event{}
	for _, s := range settled {
		if s.Err != "" {
			res.Partial = true
			res.Errors = append(res.Errors, s.Err)
			continue
		}
		ok = true
		for _, ev := range s.Events {
			if ev.Timestamp.IsZero() {
				continue
			}
			res.Events = append(res.Events, ev)
		}
	}
	slices.SortStableFunc(res.Events, func(a, b Event) int {
		c := a.Timestamp.Compare(b.Timestamp)
		if order == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res, ok
}

// detail strips package prefixes from err for client-facing annotations.
func detail(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"upstream: ", "timeline: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}
