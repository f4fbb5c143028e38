// Package gateway runs query plans against the upstream on behalf of an
// inbound request: it picks the request's credential, executes the plan, and
// on an expired credential refreshes once and replays the plan from its
// first variant. Callers never see an expired-credential outcome; they get
// ErrUnauthenticated instead.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/observability"
	"github.com/peterbarone/claimtrackpro-web/planner"
	"github.com/peterbarone/claimtrackpro-web/shield"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// ErrUnauthenticated is returned when the request has no usable credential
// after at most one refresh.
var ErrUnauthenticated = auth.ErrUnauthenticated

const serviceName = "gateway"

// Caller executes plans with transparent credential refresh.
type Caller struct {
	client planner.Caller
	coord  *auth.Coordinator
	events *observability.EventLogger
	logger *slog.Logger
}

// Option configures a Caller.
type Option func(*Caller)

// WithEvents records degraded reads as business events.
func WithEvents(el *observability.EventLogger) Option {
	return func(c *Caller) { c.events = el }
}

// WithLogger sets the logger used when the request carries none.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

// New creates a Caller sending attempts through client and credentials
// through coord.
func New(client planner.Caller, coord *auth.Coordinator, opts ...Option) *Caller {
	c := &Caller{client: client, coord: coord}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do runs plan for the request owning store. The returned Result never
// carries AuthExpired: a second expiry, or a failed refresh, is reported as
// ErrUnauthenticated. Context errors are returned as-is.
func (c *Caller) Do(ctx context.Context, store *auth.Store, plan planner.Plan, params planner.Params) (planner.Result, error) {
	log := c.log(ctx).With("plan", plan.Name)

	pair, err := c.coord.EnsureFresh(ctx, store)
	if err != nil {
		return planner.Result{}, unauthenticated(ctx, err)
	}

	res := planner.Execute(ctx, c.client, plan, params, pair.AccessToken)
	if res.Outcome.Kind == upstream.AuthExpired {
		log.Debug("credential expired, refreshing", "ordinal", res.Ordinal)
		pair, err = c.coord.RefreshAndRetry(ctx, store)
		if err != nil {
			return planner.Result{}, unauthenticated(ctx, err)
		}
		res = planner.Execute(ctx, c.client, plan, params, pair.AccessToken)
		if res.Outcome.Kind == upstream.AuthExpired {
			log.Warn("credential rejected after refresh")
			return planner.Result{}, fmt.Errorf("%w: rejected after refresh", ErrUnauthenticated)
		}
	}

	if res.Outcome.OK() && res.Degraded(plan) {
		log.Info("degraded read", "ordinal", res.Ordinal, "attempts", res.Attempts)
		c.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventVariantDegraded,
			ServiceName: serviceName,
			EntityType:  "plan",
			EntityID:    plan.Name,
			UserID:      kit.GetUserID(ctx),
			Action:      "execute",
			Details:     map[string]any{"ordinal": res.Ordinal, "attempts": res.Attempts},
			Success:     true,
		})
	}
	return res, nil
}

func (c *Caller) log(ctx context.Context) *slog.Logger {
	if c.logger != nil && ctx.Value(shield.LoggerKey) == nil {
		return c.logger
	}
	return shield.GetLogger(ctx)
}

func unauthenticated(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if errors.Is(err, ErrUnauthenticated) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
}
