package gateway

import (
	"context"
	"time"

	"github.com/peterbarone/claimtrackpro-web/horosafe"
	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/observability"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// RefreshEvents returns a refresh hook for auth.WithRefreshHook that records
// every credential exchange as a business event.
func RefreshEvents(el *observability.EventLogger) func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		ev := observability.BusinessEvent{
			EventType:   observability.EventCredentialRefreshed,
			ServiceName: serviceName,
			EntityType:  "credential",
			UserID:      kit.GetUserID(ctx),
			Action:      "refresh",
			Success:     err == nil,
		}
		if err != nil {
			ev.EventType = observability.EventRefreshFailed
			ev.Details = map[string]any{"error": horosafe.Truncate(err.Error(), horosafe.MaxDetailLen)}
		}
		el.LogEvent(ctx, ev)
	}
}

// MetricsObserver returns an upstream.Observer recording call duration and
// outcome per collection.
func MetricsObserver(mm *observability.MetricsManager) upstream.Observer {
	return func(ctx context.Context, req upstream.Request, out upstream.Outcome, dur time.Duration) {
		target := req.Collection
		if target == "" {
			target = req.Path
		}
		labels := map[string]string{
			"target":    target,
			"outcome":   out.Kind.String(),
			"transport": kit.GetTransport(ctx),
		}
		now := time.Now()
		mm.Record(&observability.Metric{
			Name:      observability.MetricUpstreamCallMs,
			Timestamp: now,
			Value:     float64(dur.Milliseconds()),
			Labels:    labels,
			Unit:      "milliseconds",
		})
		mm.Record(&observability.Metric{
			Name:      observability.MetricUpstreamOutcome,
			Timestamp: now,
			Value:     1,
			Labels:    labels,
			Unit:      "count",
		})
	}
}
