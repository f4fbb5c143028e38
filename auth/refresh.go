package auth

import (
	"context"
	"log/slog"
)

// Exchanger trades a refresh token for a new credential pair. Rejections of
// the refresh token itself must wrap ErrRefreshRejected.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (Pair, error)
}

// Coordinator decides which credential a request uses and performs the
// refresh exchange at most once per request, whatever the number of
// concurrent sub-calls that hit an expired token.
type Coordinator struct {
	exchanger Exchanger
	fallback  string
	logger    *slog.Logger
	onRefresh func(ctx context.Context, err error)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithFallbackToken sets a static access token used when the request carries
// no credential at all. The fallback can never be refreshed.
func WithFallbackToken(token string) CoordinatorOption {
	return func(c *Coordinator) { c.fallback = token }
}

// WithCoordinatorLogger sets the logger for refresh events.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithRefreshHook registers fn to run after every actual exchange with its
// result. Coalesced callers do not trigger it.
func WithRefreshHook(fn func(ctx context.Context, err error)) CoordinatorOption {
	return func(c *Coordinator) { c.onRefresh = fn }
}

// NewCoordinator creates a Coordinator exchanging refresh tokens through ex.
func NewCoordinator(ex Exchanger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{exchanger: ex, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureFresh returns the credential to use for the next upstream call.
// A present access token is returned as-is even if it may have expired: the
// caller finds out through an AuthExpired outcome and calls RefreshAndRetry.
// A pair holding only a refresh token is refreshed up front. Once a
// rejected refresh has dropped the request's pair, the fallback token no
// longer applies and the rejection is returned.
func (c *Coordinator) EnsureFresh(ctx context.Context, s *Store) (Pair, error) {
	if p, ok := s.Read(); ok {
		if p.AccessToken != "" {
			return p, nil
		}
		if p.CanRefresh() {
			return c.RefreshAndRetry(ctx, s)
		}
	}
	if err := s.rejectedErr(); err != nil {
		return Pair{}, err
	}
	if c.fallback != "" {
		return Pair{AccessToken: c.fallback}, nil
	}
	return Pair{}, ErrUnauthenticated
}

// RefreshAndRetry exchanges the store's refresh token for a new pair. The
// exchange happens at most once per store; concurrent and later callers
// share its outcome. On success the new pair is scheduled on the response.
func (c *Coordinator) RefreshAndRetry(ctx context.Context, s *Store) (Pair, error) {
	return s.refreshOnce(ctx, func(ctx context.Context, refreshToken string) (Pair, error) {
		p, err := c.exchanger.Exchange(ctx, refreshToken)
		if c.onRefresh != nil {
			c.onRefresh(ctx, err)
		}
		if err != nil {
			c.logger.WarnContext(ctx, "credential refresh failed", "error", err)
			return Pair{}, err
		}
		c.logger.InfoContext(ctx, "credential refreshed")
		return p, nil
	})
}
