// Package upstream talks to the headless data API the gateway fronts. A
// Client performs exactly one network attempt per call and classifies the
// response; retries, refresh and degradation live in the callers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/peterbarone/claimtrackpro-web/connectivity"
	"github.com/peterbarone/claimtrackpro-web/horosafe"
)

const serviceName = "upstream"

// DefaultTimeout bounds every upstream call when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Config holds the connection settings of the upstream API.
type Config struct {
	BaseURL string        // e.g. "https://data.example.com"
	Timeout time.Duration // per-call bound, DefaultTimeout when zero
}

// Observer is notified after every upstream call.
type Observer func(ctx context.Context, req Request, out Outcome, dur time.Duration)

// Client issues requests to the upstream API.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *connectivity.CircuitBreaker
	logger  *slog.Logger
	observe Observer
	maxBody int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker sets the circuit breaker guarding the upstream.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver registers a callback invoked after every call.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// WithMaxBody caps the response body size read per call.
func WithMaxBody(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    &http.Client{},
		breaker: connectivity.NewCircuitBreaker(),
		logger:  slog.Default(),
		maxBody: horosafe.MaxResponseBody * 8,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BreakerState reports the state of the upstream circuit breaker.
func (c *Client) BreakerState() connectivity.BreakerState {
	return c.breaker.State()
}

// Healthy reports whether the upstream is not known to be down.
func (c *Client) Healthy() bool {
	return c.breaker.Allow()
}

// Call performs one attempt of req with the bearer token (anonymous when
// empty) and classifies the response. It never returns an error: transport
// failures, timeouts and malformed bodies become TransientError outcomes.
func (c *Client) Call(ctx context.Context, req Request, token string) Outcome {
	start := time.Now()
	var out Outcome
	if err := c.breaker.Guard(serviceName); err != nil {
		out = transient(0, err.Error())
	} else {
		status, body, err := c.roundTrip(ctx, req.method(), req.ResolvedPath()+encodeQuery(req), req.Body, token)
		if err != nil {
			out = transient(status, err.Error())
		} else {
			out = classify(status, body)
		}
		c.record(ctx, out)
	}

	dur := time.Since(start)
	c.logger.DebugContext(ctx, "upstream call",
		"request", req.String(),
		"outcome", out.Kind.String(),
		"status", out.Status,
		"duration_ms", dur.Milliseconds())
	if c.observe != nil {
		c.observe(ctx, req, out, dur)
	}
	return out
}

// record feeds the breaker. Only server-side failures count against the
// upstream; a caller giving up is not the upstream's fault.
func (c *Client) record(ctx context.Context, out Outcome) {
	if ctx.Err() != nil {
		c.breaker.Abandon()
		return
	}
	if out.Kind == TransientError && (out.Status == 0 || out.Status >= 500) {
		c.breaker.RecordFailure()
		return
	}
	c.breaker.RecordSuccess()
}

func encodeQuery(req Request) string {
	if q := req.Values().Encode(); q != "" {
		return "?" + q
	}
	return ""
}

// roundTrip sends one request bounded by the client timeout and returns the
// status and the (size-capped) body.
func (c *Client) roundTrip(ctx context.Context, method, pathAndQuery string, body any, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("timeout after %s", c.timeout)
		}
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, c.maxBody)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
