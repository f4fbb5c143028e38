package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/horosafe"
	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/planner"
	"github.com/peterbarone/claimtrackpro-web/shield"
	"github.com/peterbarone/claimtrackpro-web/timeline"
)

// RegisterMCP registers the read tools on an MCP server. Tool calls carry no
// browser credential: each call runs with a token from ts, normally the
// service account.
func (h *Handler) RegisterMCP(srv *mcp.Server, ts oauth2.TokenSource) {
	h.registerDetailTool(srv, ts)
	h.registerListTool(srv, ts)
	if h.engine != nil {
		h.registerTimelineTool(srv, ts)
	}
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// tool wraps a tool endpoint with call logging and a carrier-less store
// holding the access token from ts.
func tool(name string, ts oauth2.TokenSource, endpoint kit.Endpoint) kit.Endpoint {
	return kit.Chain(logged(name), serviceStore(ts))(endpoint)
}

func logged(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			log := shield.GetLogger(ctx).With("tool", name, "duration_ms", time.Since(start).Milliseconds())
			if err != nil {
				log.Warn("mcp tool failed", "error", err)
			} else {
				log.Debug("mcp tool")
			}
			return resp, err
		}
	}
}

func serviceStore(ts oauth2.TokenSource) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			tok, err := ts.Token()
			if err != nil {
				return nil, fmt.Errorf("service token: %w", err)
			}
			// The refresh token stays with ts, which rotates it; a call that
			// hits an expired token fails instead of spending it.
			p := auth.PairFromOAuth2(tok)
			p.RefreshToken = ""
			return next(auth.WithStore(ctx, auth.NewStaticStore(p)), req)
		}
	}
}

// toolResult turns a (code, body) pair into a tool result or error.
func toolResult(code int, body any) (any, error) {
	switch b := body.(type) {
	case apiError:
		if b.Detail != "" {
			return nil, fmt.Errorf("%s (%d): %s", b.Error, code, b.Detail)
		}
		return nil, fmt.Errorf("%s (%d)", b.Error, code)
	case nil:
		return nil, errors.New("canceled")
	}
	return body, nil
}

type claimRequest struct {
	ClaimID string `json:"claim_id"`
	Order   string `json:"order,omitempty"`
}

var decodeClaimRequest = kit.JSONArgs(func(r *claimRequest) error {
	return horosafe.ValidateIdentifier(r.ClaimID)
})

func (h *Handler) registerDetailTool(srv *mcp.Server, ts oauth2.TokenSource) {
	t := &mcp.Tool{
		Name:        "claim_detail",
		Description: "Fetch one claim with the richest field set the service account may read.",
		InputSchema: inputSchema(map[string]any{
			"claim_id": map[string]any{"type": "string", "description": "Claim id"},
		}, []string{"claim_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*claimRequest)
		return toolResult(h.run(ctx, auth.StoreFrom(ctx), Route{Plan: PlanClaimDetail, Policy: ForbidOnDenied}, planner.Params{"id": r.ClaimID}))
	}

	kit.RegisterMCPTool(srv, t, tool(t.Name, ts, endpoint), decodeClaimRequest)
}

type listRequest struct {
	Status string `json:"status,omitempty"`
}

func (h *Handler) registerListTool(srv *mcp.Server, ts oauth2.TokenSource) {
	t := &mcp.Tool{
		Name:        "claim_list",
		Description: "List the most recent claims, optionally filtered by status name.",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "description": "Status name filter (e.g. Open)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listRequest)
		return toolResult(h.run(ctx, auth.StoreFrom(ctx), Route{Plan: PlanClaimList, Policy: EmptyOnDenied}, planner.Params{"status": r.Status}))
	}

	kit.RegisterMCPTool(srv, t, tool(t.Name, ts, endpoint), kit.JSONArgs[listRequest](nil))
}

func (h *Handler) registerTimelineTool(srv *mcp.Server, ts oauth2.TokenSource) {
	t := &mcp.Tool{
		Name:        "claim_timeline",
		Description: "Activity timeline of a claim: status changes, notes, tasks and documents merged by time. Partial when some sources are unreadable.",
		InputSchema: inputSchema(map[string]any{
			"claim_id": map[string]any{"type": "string", "description": "Claim id"},
			"order":    map[string]any{"type": "string", "enum": []any{"asc", "desc"}, "description": "Sort direction (default asc)"},
		}, []string{"claim_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*claimRequest)
		return toolResult(h.aggregate(ctx, auth.StoreFrom(ctx), r.ClaimID, timeline.ParseOrder(r.Order)))
	}

	kit.RegisterMCPTool(srv, t, tool(t.Name, ts, endpoint), decodeClaimRequest)
}
