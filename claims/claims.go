// Package claims serves the browser-facing read API of the gateway: claim
// lists and details, notes, participants, documents, the current user, and
// the merged activity timeline. Every read runs a degrading plan through the
// gateway so the caller gets the richest view its role allows.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/gateway"
	"github.com/peterbarone/claimtrackpro-web/horosafe"
	"github.com/peterbarone/claimtrackpro-web/planner"
	"github.com/peterbarone/claimtrackpro-web/shield"
	"github.com/peterbarone/claimtrackpro-web/timeline"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// Policy decides what a route answers when every variant was denied.
type Policy int

const (
	// EmptyOnDenied answers 200 with an empty list flagged as degraded.
	EmptyOnDenied Policy = iota
	// ForbidOnDenied answers 403.
	ForbidOnDenied
)

func (p Policy) String() string {
	if p == ForbidOnDenied {
		return "forbid"
	}
	return "empty"
}

// Route binds a read endpoint to its plan and denial policy.
type Route struct {
	Pattern string
	Plan    planner.Plan
	Policy  Policy
	params  func(r *http.Request) planner.Params
}

// Routes is the read API, except the timeline.
var Routes = []Route{
	{Pattern: "/api/me", Plan: PlanMe, Policy: ForbidOnDenied},
	{Pattern: "/api/claims", Plan: PlanClaimList, Policy: EmptyOnDenied, params: listParams},
	{Pattern: "/api/claims/{id}", Plan: PlanClaimDetail, Policy: ForbidOnDenied},
	{Pattern: "/api/claims/{id}/notes", Plan: PlanClaimNotes, Policy: EmptyOnDenied},
	{Pattern: "/api/claims/{id}/participants", Plan: PlanClaimParticipants, Policy: EmptyOnDenied},
	{Pattern: "/api/claims/{id}/documents", Plan: PlanClaimDocuments, Policy: EmptyOnDenied},
}

// Caller runs a plan for a request. *gateway.Caller implements it.
type Caller interface {
	Do(ctx context.Context, store *auth.Store, plan planner.Plan, params planner.Params) (planner.Result, error)
}

// Handler serves the read API.
type Handler struct {
	caller  Caller
	engine  *timeline.Engine
	sources func() []timeline.Source
}

// NewHandler creates a Handler. engine may be nil, in which case the
// timeline route is not mounted.
func NewHandler(caller Caller, engine *timeline.Engine) *Handler {
	return &Handler{caller: caller, engine: engine, sources: timeline.ClaimSources}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	for _, rt := range Routes {
		r.With(validID).Get(rt.Pattern, h.read(rt))
	}
	if h.engine != nil {
		r.With(validID).Get("/api/claims/{id}/timeline", h.timeline)
	}
}

// envelope is the JSON body of every successful read.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Degraded bool            `json:"degraded,omitempty"`
}

// apiError is the JSON body of every failed read.
type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) read(rt Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := planner.Params{"id": chi.URLParam(r, "id")}
		if rt.params != nil {
			params = rt.params(r)
		}
		code, body := h.run(r.Context(), storeFor(r), rt, params)
		if code == 0 {
			return
		}
		writeJSON(w, code, body)
	}
}

// run executes rt and maps the result to a status code and body. A zero
// code means the client went away and nothing should be written.
func (h *Handler) run(ctx context.Context, store *auth.Store, rt Route, params planner.Params) (int, any) {
	res, err := h.caller.Do(ctx, store, rt.Plan, params)
	if err != nil {
		return errorResponse(ctx, err)
	}
	out := res.Outcome
	switch out.Kind {
	case upstream.Success:
		return http.StatusOK, envelope{Data: out.Payload, Degraded: res.Degraded(rt.Plan)}
	case upstream.PermissionDenied:
		if rt.Policy == EmptyOnDenied {
			return http.StatusOK, envelope{Data: json.RawMessage("[]"), Degraded: true}
		}
		return http.StatusForbidden, apiError{Error: "Forbidden"}
	case upstream.NotFound:
		return http.StatusNotFound, apiError{Error: "Not found"}
	default:
		shield.GetLogger(ctx).Warn("upstream read failed", "plan", rt.Plan.Name, "outcome", out.Kind.String(), "status", out.Status, "detail", out.Detail)
		return http.StatusBadGateway, apiError{Error: "Upstream error", Detail: horosafe.Truncate(out.Detail, horosafe.MaxDetailLen)}
	}
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	code, body := h.aggregate(r.Context(), storeFor(r), chi.URLParam(r, "id"), timeline.ParseOrder(r.URL.Query().Get("order")))
	if code == 0 {
		return
	}
	writeJSON(w, code, body)
}

func (h *Handler) aggregate(ctx context.Context, store *auth.Store, claimID string, order timeline.Order) (int, any) {
	res, err := h.engine.Aggregate(ctx, store, h.sources(), planner.Params{"claim": claimID}, order)
	if err != nil {
		return errorResponse(ctx, err)
	}
	return http.StatusOK, res
}

func errorResponse(ctx context.Context, err error) (int, any) {
	switch {
	case ctx.Err() != nil:
		return 0, nil
	case errors.Is(err, gateway.ErrUnauthenticated):
		return http.StatusUnauthorized, apiError{Error: "Unauthorized"}
	default:
		shield.GetLogger(ctx).Warn("read failed", "error", err)
		return http.StatusBadGateway, apiError{Error: "Upstream error", Detail: horosafe.Truncate(err.Error(), horosafe.MaxDetailLen)}
	}
}

// storeFor returns the store installed by auth.Middleware. Without the
// middleware the credential is still read but rotation is not written back.
func storeFor(r *http.Request) *auth.Store {
	if s := auth.StoreFrom(r.Context()); s != nil {
		return s
	}
	return auth.NewStore(r)
}

func listParams(r *http.Request) planner.Params {
	return planner.Params{"status": r.URL.Query().Get("status")}
}

// validID rejects path ids that are not plain identifiers.
func validID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chi.URLParam(r, "id"); id != "" {
			if err := horosafe.ValidateIdentifier(id); err != nil {
				writeJSON(w, http.StatusBadRequest, apiError{Error: "Invalid id"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
