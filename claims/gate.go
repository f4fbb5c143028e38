package claims

import (
	"encoding/json"
	"net/http"

	"github.com/peterbarone/claimtrackpro-web/kit"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// RequireUser lets a request through only when its own credential is
// accepted by the upstream, checked by reading the current user. The static
// fallback token never satisfies it. A credential rotated by the check is
// written back like any other read.
func (h *Handler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		store := storeFor(r)
		if _, ok := store.Read(); !ok {
			writeJSON(w, http.StatusUnauthorized, apiError{Error: "Unauthorized"})
			return
		}
		res, err := h.caller.Do(ctx, store, PlanMe, nil)
		if err != nil {
			if code, body := errorResponse(ctx, err); code != 0 {
				writeJSON(w, code, body)
			}
			return
		}
		switch res.Outcome.Kind {
		case upstream.Success:
			var me struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(res.Outcome.Payload, &me) == nil && me.ID != "" && kit.GetUserID(ctx) == "" {
				ctx = kit.WithUserID(ctx, me.ID)
			}
		case upstream.PermissionDenied, upstream.NotFound:
			// Accepted credential whose role cannot read its own profile.
		default:
			writeJSON(w, http.StatusBadGateway, apiError{Error: "Upstream error"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
