package permissions

import (
	"log/slog"
	"net/http"

	"github.com/tessera-admin/tessera/internal/platform/httpx"
	"github.com/tessera-admin/tessera/internal/shared"
)

// RequireAPI gates a route subtree on api claims: the authenticated
// principal must hold a claim for the request's "path|method". Routes
// behind it assume an authenticated principal in context.
func (s *Service) RequireAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := shared.PrincipalFromContext(r.Context())
		if principal == nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
			return
		}
		allowed, err := s.Authorize(r.Context(), principal, r.URL.Path, r.Method)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("authorize request", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if !allowed {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
