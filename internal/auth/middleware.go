package auth

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/shared"
)

// PrincipalMiddleware resolves the session's user into a Principal and puts
// it in the request context. Requests without a valid signed-in session pass
// through without a principal; route guards decide whether that matters.
func PrincipalMiddleware(users IdentityPort, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			if sess == nil || sess.User() == "" {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := uuid.Parse(sess.User())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			user, err := users.FindUserByID(r.Context(), userID)
			if err != nil {
				// Deleted account with a live session: treat as signed out.
				if logger != nil {
					logger.Warn("session user lookup", slog.Any("error", err))
				}
				next.ServeHTTP(w, r)
				return
			}
			principal := &shared.Principal{
				UserID:   user.ID,
				UserName: user.UserName,
				GroupID:  user.GroupID,
				Roles:    user.Roles,
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
