package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tessera-admin/tessera/internal/auth"
	"github.com/tessera-admin/tessera/internal/elements"
	"github.com/tessera-admin/tessera/internal/groups"
	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/permissions"
	"github.com/tessera-admin/tessera/internal/rules"
	"github.com/tessera-admin/tessera/internal/shared"
	"github.com/tessera-admin/tessera/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager

	AuthHandler     *auth.Handler
	IdentityHandler *identity.Handler
	GroupsHandler   *groups.Handler
	ElementsHandler *elements.Handler
	RulesHandler    *rules.Handler
	JobsHandler     *jobs.Handler

	Principal  func(http.Handler) http.Handler
	Permission *permissions.Service
}

// NewRouter constructs the chi.Router with Tessera defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	if params.Principal != nil {
		r.Use(params.Principal)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", params.AuthHandler.MountRoutes)
		if params.ElementsHandler != nil {
			params.ElementsHandler.MountUserRoutes(r)
		}

		// Everything below is claim-gated per "path|method".
		r.Group(func(r chi.Router) {
			if params.Permission != nil {
				r.Use(params.Permission.RequireAPI)
			}
			if params.IdentityHandler != nil {
				params.IdentityHandler.MountRoutes(r)
			}
			if params.GroupsHandler != nil {
				r.Route("/groups", params.GroupsHandler.MountRoutes)
			}
			if params.ElementsHandler != nil {
				r.Route("/elements", params.ElementsHandler.MountRoutes)
			}
			if params.RulesHandler != nil {
				r.Route("/rules", params.RulesHandler.MountRoutes)
			}
			if params.JobsHandler != nil {
				r.Route("/jobs", params.JobsHandler.MountRoutes)
			}
		})
	})

	return r
}
