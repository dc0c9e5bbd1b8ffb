package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bastionhq/bastion/internal/assignments"
	"github.com/bastionhq/bastion/internal/audit"
	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/authz"
	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/grants"
	"github.com/bastionhq/bastion/internal/observability"
	"github.com/bastionhq/bastion/internal/roles"
	"github.com/bastionhq/bastion/internal/shared"
	"github.com/bastionhq/bastion/internal/users"
	"github.com/bastionhq/bastion/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	SessionManager     *shared.SessionManager
	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	EnterpriseHandler  *enterprise.Handler
	CatalogHandler     *catalog.Handler
	GrantsHandler      *grants.Handler
	AssignmentsHandler *assignments.Handler
	RolesHandler       *roles.Handler
	AuthzHandler       *authz.Handler
	AuditHandler       *audit.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Bastion defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	r.Route("/users", func(r chi.Router) {
		params.UsersHandler.MountPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(authz.RequireUser)
			params.UsersHandler.MountRoutes(r)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authz.RequireUser)

		r.Route("/enterprises", params.EnterpriseHandler.MountRoutes)
		r.Route("/permissions", params.CatalogHandler.MountRoutes)
		r.Route("/enterprise-permissions", params.GrantsHandler.MountRoutes)
		r.Route("/user-permissions", params.AssignmentsHandler.MountRoutes)
		r.Route("/roles", params.RolesHandler.MountRoutes)
		r.Route("/authz", params.AuthzHandler.MountRoutes)
		if params.AuditHandler != nil {
			r.Route("/audit-logs", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
