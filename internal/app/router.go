package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowdeck/flowdeck/internal/audit"
	"github.com/flowdeck/flowdeck/internal/auth"
	"github.com/flowdeck/flowdeck/internal/authz"
	"github.com/flowdeck/flowdeck/internal/observability"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	AuthMiddleware auth.Middleware
	AuthzHandler   *authz.Handler
	AuthzGuard     authz.Middleware
	AuditHandler   *audit.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Flowdeck defaults. The whole
// management surface sits behind bearer authentication; role and assignment
// administration additionally requires the Admin guard. Decision endpoints
// only need a verified identity.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(params.AuthMiddleware.Authenticate)

		if params.AuthzHandler != nil {
			params.AuthzHandler.MountDecisionRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(params.AuthzGuard.RequireAdmin())
				params.AuthzHandler.MountManagementRoutes(r)
				if params.AuditHandler != nil {
					params.AuditHandler.MountRoutes(r)
				}
			})
		}
	})

	return r
}
