package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/config"
	"github.com/pitabwire/voltplan/internal/engine"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Engine             *engine.Engine
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	// Optional.
	Reloader  CatalogReloader
	Flusher   CacheFlusher
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		r.Handle("/metrics", observability.HandlerFor(deps.Gatherer))
	} else {
		r.Handle("/metrics", observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	e := deps.Engine

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapCatalogRead))
			r.Get("/catalog/types", handleListTypes(e, logger))
			r.Get("/catalog/types/{type}/makes", handleListMakes(e, logger))
			r.Get("/catalog/types/{type}/models", handleListModels(e, logger))
			r.Get("/sizing", handleSizing(logger))
			r.Post("/distribution", handleDistribute(e, logger))
			r.Post("/strings/validate", handleValidateStrings(e, logger))
		})

		r.With(RequireCapability(model.CapCatalogReload)).
			Post("/catalog/reload", handleReloadCatalog(e, deps.Reloader, deps.Flusher, logger))

		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(model.CapFieldsRead))
				r.Get("/fields", handleGetFields(e, logger))
				r.Get("/history", handleHistory(e, logger))
				r.Get("/slots/{slot}/options/{level}", handleOptions(e, logger))
				r.Get("/configuration", handleConfiguration(e, logger))
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(model.CapFieldsWrite))
				r.Post("/fields", handleChangeField(e, logger))
				r.Delete("/slots/{slot}", handleRemoveSlot(e, logger))
				r.Post("/slots/{slot}/distribution", handleDistributeSlot(e, logger))
				r.Post("/recompute", handleRecompute(e, logger))
				r.Post("/bos", handleApplyBOS(e, logger))
			})
		})
	})

	return r
}
