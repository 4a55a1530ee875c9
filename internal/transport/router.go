package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/internal/procurement"
	"github.com/pitabwire/procura/internal/resource"
	"github.com/pitabwire/procura/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Errors      *Errors
	Keys        KeySource
	Members     MembershipResolver
	Procurement *procurement.Service
	Resources   *resource.Service
	Audit       *audit.Recorder

	// Idempotency wraps the organization routes when set.
	Idempotency func(http.Handler) http.Handler

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
	OpenAPIHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the OpenAPI document
// bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	errs := deps.Errors
	if errs == nil {
		errs = NewErrors(logger)
	}
	cfg := deps.Config
	maxPage := cfg.Resources.MaxPageSize

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))
	if cfg.Server.MaxBodyBytes > 0 {
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errs.Write(w, r, model.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errs.Write(w, r, model.NewBadRequestError("method not allowed"))
	})

	mount := func(pattern string, h http.Handler) {
		if h != nil {
			r.Method(http.MethodGet, pattern, h)
		}
	}
	mount("/healthz", deps.HealthHandler)
	mount("/readyz", deps.ReadyHandler)
	mount("/openapi.json", deps.OpenAPIHandler)
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mount(path, deps.MetricsHandler)
	}

	auth := NewAuthenticator(cfg.Identity, deps.Keys, errs)

	r.Route("/api/v1/organizations/{orgID}", func(r chi.Router) {
		r.Use(auth.Handler)
		r.Use(OrgMembership(deps.Members, errs))
		if cfg.Server.HandlerTimeout > 0 {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		}
		if deps.Idempotency != nil {
			r.Use(deps.Idempotency)
		}

		if svc := deps.Procurement; svc != nil {
			r.Route("/procurement", func(r chi.Router) {
				r.Get("/requests", handleRequestList(svc, errs, maxPage))
				r.Post("/requests", handleRequestCreate(svc, errs))
				r.Get("/requests/{requestID}", handleRequestGet(svc, errs))
				r.Patch("/requests/{requestID}", handleRequestUpdate(svc, errs))
				r.Post("/requests/{requestID}/transitions", handleRequestTransition(svc, errs))
				r.Get("/requests/{requestID}/steps", handleRequestSteps(svc, errs))
				r.Get("/requests/{requestID}/activity", handleRequestActivity(svc, errs))

				r.Get("/approvals", handleApprovalList(svc, errs, maxPage))
				r.Post("/approvals/{stepID}/decision", handleApprovalDecision(svc, errs))
			})
		}

		if deps.Audit != nil {
			r.Get("/audit-logs", handleAuditList(deps.Audit, errs, maxPage))
		}

		if svc := deps.Resources; svc != nil {
			r.Get("/{resource}", handleResourceList(svc, errs, maxPage))
			r.Post("/{resource}", handleResourceCreate(svc, errs))
			r.Get("/{resource}/{id}", handleResourceGet(svc, errs))
			r.Put("/{resource}/{id}", handleResourceWrite(svc, errs, true))
			r.Patch("/{resource}/{id}", handleResourceWrite(svc, errs, false))
			r.Delete("/{resource}/{id}", handleResourceDelete(svc, errs))
		}
	})

	return r
}
