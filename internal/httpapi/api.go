// Package httpapi exposes the security core over HTTP/JSON and gRPC health.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/csrf"
	"consoleguard.io/internal/guard"
	"consoleguard.io/internal/impersonation"
	"consoleguard.io/internal/obs"
	"consoleguard.io/internal/ratelimit"
	"consoleguard.io/internal/slug"
)

const serviceName = "consoleguard-api"

// Checker reports whether one dependency is usable.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Deps are the core components served by the API.
type Deps struct {
	Sessions *impersonation.Manager
	Guard    *guard.Guard
	Audit    *audit.Log
	CSRF     *csrf.Manager
	Slugs    *slug.Resolver
	Limiter  *ratelimit.Limiter
	Issuer   *auth.Issuer
	// Components are probed by /readyz and the gRPC health service, by name.
	Components map[string]Checker
	Version    string
}

func (d Deps) validate() error {
	if d.Sessions == nil || d.Guard == nil || d.Audit == nil || d.CSRF == nil ||
		d.Slugs == nil || d.Limiter == nil || d.Issuer == nil {
		return errors.New("httpapi: every core component is required")
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	sessions   *impersonation.Manager
	guard      *guard.Guard
	audit      *audit.Log
	csrf       *csrf.Manager
	slugs      *slug.Resolver
	limiter    *ratelimit.Limiter
	issuer     *auth.Issuer
	components map[string]Checker
	version    string

	ipLimiter *IPLimiter
	origins   []string
	maxBody   int64
}

// Option configures API.
type Option func(*API)

// WithIPLimiter puts a per-IP token bucket in front of every route.
func WithIPLimiter(l *IPLimiter) Option {
	return func(a *API) { a.ipLimiter = l }
}

// WithAllowedOrigins sets the CORS allow-list.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = origins }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New builds the router.
func New(deps Deps, opts ...Option) (*API, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	a := &API{
		sessions:   deps.Sessions,
		guard:      deps.Guard,
		audit:      deps.Audit,
		csrf:       deps.CSRF,
		slugs:      deps.Slugs,
		limiter:    deps.Limiter,
		issuer:     deps.Issuer,
		components: deps.Components,
		version:    deps.Version,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, middleware.Recoverer, SecurityHeaders, CORS(a.origins), MaxBodyBytes(a.maxBody))
	if a.ipLimiter != nil {
		r.Use(a.ipLimiter.Middleware)
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)

		// Token issue and check, and guarded authorize, handle CSRF themselves.
		r.Post("/csrf", a.issueCSRF)
		r.Post("/csrf/validate", a.validateCSRF)
		r.Post("/impersonations/{id}/authorize", a.authorize)

		r.Group(func(r chi.Router) {
			r.Use(a.requireCSRF)

			r.Post("/impersonations", a.createSession)
			r.Get("/impersonations", a.listSessions)
			r.Post("/impersonations/sweep", a.sweepSessions)
			r.Get("/impersonations/{id}", a.getSession)
			r.Post("/impersonations/{id}/end", a.endSession)

			r.Get("/audit", a.queryAudit)
			r.Post("/audit", a.recordAudit)

			r.Post("/slugs/resolve", a.resolveSlug)
			r.Post("/slugs/claim", a.claimSlug)

			r.Post("/ratelimit/check", a.checkRateLimit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":      map[string]string{"code": "NOT_FOUND", "message": "no such route"},
			"request_id": requestIDFrom(r.Context()),
		})
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, c := range a.components {
		if err := c.Check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not_ready",
			"components": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
