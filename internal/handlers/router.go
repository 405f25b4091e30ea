package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/store-api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 60 * time.Second
)

// mount is a route group under /api/v1. An empty prefix registers directly on the versioned router,
// which custom-method paths such as /coupons:validate need.
type mount struct {
	prefix      string
	register    func(chi.Router)
	middlewares []func(http.Handler) http.Handler
}

type routerSettings struct {
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	mounts      []mount
}

type RouterOption func(*routerSettings)

// WithMiddlewares appends middleware applied to every route, health probes included.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) RouterOption {
	return func(s *routerSettings) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) RouterOption {
	return func(s *routerSettings) {
		if h != nil {
			s.health = h
		}
	}
}

// WithRequestTimeout bounds handler execution. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) RouterOption {
	return func(s *routerSettings) {
		s.timeout = d
	}
}

// WithMount registers a route group under /api/v1/<prefix>, wrapped in mw.
func WithMount(prefix string, register func(chi.Router), mw ...func(http.Handler) http.Handler) RouterOption {
	return func(s *routerSettings) {
		if register == nil {
			return
		}
		s.mounts = append(s.mounts, mount{prefix: prefix, register: register, middlewares: mw})
	}
}

// NewRouter builds the HTTP surface: /healthz and /readyz at the root and every mounted group under
// /api/v1. Unknown paths and methods answer with the JSON error envelope.
func NewRouter(opts ...RouterOption) chi.Router {
	s := routerSettings{timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.health == nil {
		s.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}
	for _, mw := range s.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, m := range s.mounts {
			if m.prefix == "" {
				api.Group(func(group chi.Router) {
					useAll(group, m.middlewares)
					m.register(group)
				})
				continue
			}
			api.Route(m.prefix, func(group chi.Router) {
				useAll(group, m.middlewares)
				m.register(group)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []func(http.Handler) http.Handler) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("route_not_found", "no route for "+r.URL.Path, http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w,
		httpx.NewError("method_not_allowed", r.Method+" is not allowed on "+r.URL.Path, http.StatusMethodNotAllowed))
}
