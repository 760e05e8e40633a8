package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const readyTimeout = 2 * time.Second

type RouterOptions struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	Manager            *session.Manager
	Verifier           auth.Verifier
	// WebSocket serves GET /ws. Metrics serves GET /metrics.
	WebSocket http.Handler
	Metrics   http.Handler
	// Ready reports whether storage is reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Router builds the HTTP router with health checks, metrics, the websocket
// endpoint and the session REST API.
func Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", opts.WebSocket)
	}

	api := &sessionAPI{manager: opts.Manager}
	a := &authenticator{verifier: opts.Verifier}
	r.Route("/api", func(r chi.Router) {
		r.Use(otelhttp.NewMiddleware("pokerpoints.api"))
		r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))

		r.Group(func(r chi.Router) {
			r.Use(a.optional)
			r.Post("/sessions", api.createSession)
			r.Get("/sessions/{code}", api.sessionInfo)
			r.Get("/sessions/{code}/state", api.sessionState)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.required)
			r.Post("/sessions/{code}/deactivate", api.deactivate)
			r.Get("/sessions/{code}/history", api.history)
			r.Get("/me/sessions", api.mySessions)
		})
	})
	return r
}
