// Package httpserver exposes the engine's HTTP API: rule and instance
// lifecycle, commitments, calendar connection and on-demand passes.
package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/instances"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/metrics"
	"github.com/hray3182/duesync/internal/scheduler"
	"github.com/hray3182/duesync/internal/store"
)

type Config struct {
	// AdminToken guards every API route. Empty leaves the API open.
	AdminToken        string
	PrometheusEnabled bool
	// StateSecret signs OAuth state.
	StateSecret string
	StateTTL    time.Duration
	// HorizonDays is the default window of instance listings.
	HorizonDays int
}

// Deps are the services the handlers call. Provider is nil when no
// calendar is configured.
type Deps struct {
	Store       *store.Store
	Instances   *instances.Service
	Sync        *calsync.Coordinator
	Scheduler   *scheduler.Scheduler
	Provider    calendar.Provider
	Clock       clock.Clock
	DefaultZone *time.Location
}

type Server struct {
	Deps
	cfg   Config
	state *stateSigner
}

// NewRouter wires all HTTP routes.
func NewRouter(cfg Config, deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.DefaultZone == nil {
		deps.DefaultZone = time.UTC
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 15 * time.Minute
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = instances.DefaultHorizonDays
	}
	s := &Server{
		Deps:  deps,
		cfg:   cfg,
		state: newStateSigner(cfg.StateSecret, cfg.StateTTL, deps.Clock),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := deps.Store.HealthCheck(ctx); err != nil {
			log.Warn("readiness check failed", "err", err)
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	// The OAuth redirect comes from the user's browser and carries no admin
	// token; the signed state authenticates it.
	callbackLimiter := rate.NewLimiter(rate.Limit(5), 10)
	r.With(limit(callbackLimiter)).Get("/calendar/callback", s.calendarCallback)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.AdminToken))

		r.Post("/run", s.runAll)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Put("/", s.upsertUser)
			r.Post("/run", s.runUser)

			r.Get("/rules", s.listRules)
			r.Post("/rules", s.createRule)
			r.Get("/instances", s.listInstances)

			r.Get("/commitments", s.listCommitments)
			r.Post("/commitments", s.createCommitment)

			r.Get("/calendar", s.getConnection)
			r.Get("/calendar/connect", s.connectCalendar)
			r.Put("/calendar/credentials", s.putCredentials)
			r.Post("/calendar/sync", s.syncCalendar)
		})

		r.Route("/rules/{ruleID}", func(r chi.Router) {
			r.Get("/", s.getRule)
			r.Put("/", s.updateRule)
			r.Delete("/", s.deleteRule)
			r.Post("/pause", s.pauseRule)
			r.Post("/resume", s.resumeRule)
		})

		r.Route("/instances/{instanceID}", func(r chi.Router) {
			r.Get("/", s.getInstance)
			r.Post("/pay", s.payInstance)
			r.Post("/postpone", s.postponeInstance)
		})

		r.Route("/commitments/{commitmentID}", func(r chi.Router) {
			r.Get("/", s.getCommitment)
			r.Put("/", s.updateCommitment)
			r.Delete("/", s.deleteCommitment)
			r.Post("/push", s.pushCommitment)
		})
	})

	return r
}

// requireToken checks a bearer token in constant time.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="duesync"`)
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) oauth() (calendar.OAuthProvider, bool) {
	if s.Provider == nil {
		return nil, false
	}
	p, ok := s.Provider.(calendar.OAuthProvider)
	return p, ok
}
