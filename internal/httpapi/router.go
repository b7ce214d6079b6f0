// Package httpapi serves the governance operations as a JSON REST API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/identity"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// API carries the dependencies of every handler.
type API struct {
	svc       *governance.Service
	auth      identity.Authenticator
	rulesPath string
	logger    zerolog.Logger
}

// Option configures an API.
type Option func(*API)

// WithRulesPath enables POST /v1/policy/reload for the given file.
func WithRulesPath(path string) Option {
	return func(a *API) { a.rulesPath = path }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New returns the API router. Every /v1 route requires a bearer token that
// auth accepts.
func New(svc *governance.Service, auth identity.Authenticator, opts ...Option) http.Handler {
	a := &API{svc: svc, auth: auth}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Post("/risk/assess", a.assessRisk)
		r.Post("/risk/reassess", a.reassessRisk)
		r.Get("/risk/tools", a.listTools)
		r.Post("/risk/tools", a.registerTool)
		r.Post("/tool-calls/evaluate", a.evaluateToolCall)

		r.Post("/policy/evaluate", a.evaluatePolicy)
		r.Post("/policy/reload", a.reloadRules)
		r.Route("/policy/rules", func(r chi.Router) {
			r.Get("/", a.listRules)
			r.Post("/", a.createRule)
			r.Get("/{id}", a.getRule)
			r.Put("/{id}", a.updateRule)
			r.Delete("/{id}", a.deleteRule)
			r.Post("/{id}/enable", a.setRuleEnabled(true))
			r.Post("/{id}/disable", a.setRuleEnabled(false))
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", a.listWorkflows)
			r.Post("/", a.startWorkflow)
			r.Get("/types", a.workflowTypes)
			r.Get("/{id}", a.getWorkflow)
			r.Get("/{id}/events", a.workflowEvents)
			r.Post("/{id}/resume", a.resumeWorkflow)
			r.Post("/{id}/cancel", a.cancelWorkflow)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", a.queryAuditEvents)
			r.Post("/events", a.appendAuditEvent)
			r.Get("/verify", a.verifyAudit)
			r.Get("/stats", a.auditStats)
			r.Get("/export", a.exportAudit)
		})

		r.Route("/org", func(r chi.Router) {
			r.Get("/policy", a.getOrgPolicy)
			r.Patch("/policy", a.updateOrgPolicy)
			r.Get("/exceptions", a.listExceptions)
			r.Post("/exceptions", a.requestException)
			r.Get("/exceptions/{id}", a.getException)
			r.Post("/exceptions/{id}/review", a.reviewException)
		})
	})
	return r
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentgov"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), p)))
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := a.logger.Debug()
		if status >= 500 {
			ev = a.logger.Error()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
