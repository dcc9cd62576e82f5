package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/billing"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

// DefaultMaxBodyBytes caps request bodies, webhook payloads included
const DefaultMaxBodyBytes = 1 << 20

// Billing is the part of the billing reconciler the HTTP layer drives
type Billing interface {
	CreateUpgradeSession(ctx context.Context, ws *storage.Workspace, customerEmail string) (*billing.Session, error)
	CreatePortalSession(ctx context.Context, ws *storage.Workspace) (*billing.Session, error)
	HandleSuccessfulPayment(ctx context.Context, sessionID string) (int64, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
	SetPlan(ctx context.Context, workspaceID int64, plan storage.Plan) (*storage.Workspace, error)
}

// Dependencies wires the server. Identity, Health, Metrics and the
// limiters are optional.
type Dependencies struct {
	Directory  storage.Directory
	Workspaces *workspaces.Service
	Billing    Billing
	Guard      *access.Guard
	Sessions   *access.Sessions

	// Identity enables POST /auth/login
	Identity IdentityResolver
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics

	APILimiter     middleware.Limiter
	WebhookLimiter middleware.Limiter

	Logger       logrus.FieldLogger
	MaxBodyBytes int64
}

// Server is the tenant-facing HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
	deps    Dependencies
}

// NewServer builds the router and every route group
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(deps.Logger),
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(deps.MaxBodyBytes),
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "tenantgate",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

func (s *Server) setupRoutes() {
	d := s.deps
	if d.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(d.Metrics))
	}
	s.router.Use(middleware.Authenticate(d.Directory, d.Sessions))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
	})

	if d.Health != nil {
		s.router.HandleFunc("/health", d.Health.Readiness).Methods(http.MethodGet)
		s.router.HandleFunc("/health/live", d.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", d.Health.Readiness).Methods(http.MethodGet)
	}

	// The webhook is authenticated by its signature, not a session
	var webhookStages []func(http.Handler) http.Handler
	if d.WebhookLimiter != nil {
		webhookStages = append(webhookStages, middleware.RateLimit(d.WebhookLimiter, d.Logger))
	}
	billingHandlers := NewBillingHandlers(d.Billing)
	s.router.Handle("/billing/webhook", stage(billingHandlers.Webhook, webhookStages...)).Methods(http.MethodPost)

	auth := NewAuthHandlers(d.Identity, d.Workspaces, d.Sessions)
	if d.Identity != nil {
		auth.RegisterLogin(s.router)
	}

	authed := s.router.NewRoute().Subrouter()
	authed.Use(middleware.RequireUser)
	if d.APILimiter != nil {
		authed.Use(middleware.RateLimit(d.APILimiter, d.Logger))
	}

	auth.RegisterRoutes(authed)
	billingHandlers.RegisterRoutes(authed, d.Guard)
	NewWorkspaceHandlers(d.Workspaces).RegisterRoutes(authed, d.Guard)
	NewMemberHandlers(d.Workspaces).RegisterRoutes(authed, d.Guard)
	NewAdminHandlers(d.Directory, d.Workspaces, d.Billing).RegisterRoutes(authed)
}

// Router exposes the route table, for tests and extra registrations
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in the ambient middleware chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// stage applies guard stages to one handler, outermost first
func stage(h http.HandlerFunc, stages ...func(http.Handler) http.Handler) http.Handler {
	var out http.Handler = h
	for i := len(stages) - 1; i >= 0; i-- {
		out = stages[i](out)
	}
	return out
}
