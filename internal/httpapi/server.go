package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/resources"
	"github.com/voicefleet/mcpfleet/internal/observability"
)

// CatalogSource is the subset of *catalog.Service the boundary needs.
type CatalogSource interface {
	GetCatalog(ctx context.Context) (catalog.Payload, error)
	InvalidateCache()
}

// InvocationService is the subset of *invocation.Service the boundary needs.
type InvocationService interface {
	Invoke(ctx context.Context, req invocation.Request, onEvent invocation.OnEvent) invocation.Outcome
	Cancel(invocationID string) bool
}

// Reloader is the subset of *process.Supervisor the admin endpoint needs.
type Reloader interface {
	Reload(ctx context.Context, newDefs []config.ServerDefinition) (process.ReloadResult, error)
}

// Server wires the catalog/invocation/policy/resources services to chi
// routes per spec.md §6.4.
type Server struct {
	router chi.Router

	cat          CatalogSource
	invoker      InvocationService
	pol          *policy.Policy
	tracker      *resources.Tracker
	reloader     Reloader
	metrics      *observability.Metrics
	configPath   string
	instructions InstructionsSource

	adminToken string
	testMode   bool
}

// Options configures a Server at construction time.
type Options struct {
	Catalog      CatalogSource
	Invoker      InvocationService
	Policy       *policy.Policy
	Tracker      *resources.Tracker
	Reloader     Reloader
	Metrics      *observability.Metrics
	ConfigPath   string
	Instructions InstructionsSource

	// AdminToken and TestMode default to MCP_ADMIN_TOKEN and NODE_ENV=test
	// when left zero-valued (spec.md §6.3).
	AdminToken string
	TestMode   bool
}

// New builds a Server and registers every route.
func New(opts Options) *Server {
	s := &Server{
		cat:          opts.Catalog,
		invoker:      opts.Invoker,
		pol:          opts.Policy,
		tracker:      opts.Tracker,
		reloader:     opts.Reloader,
		metrics:      opts.Metrics,
		configPath:   opts.ConfigPath,
		instructions: opts.Instructions,
		adminToken:   opts.AdminToken,
		testMode:     opts.TestMode,
	}
	if s.adminToken == "" {
		s.adminToken = os.Getenv("MCP_ADMIN_TOKEN")
	}
	if !s.testMode {
		s.testMode = os.Getenv("NODE_ENV") == "test"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Route("/api/mcp", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalogGet)
		r.Post("/invoke", s.handleInvokePost)
		r.Delete("/invoke", s.handleInvokeDelete)
		r.Post("/admin", s.handleAdminPost)
		r.Get("/resource-events", s.handleResourceEvents)
		r.Get("/instructions", s.handleInstructionsGet)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// metricsMiddleware records every request's route/method/status/duration
// via observability.Metrics, grounded on the teacher's
// pkg/transport/http_metrics_middleware.go RouteContext pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.metrics.HTTPRequest(pattern, r.Method, http.StatusText(ww.Status()), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details string) {
	body := map[string]string{"error": msg}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
