// Package web is the HTTP surface: agent ingestion and command routes,
// the dashboard JSON API, cluster status and health, login, and package
// downloads. Routing uses the standard mux with method patterns;
// middleware composes per route tag.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/cluster"
	"github.com/fleetwatch/fleetwatch/internal/coord"
	"github.com/fleetwatch/fleetwatch/internal/crypt"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/fleet"
)

// requestDeadline is the hard wall-clock budget per request.
const requestDeadline = 30 * time.Second

// Dependencies holds everything the handlers need, threaded in at
// construction time rather than reached through globals.
type Dependencies struct {
	Store       *fleet.Store
	Sessions    *auth.SessionManager
	Users       *auth.UserStore
	Auth        *auth.Service
	Cluster     *cluster.Manager // nil when clustering is disabled
	Backend     coord.Backend
	BackendName string
	Cipher      *crypt.Cipher
	Bus         *events.Bus
	Log         *slog.Logger
	NodeID      string

	MetricsEnabled bool
	PackagesDir    string
	CookieSecure   bool
}

// Server is the fleet HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
	tls    struct{ cert, key string }
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetTLS configures TLS certificate and key paths for HTTPS serving.
func (s *Server) SetTLS(cert, key string) {
	s.tls.cert = cert
	s.tls.key = key
}

// Handler returns the fully wrapped root handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.requestID(s.accessLog(s.mux))
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  requestDeadline,
		WriteTimeout: requestDeadline,
		IdleTimeout:  120 * time.Second,
	}
	if s.tls.cert != "" {
		s.deps.Log.Info("server listening (TLS)", "addr", addr)
		return s.server.ListenAndServeTLS(s.tls.cert, s.tls.key)
	}
	s.deps.Log.Info("server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests
// until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	agent := func(h http.HandlerFunc) http.Handler {
		return s.deps.Auth.AgentAuth(h)
	}
	dashboard := func(h http.HandlerFunc) http.Handler {
		return s.deps.Auth.DashboardAuth(s.deps.Auth.CSRF(h))
	}

	// --- Public routes ---
	s.mux.Handle("POST /login", s.deps.Auth.LoginRateLimit(http.HandlerFunc(s.apiLogin)))
	s.mux.HandleFunc("GET /api/fleet/cluster/health", s.apiClusterHealth)
	if s.deps.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	// --- Agent routes (API key) ---
	s.mux.Handle("POST /api/fleet/report", agent(s.apiReport))
	s.mux.Handle("GET /api/fleet/commands/{machine_id}", agent(s.apiPollCommands))
	s.mux.Handle("POST /api/fleet/command/{machine_id}/ack", agent(s.apiAckCommand))
	s.mux.Handle("POST /api/fleet/widget-logs", agent(s.apiWidgetLogs))

	// --- Dashboard routes (session cookie; CSRF on writes) ---
	s.mux.Handle("POST /logout", dashboard(s.apiLogout))
	s.mux.Handle("GET /api/fleet/machines", dashboard(s.apiMachines))
	s.mux.Handle("GET /api/fleet/summary", dashboard(s.apiSummary))
	s.mux.Handle("GET /api/fleet/machine/{id}", dashboard(s.apiMachine))
	s.mux.Handle("GET /api/fleet/history/{id}", dashboard(s.apiHistory))
	s.mux.Handle("GET /api/fleet/widget-logs/{id}", dashboard(s.apiReadWidgetLogs))
	s.mux.Handle("POST /api/fleet/command", dashboard(s.apiEnqueueCommand))
	s.mux.Handle("POST /api/fleet/users", dashboard(s.apiCreateUser))
	s.mux.Handle("GET /api/fleet/cluster/status", dashboard(s.apiClusterStatus))
	s.mux.Handle("GET /api/fleet/packages", dashboard(s.apiListPackages))
	s.mux.Handle("GET /download/{file}", dashboard(s.apiDownloadPackage))
}

// requestID attaches a fresh request id and the 30 s deadline before
// anything else runs, so every later stage can reference both.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
		defer cancel()

		rc := &auth.RequestContext{RequestID: uuid.NewString()}
		ctx = auth.WithRequestContext(ctx, rc)
		w.Header().Set("X-Request-ID", rc.RequestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog records method, path, principal, status, and duration.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		principal := ""
		requestID := ""
		if rc := auth.GetRequestContext(r.Context()); rc != nil {
			principal = rc.UserID
			requestID = rc.RequestID
		}
		s.deps.Log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"principal", principal,
			"status", rec.status,
			"duration", time.Since(start),
			"requestID", requestID,
		)
	})
}
