package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/straja-ai/triage/internal/activation"
	"github.com/straja-ai/triage/internal/auth"
	"github.com/straja-ai/triage/internal/config"
	"github.com/straja-ai/triage/internal/escalation"
	"github.com/straja-ai/triage/internal/records"
	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/session"
	"github.com/straja-ai/triage/internal/telemetry"
)

// Deps are the collaborators the HTTP layer routes to. Records, Emitter and
// Telemetry may be nil.
type Deps struct {
	Classifier escalation.Classifier
	Council    escalation.Council
	Dispatcher escalation.Dispatcher
	Sessions   *session.Manager
	Records    *records.Store
	Emitter    *activation.Emitter
	Telemetry  *telemetry.Provider
}

// Server wraps the HTTP server components for the triage gateway.
type Server struct {
	mux  *http.ServeMux
	cfg  *config.Config
	auth *auth.Auth
	deps Deps

	httpServer *http.Server
}

// New creates a new server with all routes registered.
func New(cfg *config.Config, authz *auth.Auth, deps Deps) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		cfg:  cfg,
		auth: authz,
		deps: deps,
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// Engine
	s.mux.Handle("POST /api/classify", s.station(s.handleClassify))
	s.mux.Handle("POST /api/council", s.station(s.handleCouncil))
	s.mux.Handle("POST /api/alerts", s.station(s.handleAlerts))
	s.mux.Handle("GET /api/history/{subject}", s.station(s.handleHistory))

	// Sessions
	s.mux.Handle("POST /session/start", s.station(s.handleSessionStart))
	s.mux.Handle("POST /session/join", s.station(s.handleSessionJoin))
	s.mux.Handle("POST /session/end", s.station(s.handleSessionEnd))
	s.mux.Handle("POST /session/turn", s.station(s.handleSessionTurn))
	s.mux.Handle("POST /session/image", s.station(s.handleSessionImage))
	s.mux.Handle("GET /session/{room}/status", s.station(s.handleSessionStatus))
	s.mux.Handle("GET /session/{room}/log", s.station(s.handleSessionLog))
	s.mux.Handle("GET /session/{room}/notes", s.station(s.handleSessionNotes))
	s.mux.Handle("POST /session/diagnosis", s.station(s.handleSessionDiagnosis))
	s.mux.Handle("GET /sessions/active", s.station(s.handleActiveSessions))

	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}
	redact.Logf("triage gateway running on %s", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

type stationKey struct{}

// station authenticates the hardware station when auth is required and
// stores it on the request context.
func (s *Server) station(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, ok := s.auth.Authenticate(r)
		if !ok && s.cfg.Server.RequireAuth {
			writeError(w, http.StatusUnauthorized, "Invalid or missing station key", "authentication_error")
			return
		}
		if ok {
			r = r.WithContext(context.WithValue(r.Context(), stationKey{}, st))
		}
		next(w, r)
	})
}

func stationFrom(ctx context.Context) (auth.Station, bool) {
	st, ok := ctx.Value(stationKey{}).(auth.Station)
	return st, ok
}

func (s *Server) emit(ctx context.Context, ev *activation.Event) {
	if s.deps.Emitter == nil {
		activation.LogEvent(ev)
		return
	}
	s.deps.Emitter.Emit(ctx, ev)
}

func (s *Server) activationLevel() string {
	return strings.ToLower(s.cfg.Logging.ActivationLevel)
}
