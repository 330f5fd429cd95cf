package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/events"
	"github.com/tetherguard/tether/internal/geoip"
	"github.com/tetherguard/tether/internal/index"
	"github.com/tetherguard/tether/internal/model"
	"github.com/tetherguard/tether/internal/nodectl"
)

// Scanner runs one-shot detection passes for the admin surface.
type Scanner interface {
	EvaluateAll(ctx context.Context, now time.Time) (int, error)
}

// Enforcer is the slice of the enforcement coordinator the facade uses.
type Enforcer interface {
	Enforce(ctx context.Context, v model.Violation, now time.Time, force bool) error
	Unban(ctx context.Context, subscriber string, now time.Time) error
	Blocked() []model.BlockedSubscriber
}

// ServerConfig configures the admin server.
type ServerConfig struct {
	ListenAddress string
	Port          int
	MaxBodyBytes  int64
	IPWindow      time.Duration
	Policy        config.Policy
	PasswordPath  string
	AdminPassword string
}

// Deps are the collaborators behind the admin routes.
type Deps struct {
	Index    *index.Index
	Scanner  Scanner
	Enforcer Enforcer
	Registry *nodectl.Registry
	Events   *events.Ring
	Geo      *geoip.Service
}

// Server is the admin facade.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        ServerConfig
	deps       Deps

	password  *PasswordFile
	sessions  *SessionStore
	startedAt time.Time
}

// NewServer wires the admin routes.
func NewServer(cfg ServerConfig, deps Deps) (*Server, error) {
	password, err := OpenPasswordFile(cfg.PasswordPath, cfg.AdminPassword)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		password:  password,
		sessions:  NewSessionStore(SessionIdleExpiry),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", s.handleHealthz())
	mux.Handle("POST /api/v1/auth/login", s.handleLogin())

	authed := http.NewServeMux()
	authed.Handle("POST /api/v1/auth/logout", s.handleLogout())
	authed.Handle("POST /api/v1/auth/password", s.handleChangePassword())

	authed.Handle("GET /api/v1/status", s.handleStatus())
	authed.Handle("GET /api/v1/subscribers", s.handleListSubscribers())
	authed.Handle("GET /api/v1/subscribers/{id}", s.handleGetSubscriber())
	authed.Handle("GET /api/v1/blocked", s.handleListBlocked())
	authed.Handle("POST /api/v1/subscribers/{id}/actions/enforce", s.handleForceEnforce())
	authed.Handle("POST /api/v1/subscribers/{id}/actions/unban", s.handleUnban())
	authed.Handle("POST /api/v1/scan", s.handleScan())
	authed.Handle("GET /api/v1/events", s.handleEvents())

	authed.Handle("GET /api/v1/nodes", s.handleListNodes())
	authed.Handle("POST /api/v1/nodes", s.handleAddNode())
	authed.Handle("PUT /api/v1/nodes/{name}", s.handleUpdateNode())
	authed.Handle("DELETE /api/v1/nodes/{name}", s.handleRemoveNode())
	authed.Handle("GET /api/v1/nodes/health", s.handleNodeHealth())

	limited := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/v1/", SessionMiddleware(s.sessions, limited))
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// ListenAndServe starts the server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
