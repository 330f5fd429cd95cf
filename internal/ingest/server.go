// Package ingest is the controller's node-facing HTTP surface: it accepts
// single and batched connection reports from agents and admits them into the
// connection index.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	xnetutil "golang.org/x/net/netutil"

	"github.com/tetherguard/tether/internal/api"
	"github.com/tetherguard/tether/internal/index"
	"github.com/tetherguard/tether/internal/logparse"
	"github.com/tetherguard/tether/internal/model"
)

// Enqueuer receives the subscribers touched by a request for event-driven
// re-evaluation.
type Enqueuer interface {
	Enqueue(subscriber string)
}

// Config configures the ingest server.
type Config struct {
	ListenAddress    string
	Port             int
	Secret           string
	MaxBodyBytes     int64
	MaxConns         int
	SubscriberPrefix string
	IPWindow         time.Duration
}

// Server is the ingest endpoint.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        Config

	ix     *index.Index
	det    Enqueuer
	parser *logparse.Parser
}

// NewServer wires the ingest routes.
func NewServer(cfg Config, ix *index.Index, det Enqueuer) *Server {
	s := &Server{
		cfg:    cfg,
		ix:     ix,
		det:    det,
		parser: logparse.NewParser(cfg.SubscriberPrefix),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", s.handleHealth())
	mux.Handle("POST /log", api.RequestBodyLimitMiddleware(cfg.MaxBodyBytes, s.handleLog()))
	mux.Handle("POST /log_batch", api.RequestBodyLimitMiddleware(cfg.MaxBodyBytes, s.handleLogBatch()))
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the server. The listener is capped to MaxConns
// concurrent connections so a misbehaving fleet cannot exhaust descriptors.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConns > 0 {
		ln = xnetutil.LimitListener(ln, s.cfg.MaxConns)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the mux for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type logRequest struct {
	Subscriber string `json:"subscriber"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port,omitempty"`
	Node       string `json:"node"`
	Secret     string `json:"secret"`
}

type batchEntry struct {
	Subscriber string `json:"subscriber"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port,omitempty"`
}

type batchRequest struct {
	Node    string       `json:"node"`
	Secret  string       `json:"secret"`
	Entries []batchEntry `json:"entries"`
	Lines   []string     `json:"lines"`
}

func (s *Server) handleLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req logRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if req.Secret != s.cfg.Secret {
			api.WriteError(w, http.StatusForbidden, "FORBIDDEN", "invalid secret")
			return
		}
		if req.Node == "" {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "missing node")
			return
		}

		now := time.Now()
		if !s.admit(req.Subscriber, req.IP, req.Port, req.Node, now) {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid subscriber or ip")
			return
		}
		s.notifyTouched()
		api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleLogBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if req.Secret != s.cfg.Secret {
			api.WriteError(w, http.StatusForbidden, "FORBIDDEN", "invalid secret")
			return
		}
		if req.Node == "" {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "missing node")
			return
		}

		now := time.Now()
		processed := 0
		for _, e := range req.Entries {
			if s.admit(e.Subscriber, e.IP, e.Port, req.Node, now) {
				processed++
			}
		}
		// Raw mode: the server parses unprocessed log lines itself.
		for _, line := range req.Lines {
			entry, ok := s.parser.Parse(line)
			if !ok {
				continue
			}
			if s.admit(entry.Subscriber, entry.IP.String(), entry.Port, req.Node, now) {
				processed++
			}
		}
		s.notifyTouched()
		api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "processed": processed})
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, users, err := s.ix.Stats(s.cfg.IPWindow, time.Now())
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, "INTERNAL", "index unavailable")
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": conns,
			"users":       users,
		})
	}
}

// admit normalizes and stores one report. Returns false for events that fail
// validation; those are dropped without failing the request.
func (s *Server) admit(subscriber, ipStr string, port uint16, node string, now time.Time) bool {
	subscriber = logparse.StripPrefix(subscriber, s.cfg.SubscriberPrefix)
	if subscriber == "" {
		return false
	}
	ip, err := netip.ParseAddr(ipStr)
	if err != nil || !ip.Is4() {
		return false
	}

	ev := model.ConnectionEvent{
		Subscriber: subscriber,
		IP:         ip,
		Port:       port,
		Node:       node,
		ObservedAt: now,
	}
	if err := s.ix.Upsert(ev); err != nil {
		log.Printf("[ingest] upsert %s/%s: %v", subscriber, ip, err)
		return false
	}
	return true
}

// notifyTouched drains the index's touched set and enqueues one evaluation
// per subscriber. Multiple events for the same subscriber in one request
// collapse to a single task.
func (s *Server) notifyTouched() {
	if s.det == nil {
		return
	}
	for _, sub := range s.ix.Touched().Drain() {
		s.det.Enqueue(sub)
	}
}
