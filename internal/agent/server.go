package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/tetherguard/tether/internal/api"
)

// ServerConfig configures the agent control API.
type ServerConfig struct {
	ListenAddress string
	Port          int
	Secret        string
	Node          string
}

// Server is the agent's controller-facing HTTP surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        ServerConfig
	fw         *Firewall
	tailer     *Tailer
	uploader   *Uploader
}

// NewServer wires the control routes. tailer and uploader may be nil; they
// only enrich /health.
func NewServer(cfg ServerConfig, fw *Firewall, tailer *Tailer, uploader *Uploader) *Server {
	s := &Server{cfg: cfg, fw: fw, tailer: tailer, uploader: uploader}

	mux := http.NewServeMux()
	mux.Handle("GET /health", s.handleHealth())

	// Every mutating route has a legacy alias; both names stay routable.
	block := s.handleBlock()
	mux.Handle("POST /block", block)
	mux.Handle("POST /block_ip", block)
	unblock := s.handleUnblock()
	mux.Handle("POST /unblock", unblock)
	mux.Handle("POST /unblock_ip", unblock)
	clear := s.handleClear()
	mux.Handle("POST /clear", clear)
	mux.Handle("POST /clear_iptables", clear)
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the mux for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type blockRequest struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port,omitempty"`
	Duration int    `json:"duration"`
	Secret   string `json:"secret"`
}

type unblockRequest struct {
	IP     string `json:"ip"`
	Port   uint16 `json:"port,omitempty"`
	Secret string `json:"secret"`
}

type clearRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) authorized(w http.ResponseWriter, secret string) bool {
	if secret != s.cfg.Secret {
		api.WriteError(w, http.StatusForbidden, "FORBIDDEN", "invalid secret")
		return false
	}
	return true
}

func parseIPv4(w http.ResponseWriter, raw string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(raw)
	if err != nil || !ip.Is4() {
		api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid IPv4 address")
		return netip.Addr{}, false
	}
	return ip, true
}

func (s *Server) handleBlock() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req blockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if !s.authorized(w, req.Secret) {
			return
		}
		ip, ok := parseIPv4(w, req.IP)
		if !ok {
			return
		}
		if req.Duration <= 0 {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "duration must be positive")
			return
		}

		s.fw.Block(RuleKey{IP: ip, Port: req.Port}, time.Duration(req.Duration)*time.Second, time.Now())
		api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleUnblock() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req unblockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if !s.authorized(w, req.Secret) {
			return
		}
		ip, ok := parseIPv4(w, req.IP)
		if !ok {
			return
		}

		s.fw.Unblock(RuleKey{IP: ip, Port: req.Port})
		api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleClear() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req clearRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if !s.authorized(w, req.Secret) {
			return
		}

		s.fw.ClearAll()
		api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"node":            s.cfg.Node,
			"installed_rules": s.fw.Count(),
		}
		if s.tailer != nil {
			resp["parse_misses"] = s.tailer.Misses()
		}
		if s.uploader != nil {
			delivered, failed, dropped := s.uploader.Stats()
			resp["delivered"] = delivered
			resp["failed"] = failed
			resp["dropped_events"] = dropped
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}
