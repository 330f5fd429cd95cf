package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tetherguard/tether/internal/buildinfo"
)

func (s *Server) handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	type response struct {
		Version     string `json:"version"`
		Policy      string `json:"policy"`
		UptimeSec   int64  `json:"uptime_sec"`
		Connections int    `json:"connections"`
		Subscribers int    `json:"subscribers"`
		Blocked     int    `json:"blocked"`
		NodesOnline int    `json:"nodes_online"`
		NodesTotal  int    `json:"nodes_total"`
		GeoIP       bool   `json:"geoip"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		conns, subs, err := s.deps.Index.Stats(s.cfg.IPWindow, now)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "index unavailable")
			return
		}

		resp := response{
			Version:     buildinfo.Version,
			Policy:      string(s.cfg.Policy),
			UptimeSec:   int64(now.Sub(s.startedAt).Seconds()),
			Connections: conns,
			Subscribers: subs,
			Blocked:     len(s.deps.Enforcer.Blocked()),
		}
		if s.deps.Registry != nil {
			resp.NodesTotal = len(s.deps.Registry.List())
			resp.NodesOnline = s.deps.Registry.OnlineCount(5*time.Minute, now)
		}
		if s.deps.Geo != nil {
			resp.GeoIP = s.deps.Geo.Enabled()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
				return
			}
			limit = n
		}
		if s.deps.Events == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"events": []any{}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": s.deps.Events.Recent(limit)})
	}
}
