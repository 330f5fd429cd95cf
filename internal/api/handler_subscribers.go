package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/tetherguard/tether/internal/model"
)

type addrView struct {
	IP      string `json:"ip"`
	Country string `json:"country,omitempty"`
}

type subscriberView struct {
	ID             string     `json:"id"`
	IPs            []addrView `json:"ips"`
	Nodes          []string   `json:"nodes"`
	MostRecentSeen time.Time  `json:"most_recent_seen"`
}

func (s *Server) annotate(ips []netip.Addr) []addrView {
	out := make([]addrView, 0, len(ips))
	for _, ip := range ips {
		v := addrView{IP: ip.String()}
		if s.deps.Geo != nil {
			v.Country = s.deps.Geo.Lookup(ip)
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleListSubscribers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		subs, err := s.deps.Index.ActiveSubscribers(s.cfg.IPWindow, now)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "index unavailable")
			return
		}

		views := make([]subscriberView, 0, len(subs))
		for _, id := range subs {
			view, err := s.deps.Index.View(id, s.cfg.IPWindow, now)
			if err != nil {
				continue
			}
			views = append(views, subscriberView{
				ID:             view.ID,
				IPs:            s.annotate(view.IPs),
				Nodes:          view.Nodes,
				MostRecentSeen: view.MostRecentSeen,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"subscribers": views})
	}
}

func (s *Server) handleGetSubscriber() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		view, err := s.deps.Index.View(id, s.cfg.IPWindow, time.Now())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "index unavailable")
			return
		}
		if len(view.IPs) == 0 {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "no recent activity for subscriber")
			return
		}
		WriteJSON(w, http.StatusOK, subscriberView{
			ID:             view.ID,
			IPs:            s.annotate(view.IPs),
			Nodes:          view.Nodes,
			MostRecentSeen: view.MostRecentSeen,
		})
	}
}

func (s *Server) handleListBlocked() http.HandlerFunc {
	type blockedView struct {
		model.BlockedSubscriber
		Countries []string `json:"countries,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		blocked := s.deps.Enforcer.Blocked()
		views := make([]blockedView, 0, len(blocked))
		for _, b := range blocked {
			v := blockedView{BlockedSubscriber: b}
			if s.deps.Geo != nil && s.deps.Geo.Enabled() {
				for _, ipStr := range b.IPs {
					if ip, err := netip.ParseAddr(ipStr); err == nil {
						if country := s.deps.Geo.Lookup(ip); country != "" {
							v.Countries = append(v.Countries, country)
						}
					}
				}
			}
			views = append(views, v)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"blocked": views})
	}
}

func (s *Server) handleForceEnforce() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		now := time.Now()

		view, err := s.deps.Index.View(id, s.cfg.IPWindow, now)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "index unavailable")
			return
		}
		if len(view.IPs) == 0 {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "no recent activity for subscriber")
			return
		}

		v := model.Violation{
			Subscriber: id,
			IPs:        view.IPs,
			Nodes:      view.Nodes,
			Reason:     model.ReasonManual,
			DetectedAt: now,
		}
		if err := s.deps.Enforcer.Enforce(r.Context(), v, now, true); err != nil {
			WriteError(w, http.StatusBadGateway, "ENFORCE_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleUnban() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.deps.Enforcer.Unban(r.Context(), id, time.Now()); err != nil {
			WriteError(w, http.StatusNotFound, "NOT_BLOCKED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleScan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.deps.Scanner.EvaluateAll(r.Context(), time.Now())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "SCAN_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "evaluated": n})
	}
}
