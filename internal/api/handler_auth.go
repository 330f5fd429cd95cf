package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tetherguard/tether/internal/config"
)

func (s *Server) handleLogin() http.HandlerFunc {
	type request struct {
		Password string `json:"password"`
	}
	type response struct {
		Token string `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.password.Configured() {
			WriteError(w, http.StatusServiceUnavailable, "NO_PASSWORD", "admin password is not configured")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if !s.password.Verify(req.Password) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "wrong password")
			return
		}
		WriteJSON(w, http.StatusOK, response{Token: s.sessions.Create(time.Now())})
	}
}

func (s *Server) handleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			s.sessions.Revoke(token)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleChangePassword() http.HandlerFunc {
	type request struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if !s.password.Verify(req.Current) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "wrong current password")
			return
		}
		if req.New == "" || config.IsWeakPassword(req.New) {
			WriteError(w, http.StatusBadRequest, "WEAK_PASSWORD", "new password is too weak")
			return
		}
		if err := s.password.Set(req.New); err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to store password")
			return
		}
		// All existing sessions die with the old password.
		s.sessions.RevokeAll()
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
