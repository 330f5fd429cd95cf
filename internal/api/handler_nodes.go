package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tetherguard/tether/internal/model"
	"github.com/tetherguard/tether/internal/nodectl"
)

func validNode(n model.NodeDescriptor) string {
	switch {
	case n.Name == "":
		return "missing name"
	case n.Address == "":
		return "missing address"
	case n.Port < 1 || n.Port > 65535:
		return "port out of range"
	}
	return ""
}

func (s *Server) handleListNodes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"nodes": s.deps.Registry.List()})
	}
}

func (s *Server) handleAddNode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n model.NodeDescriptor
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		if msg := validNode(n); msg != "" {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
			return
		}
		if err := s.deps.Registry.Add(n); err != nil {
			if errors.Is(err, nodectl.ErrNodeExists) {
				WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, n)
	}
}

func (s *Server) handleUpdateNode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n model.NodeDescriptor
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		n.Name = r.PathValue("name")
		if msg := validNode(n); msg != "" {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
			return
		}
		if err := s.deps.Registry.Update(n); err != nil {
			if errors.Is(err, nodectl.ErrNodeNotFound) {
				WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

func (s *Server) handleRemoveNode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Registry.Remove(r.PathValue("name")); err != nil {
			if errors.Is(err, nodectl.ErrNodeNotFound) {
				WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleNodeHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"health": s.deps.Registry.HealthAll()})
	}
}
