package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/providers"
)

// storeReady answers 503 when no provider store is attached.
func (s *Server) storeReady(w http.ResponseWriter) bool {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "provider store not configured")
		return false
	}
	return true
}

// storeError maps store failures onto status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	var cfgErr *providers.ConfigurationError
	switch {
	case errors.Is(err, providers.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cfgErr):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("provider store failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "provider store error")
	}
}

// changed drops cached clients so the next catalog or call sees the
// new definitions, and announces the change.
func (s *Server) changed(id, action string) {
	if s.deps.Tools != nil {
		s.deps.Tools.ClearCache()
	}
	s.logger.Info("provider changed", "provider", id, "action", action)
	s.deps.Bus.Emit(events.SourceAPI, events.KindProviderChanged, map[string]any{
		"provider": id,
		"action":   action,
	})
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	list, err := s.deps.Store.Providers(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if list == nil {
		list = []providers.Provider{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"providers": list}, s.logger)
}

func (s *Server) handleProviderGet(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	p, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}

func (s *Server) handleProviderCreate(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	var p providers.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.deps.Store.Create(r.Context(), p)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.changed(created.ID, "created")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created, s.logger)
}

func (s *Server) handleProviderUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	var p providers.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = r.PathValue("id")
	if err := s.deps.Store.Update(r.Context(), p); err != nil {
		s.storeError(w, err)
		return
	}
	s.changed(p.ID, "updated")

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}

func (s *Server) handleProviderDelete(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Store.Delete(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.changed(id, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderActive(active bool) http.HandlerFunc {
	action := "deactivated"
	if active {
		action = "activated"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.storeReady(w) {
			return
		}
		id := r.PathValue("id")
		if err := s.deps.Store.SetActive(r.Context(), id, active); err != nil {
			s.storeError(w, err)
			return
		}
		s.changed(id, action)

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"id": id, "active": active}, s.logger)
	}
}
