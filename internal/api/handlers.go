package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/kfocus/internal/policy"
	"github.com/goodtune/kfocus/internal/settings"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/goodtune/kfocus/internal/usage"
	"github.com/gorilla/mux"
)

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("handler", "usage").Logger()

	period := usage.ParsePeriod(r.URL.Query().Get("period"))
	summary, err := s.deps.Usage.Summarize(r.Context(), period)
	if err != nil {
		logger.Error().Err(err).Str("period", string(period)).Msg("Failed to summarize usage")
		writeError(w, http.StatusInternalServerError, "Failed to summarize usage")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetDomains(w http.ResponseWriter, r *http.Request) {
	custom, err := s.deps.Settings.CustomDomains(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("handler", "domains").Msg("Failed to load custom domains")
		writeError(w, http.StatusInternalServerError, "Failed to load custom domains")
		return
	}

	writeJSON(w, http.StatusOK, DomainsResponse{
		Defaults: s.deps.Domains.Defaults(),
		Custom:   custom,
	})
}

func (s *Server) handlePutDomains(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("handler", "domains").Logger()

	var req DomainsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := s.deps.Settings.SetCustomDomains(r.Context(), req.Custom)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store custom domains")
		writeError(w, http.StatusInternalServerError, "Failed to store custom domains")
		return
	}

	logger.Info().Int("count", len(stored)).Msg("Custom domains updated")
	writeJSON(w, http.StatusOK, DomainsResponse{
		Defaults: s.deps.Domains.Defaults(),
		Custom:   stored,
	})
}

func (s *Server) windowResponse(win policy.Window) WindowResponse {
	now := s.clock.Now()
	return WindowResponse{
		FocusUntil:       win.FocusUntil,
		ClassUntil:       win.ClassUntil,
		Active:           win.IsActive(now),
		RemainingSeconds: int64(win.Remaining(now) / time.Second),
	}
}

func (s *Server) handleGetWindows(w http.ResponseWriter, r *http.Request) {
	win, err := s.deps.Windows.Window(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("handler", "windows").Msg("Failed to load window")
		writeError(w, http.StatusInternalServerError, "Failed to load window")
		return
	}
	writeJSON(w, http.StatusOK, s.windowResponse(win))
}

func (s *Server) handleStartWindow(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("handler", "windows").Logger()

	kind, err := policy.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req StartWindowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	length := policy.DefaultWindowLength
	if req.Minutes != nil {
		if *req.Minutes < 1 {
			writeError(w, http.StatusBadRequest, "minutes must be at least 1")
			return
		}
		length = time.Duration(*req.Minutes) * time.Minute
	}

	win, err := s.deps.Windows.Start(r.Context(), kind, length)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to start window")
		writeError(w, http.StatusInternalServerError, "Failed to start window")
		return
	}

	logger.Info().Str("kind", string(kind)).Dur("length", length).Msg("Window started")
	writeJSON(w, http.StatusOK, s.windowResponse(win))
}

func (s *Server) handleResetWindow(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("handler", "windows").Logger()

	kind, err := policy.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	win, err := s.deps.Windows.Reset(r.Context(), kind)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to reset window")
		writeError(w, http.StatusInternalServerError, "Failed to reset window")
		return
	}

	logger.Info().Str("kind", string(kind)).Msg("Window cleared")
	writeJSON(w, http.StatusOK, s.windowResponse(win))
}

func (s *Server) handleContextRemoved(w http.ResponseWriter, r *http.Request) {
	var req ContextRemovedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Context == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}

	s.deps.Sessions.ContextRemoved(r.Context(), req.Context)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContainerRemoved(w http.ResponseWriter, r *http.Request) {
	var req ContainerRemovedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n := s.deps.Sessions.ContainerRemoved(r.Context(), req.Container)
	writeJSON(w, http.StatusOK, SignalResponse{Stopped: n})
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	var req IdleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := usage.ParseIdleState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n := s.deps.Sessions.SetIdleState(r.Context(), state)
	writeJSON(w, http.StatusOK, SignalResponse{Stopped: n})
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	scope, err := storage.ParseScope(mux.Vars(r)["scope"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	values, err := s.deps.Settings.List(r.Context(), scope)
	if err != nil {
		s.logger.Error().Err(err).Str("handler", "settings").Msg("Failed to list settings")
		writeError(w, http.StatusInternalServerError, "Failed to list settings")
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("handler", "settings").Logger()
	vars := mux.Vars(r)

	scope, err := storage.ParseScope(vars["scope"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	key := vars["key"]
	if key == settings.KeyInstalledDate {
		writeError(w, http.StatusForbidden, "installedDate is written once at startup")
		return
	}

	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil || len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a JSON value")
		return
	}
	if scope == storage.ScopeSync && policy.IsWindowKey(key) {
		if _, err := policy.ParseExpiry(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.deps.Settings.SetRaw(r.Context(), scope, key, raw); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Failed to store setting")
		writeError(w, http.StatusInternalServerError, "Failed to store setting")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	scope, err := storage.ParseScope(vars["scope"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	key := vars["key"]
	if key == settings.KeyInstalledDate {
		writeError(w, http.StatusForbidden, "installedDate is written once at startup")
		return
	}

	if err := s.deps.Settings.Delete(r.Context(), scope, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "setting not found")
			return
		}
		s.logger.Error().Err(err).Str("handler", "settings").Str("key", key).Msg("Failed to delete setting")
		writeError(w, http.StatusInternalServerError, "Failed to delete setting")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
