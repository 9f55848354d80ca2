package edge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"clinicedge/internal/middleware"
)

// ControlPrefix is the path prefix of the agent's own endpoints.
const ControlPrefix = "/_edge"

const maxPushPayload = 64 << 10

// RegisterRoutes mounts the agent control endpoints on r. Everything except
// status requires the control token in x-admin-token.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(ControlPrefix+"/status", s.handleStatus).Methods(http.MethodGet)

	g := r.PathPrefix(ControlPrefix).Subrouter()
	g.Use(middleware.RequireToken(s.cfg.Server.ControlToken))
	g.HandleFunc("/push", s.handlePushHTTP).Methods(http.MethodPost)
	g.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	g.HandleFunc("/notifications/{id}/click", s.handleClickHTTP).Methods(http.MethodPost)
	g.HandleFunc("/notifications/{id}", s.handleDismissHTTP).Methods(http.MethodDelete)
	g.HandleFunc("/lifecycle/update", s.handleUpdate).Methods(http.MethodPost)
}

func (s *Service) handlePushHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "read payload"})
		return
	}
	if len(payload) > maxPushPayload {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": "payload too large"})
		return
	}
	rec, err := s.HandlePush(r.Context(), payload)
	if err != nil {
		s.log.Error().Err(err).Msg("show notification")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Service) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.notifications.List())
}

func (s *Service) handleClickHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.HandleNotificationClick(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": err.Error()})
	case err != nil:
		s.log.Error().Err(err).Str("notification", id).Msg("notification click")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handleDismissHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.notifications.Close(r.Context(), mux.Vars(r)["id"]); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": ErrNotificationNotFound.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Version       string         `json:"version,omitempty"`
	State         State          `json:"state,omitempty"`
	Buckets       map[string]int `json:"buckets"`
	Stats         statsSnapshot  `json:"stats"`
	Notifications int            `json:"notifications"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Buckets: map[string]int{
			precacheBucket:  s.precache.Len(),
			s.static.Name(): s.static.Len(),
			s.api.Name():    s.api.Len(),
		},
		Stats:         s.stats.Snapshot(),
		Notifications: len(s.notifications.List()),
	}
	if v := s.lifecycle.Active(); v != nil {
		resp.Version = v.ID
		resp.State = v.State()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Precache.Manifest == "" {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "precache.manifest not configured"})
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("manifest reload")
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	v := s.lifecycle.Active()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": v.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
