// Package subscriptions registers browser push endpoints for signed-in
// users so the backend can deliver reminders to them.
package subscriptions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Path is where the endpoint is mounted.
const Path = "/api/push-subscription"

const maxBody = 16 << 10

type Handler struct {
	store    Store
	verifier Verifier
	log      zerolog.Logger
}

func NewHandler(store Store, verifier Verifier, log zerolog.Logger) *Handler {
	return &Handler{store: store, verifier: verifier, log: log}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle(Path, h)
}

type subscribeRequest struct {
	Endpoint string  `json:"endpoint"`
	P256dh   string  `json:"p256dh"`
	Auth     string  `json:"auth"`
	TenantID *string `json:"tenant_id,omitempty"`
	// Browsers serialise PushSubscription as {endpoint, keys:{p256dh, auth}}.
	Keys *struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodDelete:
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.normalize()

	if r.Method == http.MethodDelete {
		h.unsubscribe(w, r, userID, req)
		return
	}
	h.subscribe(w, r, userID, req)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	userID, err := h.verifier.Verify(r.Context(), token)
	if errors.Is(err, ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	if err != nil {
		h.log.Error().Err(err).Msg("verify bearer token")
		writeError(w, http.StatusInternalServerError, "could not verify token")
		return "", false
	}
	return userID, true
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request, userID string, req subscribeRequest) {
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh and auth are required")
		return
	}
	sub, err := h.store.Upsert(r.Context(), Subscription{
		UserID:    userID,
		TenantID:  req.TenantID,
		Endpoint:  req.Endpoint,
		P256dh:    req.P256dh,
		Auth:      req.Auth,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("store subscription")
		writeError(w, http.StatusInternalServerError, "could not store subscription")
		return
	}
	h.log.Info().Str("user_id", userID).Str("subscription", sub.ID.String()).Msg("push subscription active")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": sub.ID})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request, userID string, req subscribeRequest) {
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	found, err := h.store.Deactivate(r.Context(), userID, req.Endpoint)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("deactivate subscription")
		writeError(w, http.StatusInternalServerError, "could not deactivate subscription")
		return
	}
	h.log.Info().Str("user_id", userID).Bool("found", found).Msg("push subscription inactive")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (r *subscribeRequest) normalize() {
	r.Endpoint = strings.TrimSpace(r.Endpoint)
	if r.Keys != nil {
		if r.P256dh == "" {
			r.P256dh = r.Keys.P256dh
		}
		if r.Auth == "" {
			r.Auth = r.Keys.Auth
		}
	}
	if r.TenantID != nil && strings.TrimSpace(*r.TenantID) == "" {
		r.TenantID = nil
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
