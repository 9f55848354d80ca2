// Package cronproxy relays scheduled-job triggers to the backend function
// that sends appointment reminders, adding the admin token the browser must
// never see.
package cronproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"clinicedge/internal/middleware"
)

// Path is where the proxy is mounted.
const Path = "/api/cron-trigger"

// HeaderAdminToken authenticates the proxy to the upstream function.
const HeaderAdminToken = middleware.HeaderAdminToken

const maxBody = 1 << 20

type Handler struct {
	upstreamURL string
	adminToken  string
	client      *http.Client
	log         zerolog.Logger
}

// New builds a Handler. Missing configuration is not an error here: the
// handler answers 500 on every call instead, so a misconfigured deployment
// stays visible to the scheduler.
func New(upstreamURL, adminToken string, client *http.Client, log zerolog.Logger) *Handler {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Handler{
		upstreamURL: upstreamURL,
		adminToken:  adminToken,
		client:      client,
		log:         log,
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle(Path, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
		return
	}
	if h.upstreamURL == "" || h.adminToken == "" {
		h.log.Error().Msg("cron proxy: upstream URL or admin token not configured")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "cron upstream not configured"})
		return
	}

	body, err := requestJSON(r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	status, out, err := h.forward(r, body)
	if err != nil {
		h.log.Error().Err(err).Msg("cron proxy: upstream call")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	h.log.Info().Int("status", status).Msg("cron trigger relayed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func (h *Handler) forward(r *http.Request, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.upstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAdminToken, h.adminToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call upstream: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, relayBody(raw), nil
}

// requestJSON returns the caller's body as JSON. An empty body becomes {}
// and a non-JSON body is sent as a JSON string.
func requestJSON(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if json.Valid(raw) {
		return raw, nil
	}
	return json.Marshal(string(raw))
}

// relayBody passes JSON through and wraps anything else as a JSON string.
func relayBody(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return trimmed
	}
	out, _ := json.Marshal(string(raw))
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
