// Package api serves the read-only status API of the proxy.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"opcuaproxy/sessionman"
)

// Backend provides the state exposed by the API.
type Backend interface {
	// Snapshot returns the session manager state.
	Snapshot() sessionman.Snapshot
	// Mirrors returns the state of the configured broker mirrors.
	Mirrors() []MirrorStatus
}

// MirrorStatus is the JSON response for one broker mirror.
type MirrorStatus struct {
	Kind    string `json:"kind"` // mqtt, valkey or kafka
	Name    string `json:"name"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the JSON response of the liveness probe.
type HealthResponse struct {
	Status       string `json:"status"`
	Running      bool   `json:"running"`
	ConfigLoaded bool   `json:"configLoaded"`
}

// handlers holds the API handler functions.
type handlers struct {
	backend Backend
}

// NewRouter creates the status API router.
func NewRouter(backend Backend) chi.Router {
	r := chi.NewRouter()
	h := &handlers{backend: backend}

	r.Get("/partners", h.handleListPartners)
	r.Get("/partners/{id}", h.handlePartner)
	r.Get("/mirrors", h.handleMirrors)
	r.Get("/status", h.handleStatus)
	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) handleListPartners(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.backend.Snapshot().Partners)
}

func (h *handlers) handlePartner(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid partner id")
		return
	}

	for _, ps := range h.backend.Snapshot().Partners {
		if ps.PartnerID == id {
			h.writeJSON(w, ps)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "partner not found")
}

func (h *handlers) handleMirrors(w http.ResponseWriter, r *http.Request) {
	mirrors := h.backend.Mirrors()
	if mirrors == nil {
		mirrors = []MirrorStatus{}
	}
	h.writeJSON(w, mirrors)
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.backend.Snapshot())
}

// handleHealth answers 200 while the control loop runs, 503 otherwise.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.backend.Snapshot()
	resp := HealthResponse{Status: "ok", Running: snap.Running, ConfigLoaded: snap.ConfigLoaded}
	if !snap.Running {
		resp.Status = "unavailable"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}
	h.writeJSON(w, resp)
}
