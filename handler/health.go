package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/model"
)

type healthResponse struct {
	Status                 string     `json:"status"`
	Service                string     `json:"service"`
	SandboxOrigin          string     `json:"sandboxOrigin"`
	Env                    string     `json:"env"`
	UptimeSeconds          int        `json:"uptimeSeconds"`
	Timestamp              time.Time  `json:"timestamp"`
	WatchdogLastCheckAt    *time.Time `json:"watchdogLastCheckAt"`
	WatchdogLastRotationAt *time.Time `json:"watchdogLastRotationAt"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MonitoringDisabled {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	origin := r.Header.Get("x-sandbox-origin")
	env := "router"
	if origin != "" || h.cfg.SelfURL != "" {
		env = "sandbox"
	}
	if origin == "" {
		origin = h.cfg.SelfURL
	}

	resp := healthResponse{
		Status:        "ok",
		Service:       "next-app",
		SandboxOrigin: origin,
		Env:           env,
		UptimeSeconds: int(time.Since(h.started).Seconds()),
		Timestamp:     time.Now().UTC(),
	}

	// Watchdog timestamps are informational; a store hiccup must not
	// fail the health endpoint.
	if raw, err := h.store.ReadFirst(r.Context(), model.KeyState, model.LegacyKeyState); err != nil {
		log.Printf("health: read watchdog state: %v", err)
	} else if raw != nil {
		var state model.SandboxState
		if err := json.Unmarshal(raw, &state); err == nil {
			resp.WatchdogLastCheckAt = state.LastCheckAt
			resp.WatchdogLastRotationAt = state.LastRotationAt
		}
	}

	writeJSON(w, resp)
}
