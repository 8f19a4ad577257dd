package handler

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/dan-fein/sandbox-bootstrap-next/model"
	"github.com/dan-fein/sandbox-bootstrap-next/saga"
)

// Watchdog triggers one controller tick. The controller serializes
// overlapping invocations internally.
func (h *Handler) Watchdog(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MonitoringDisabled {
		writeText(w, http.StatusOK, "watchdog routes disabled")
		return
	}

	force := false
	if vs, ok := r.URL.Query()["force"]; ok {
		force = len(vs) == 0 || vs[0] == "" || model.FlagEnabled(vs[0])
	}

	if err := h.ticker.Tick(r.Context(), force); err != nil {
		log.Printf("watchdog endpoint: %v", err)
		writeText(w, http.StatusInternalServerError, "watchdog failure")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

// State returns the persisted watchdog document for operators.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.ReadFirst(r.Context(), model.KeyState, model.LegacyKeyState)
	if err != nil {
		log.Printf("state endpoint: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "config store unavailable"})
		return
	}

	state := &model.SandboxState{Draining: []model.DrainingSandboxRecord{}}
	if raw != nil {
		if err := json.Unmarshal(raw, state); err != nil {
			log.Printf("state endpoint: decode: %v", err)
		}
	}
	writeJSON(w, state)
}

// Rotations returns recent watchdog audit events, newest first.
func (h *Handler) Rotations(w http.ResponseWriter, r *http.Request) {
	events, err := h.sagas.ListRecent(r.Context(), 50)
	if err != nil {
		log.Printf("rotations endpoint: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "event store unavailable"})
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}
