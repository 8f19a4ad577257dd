package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"
)

func (h *Handler) Keepalive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")

	token := r.Header.Get("x-keepalive-token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.KeepaliveToken)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "unauthorized",
			"detail":    "missing or invalid keepalive token",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"detail":    "keepalive acknowledged",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
