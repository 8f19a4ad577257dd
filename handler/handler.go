package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/config"
	"github.com/dan-fein/sandbox-bootstrap-next/kv"
	"github.com/dan-fein/sandbox-bootstrap-next/saga"
)

// Ticker runs one watchdog pass. Satisfied by *watchdog.Controller.
type Ticker interface {
	Tick(ctx context.Context, forceProvision bool) error
}

type Handler struct {
	cfg     *config.Config
	store   kv.Store
	ticker  Ticker
	sagas   saga.Store
	started time.Time
}

func New(cfg *config.Config, store kv.Store, ticker Ticker, sagas saga.Store) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   store,
		ticker:  ticker,
		sagas:   sagas,
		started: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(msg))
}
