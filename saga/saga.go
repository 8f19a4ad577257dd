package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event is one structured entry in the watchdog audit trail.
type Event struct {
	ID        string            `json:"id"`
	SagaID    string            `json:"sagaId"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Sandbox   string            `json:"sandbox"`
	Category  string            `json:"category"` // tick, rotation, drain
	Action    string            `json:"action"`   // step.start, step.complete, step.failed, etc.
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Append(ctx context.Context, evt *Event) error
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Saga groups the events of one watchdog tick under a shared id.
type Saga struct {
	ID       string
	Sandbox  string
	Source   string
	Category string
	store    Store
}

func New(store Store, sandbox, source, category string) *Saga {
	return &Saga{
		ID:       uuid.New().String(),
		Sandbox:  sandbox,
		Source:   source,
		Category: category,
		store:    store,
	}
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	evt := &Event{
		ID:        uuid.New().String(),
		SagaID:    s.ID,
		Timestamp: time.Now(),
		Source:    s.Source,
		Sandbox:   s.Sandbox,
		Category:  s.Category,
		Action:    action,
		Message:   message,
		Metadata:  metadata,
	}
	return s.store.Append(ctx, evt)
}

func (s *Saga) StepStart(ctx context.Context, step string) error {
	return s.Log(ctx, "step.start", step+" started", map[string]string{"step": step})
}

func (s *Saga) StepComplete(ctx context.Context, step string, durationMs int64) error {
	return s.Log(ctx, "step.complete", step+" completed", map[string]string{
		"step":       step,
		"durationMs": strconv.FormatInt(durationMs, 10),
	})
}

func (s *Saga) StepFailed(ctx context.Context, step string, err error) error {
	return s.Log(ctx, "step.failed", step+" failed: "+err.Error(), map[string]string{
		"step":  step,
		"error": err.Error(),
	})
}
