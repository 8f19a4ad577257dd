package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the provider no longer knows the
// sandbox. Decommissioning treats it as "already gone".
var ErrNotFound = errors.New("sandbox not found")

// Spec describes the instance to create.
type Spec struct {
	Port        int
	Runtime     string
	MaxLifetime time.Duration
	Token       string
	TeamID      string
	ProjectID   string
}

// Instance is a provisioned sandbox: a stable id plus an externally
// reachable base URL.
type Instance struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Command is one shell command executed inside a sandbox. Detached
// commands return immediately and outlive the caller.
type Command struct {
	Cmd      string
	Args     []string
	Cwd      string
	Env      map[string]string
	Sudo     bool
	Detached bool
}

// Provider creates, resolves and stops sandbox instances.
type Provider interface {
	Create(ctx context.Context, spec Spec) (*Instance, error)
	Get(ctx context.Context, id string) (*Instance, error)
	// Stop terminates the sandbox. Provider-404 surfaces as ErrNotFound.
	Stop(ctx context.Context, id string) error
	// RunCommand executes cmd inside the sandbox, streaming output
	// line-by-line to the log tagged with step, and returns the exit
	// code. Detached commands return 0 as soon as the command starts.
	RunCommand(ctx context.Context, id, step string, cmd Command) (int, error)
}
