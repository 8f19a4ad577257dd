// Package watchdog implements the rotation controller: one tick
// assesses the active sandbox, provisions and promotes a replacement
// when needed, and drains superseded instances after a grace window.
package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/hub"
	"github.com/dan-fein/sandbox-bootstrap-next/kv"
	"github.com/dan-fein/sandbox-bootstrap-next/model"
	"github.com/dan-fein/sandbox-bootstrap-next/probe"
	"github.com/dan-fein/sandbox-bootstrap-next/saga"
	"github.com/dan-fein/sandbox-bootstrap-next/sandbox"
	"github.com/dan-fein/sandbox-bootstrap-next/storage"
)

const (
	defaultRotationInterval  = 5 * time.Hour
	defaultDrainGrace        = 10 * time.Minute
	defaultReadyTimeout      = 10 * time.Minute
	defaultReadyInterval     = 5 * time.Second
	defaultProvisionAttempts = 5
	defaultBackoffMin        = 2 * time.Second
)

// HealthProber classifies a sandbox health endpoint response.
type HealthProber interface {
	Probe(ctx context.Context, baseURL, role string) probe.Result
}

// KeepalivePinger nudges the active sandbox. Best-effort.
type KeepalivePinger interface {
	Ping(ctx context.Context, baseURL string) error
}

// Controller runs the watchdog tick. Zero values for the tuning fields
// fall back to the production defaults. Ticks are serialized by an
// internal mutex; cross-process races are tolerated because the config
// store write is the serialization point.
type Controller struct {
	Store     kv.Store
	Provider  sandbox.Provider
	Prober    HealthProber
	Keepalive KeepalivePinger
	Sagas     saga.Store
	WS        *hub.Hub

	// Optional pre-promotion state archive.
	Snapshots      *storage.Client
	SnapshotBucket string

	// Creation spec and bootstrap sequence for new sandboxes.
	Spec      sandbox.Spec
	Bootstrap sandbox.BootstrapConfig

	RotationInterval  time.Duration
	DrainGrace        time.Duration
	ReadyTimeout      time.Duration
	ReadyInterval     time.Duration
	ProvisionAttempts int
	BackoffMin        time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
}

// Tick is the watchdog entry point. It loads the shared state, decides
// whether to keep or replace the active sandbox, drains aged-out
// instances and persists the result. Any error after the state has
// loaded (a failed persist included) records lastFailure on the state
// as loaded and surfaces to the trigger; a failed load returns without
// writing anything.
func (c *Controller) Tick(ctx context.Context, forceProvision bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults()

	now := c.Now()
	sg := saga.New(c.Sagas, "", "watchdog", "tick")

	state, err := c.loadState(ctx)
	if err != nil {
		// Without a trustworthy read we must not write anything back.
		log.Printf("watchdog: %v", err)
		return fmt.Errorf("load state: %w", err)
	}
	loaded := state.Clone()

	sg.Log(ctx, "tick.start", fmt.Sprintf("tick started (force=%v)", forceProvision), nil)
	c.event("tick.started", activeID(state), map[string]interface{}{"force": forceProvision})

	if err := c.run(ctx, sg, state, now, forceProvision); err != nil {
		c.failTick(ctx, sg, loaded, err, now)
		return err
	}

	sg.Log(ctx, "tick.complete", "tick completed", nil)
	c.event("tick.completed", activeID(state), nil)
	return nil
}

func (c *Controller) run(ctx context.Context, sg *saga.Saga, state *model.SandboxState, now time.Time, forceProvision bool) error {
	rotationDue := state.LastRotationAt != nil && now.Sub(*state.LastRotationAt) >= c.RotationInterval
	health := c.assess(ctx, state, forceProvision)

	if forceProvision || !health.Healthy || rotationDue {
		reason := provisionReason(forceProvision, health)
		log.Printf("watchdog: provisioning replacement (reason: %s)", reason)

		sg.StepStart(ctx, "provision")
		c.event("tick.step", activeID(state), map[string]string{"step": "provision", "reason": reason})
		inst, createdAt, err := c.provision(ctx, sg)
		if err != nil {
			sg.StepFailed(ctx, "provision", err)
			return err
		}
		sg.StepComplete(ctx, "provision", c.Now().Sub(now).Milliseconds())

		rec := &model.SandboxRecord{
			ID:        inst.ID,
			URL:       inst.URL,
			CreatedAt: createdAt,
			Status:    model.StatusProvisioning,
		}

		sg.StepStart(ctx, "ready")
		if err := c.waitReady(ctx, inst); err != nil {
			sg.StepFailed(ctx, "ready", err)
			return err
		}
		rec.Status = model.StatusHealthy
		sg.StepComplete(ctx, "ready", c.Now().Sub(createdAt).Milliseconds())

		sg.StepStart(ctx, "promote")
		if err := c.promote(ctx, state, rec); err != nil {
			sg.StepFailed(ctx, "promote", err)
			return err
		}
		sg.StepComplete(ctx, "promote", 0)
		sg.Log(ctx, "rotation.promoted", fmt.Sprintf("sandbox %s promoted (reason: %s)", inst.ID, reason), map[string]string{
			"sandbox": inst.ID,
			"url":     inst.URL,
			"reason":  reason,
		})
		c.event("rotation.promoted", inst.ID, map[string]string{"url": inst.URL, "reason": reason})
	}

	c.drainAged(ctx, sg, state, now)
	return c.persist(ctx, state, now)
}

// assess classifies the active sandbox. A forced provision and a
// missing active short-circuit without probing. A healthy probe also
// fires the opportunistic keepalive ping.
func (c *Controller) assess(ctx context.Context, state *model.SandboxState, forceProvision bool) probe.Result {
	switch {
	case forceProvision:
		return probe.Unhealthy("force-provision-request")
	case state.Active == nil:
		return probe.Unhealthy("no-active-sandbox")
	}

	res := c.Prober.Probe(ctx, state.Active.URL, "active")
	if !res.Healthy {
		log.Printf("watchdog: active sandbox %s unhealthy: %s", state.Active.ID, res.Reason)
		return res
	}

	if c.Keepalive != nil {
		url := state.Active.URL
		go func() {
			if err := c.Keepalive.Ping(context.WithoutCancel(ctx), url); err != nil {
				log.Printf("watchdog: keepalive %s: %v", url, err)
			}
		}()
	}
	return res
}

func provisionReason(forceProvision bool, health probe.Result) string {
	switch {
	case forceProvision:
		return "force-provision-request"
	case !health.Healthy:
		return health.Reason
	}
	return "rotation-due"
}

// provision creates and bootstraps a sandbox with bounded exponential
// retry. A failed bootstrap stops its partial sandbox before the next
// attempt creates a fresh one.
func (c *Controller) provision(ctx context.Context, sg *saga.Saga) (*sandbox.Instance, time.Time, error) {
	var lastErr error
	for attempt := 1; attempt <= c.ProvisionAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.BackoffMin << (attempt - 2)
			if err := c.Sleep(ctx, backoff); err != nil {
				return nil, time.Time{}, err
			}
		}

		createdAt := c.Now()
		inst, err := c.provisionOnce(ctx)
		if err == nil {
			log.Printf("watchdog: created sandbox %s at %s", inst.ID, inst.URL)
			return inst, createdAt, nil
		}
		lastErr = err
		remaining := c.ProvisionAttempts - attempt
		log.Printf("watchdog: provision attempt %d failed (%d retries left): %v", attempt, remaining, err)
		sg.Log(ctx, "provision.retry", fmt.Sprintf("attempt %d failed: %v", attempt, err), map[string]string{
			"attempt":   fmt.Sprintf("%d", attempt),
			"remaining": fmt.Sprintf("%d", remaining),
		})
	}
	return nil, time.Time{}, fmt.Errorf("provision failed after %d attempts: %w", c.ProvisionAttempts, lastErr)
}

func (c *Controller) provisionOnce(ctx context.Context) (*sandbox.Instance, error) {
	inst, err := c.Provider.Create(ctx, c.Spec)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if err := sandbox.Bootstrap(ctx, c.Provider, inst, c.Bootstrap); err != nil {
		return nil, err
	}
	return inst, nil
}

// waitReady polls the candidate's health endpoint until it passes or
// the readiness deadline elapses.
func (c *Controller) waitReady(ctx context.Context, inst *sandbox.Instance) error {
	deadline := c.Now().Add(c.ReadyTimeout)
	for {
		res := c.Prober.Probe(ctx, inst.URL, "candidate")
		if res.Healthy {
			log.Printf("watchdog: sandbox %s is healthy", inst.ID)
			return nil
		}
		log.Printf("watchdog: sandbox %s not ready: %s", inst.ID, res.Reason)

		if !c.Now().Before(deadline) {
			return fmt.Errorf("sandbox %s failed to become healthy in time", inst.ID)
		}
		if err := c.Sleep(ctx, c.ReadyInterval); err != nil {
			return err
		}
	}
}

// promote publishes the new backend. The routing pointers go out in a
// single batched write, and strictly before the state document, so the
// gateway can never observe a completed rotation that points at an
// unpromoted URL.
func (c *Controller) promote(ctx context.Context, state *model.SandboxState, rec *model.SandboxRecord) error {
	now := c.Now()
	c.snapshot(ctx, state, now)

	ops := []kv.Op{
		kv.Upsert(model.KeyActiveURL, rec.URL),
		kv.Upsert(model.KeyLastKnownGoodURL, rec.URL),
	}
	var previous *model.SandboxRecord
	if state.Active != nil {
		prev := *state.Active
		previous = &prev
		ops = append(ops, kv.Upsert(model.KeyPreviousURL, prev.URL))
	}
	if err := c.Store.Apply(ctx, ops); err != nil {
		return fmt.Errorf("promote %s: %w", rec.ID, err)
	}

	state.Active = rec
	state.LastRotationAt = &now

	if previous != nil {
		state.Draining = append(state.Draining, model.DrainingSandboxRecord{
			SandboxRecord:  *previous,
			DrainStartedAt: now,
		})
	}

	// The promoted id must never linger in the draining list.
	survivors := state.Draining[:0]
	for _, d := range state.Draining {
		if d.ID != rec.ID {
			survivors = append(survivors, d)
		}
	}
	state.Draining = survivors
	return nil
}

// drainAged decommissions sandboxes whose grace window has elapsed.
// Aged-out records always leave the list; the log level separates a
// clean stop from a provider-404 from a genuine stop failure. Stop
// errors never abort the tick.
func (c *Controller) drainAged(ctx context.Context, sg *saga.Saga, state *model.SandboxState, now time.Time) {
	if len(state.Draining) == 0 {
		return
	}
	survivors := make([]model.DrainingSandboxRecord, 0, len(state.Draining))
	for _, d := range state.Draining {
		if now.Sub(d.DrainStartedAt) < c.DrainGrace {
			survivors = append(survivors, d)
			continue
		}
		c.decommission(ctx, sg, d)
	}
	state.Draining = survivors
}

func (c *Controller) decommission(ctx context.Context, sg *saga.Saga, d model.DrainingSandboxRecord) {
	_, err := c.Provider.Get(ctx, d.ID)
	if err == nil {
		err = c.Provider.Stop(ctx, d.ID)
	}

	outcome := "stopped"
	switch {
	case err == nil:
		log.Printf("watchdog: decommissioned sandbox %s", d.ID)
	case isNotFound(err):
		outcome = "not-found"
		log.Printf("watchdog: sandbox %s already gone (not-found)", d.ID)
	default:
		outcome = "stop-failed"
		log.Printf("watchdog: ERROR stopping drained sandbox %s: %v", d.ID, err)
	}

	sg.Log(ctx, "drain.decommissioned", fmt.Sprintf("sandbox %s left the draining list (%s)", d.ID, outcome), map[string]string{
		"sandbox": d.ID,
		"outcome": outcome,
	})
	c.event("drain.decommissioned", d.ID, map[string]string{"outcome": outcome})
}

func (c *Controller) persist(ctx context.Context, state *model.SandboxState, now time.Time) error {
	state.LastCheckAt = &now
	state.LastFailure = nil
	if err := c.Store.Apply(ctx, []kv.Op{kv.Upsert(model.KeyState, state)}); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (c *Controller) failTick(ctx context.Context, sg *saga.Saga, loaded *model.SandboxState, tickErr error, now time.Time) {
	log.Printf("watchdog: tick failed: %v", tickErr)
	sg.Log(ctx, "tick.failed", tickErr.Error(), nil)
	c.event("tick.failed", activeID(loaded), map[string]string{"error": tickErr.Error()})

	loaded.LastFailure = &model.Failure{Reason: tickErr.Error(), At: now}
	ctx = context.WithoutCancel(ctx)
	if err := c.Store.Apply(ctx, []kv.Op{kv.Upsert(model.KeyState, loaded)}); err != nil {
		log.Printf("watchdog: record failure: %v", err)
	}
}

func (c *Controller) loadState(ctx context.Context) (*model.SandboxState, error) {
	raw, err := c.Store.ReadFirst(ctx, model.KeyState, model.LegacyKeyState)
	if err != nil {
		return nil, fmt.Errorf("read sandbox state: %w", err)
	}
	state := &model.SandboxState{}
	if raw != nil {
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, fmt.Errorf("decode sandbox state: %w", err)
		}
	}
	return state.Clone(), nil
}

func (c *Controller) snapshot(ctx context.Context, state *model.SandboxState, now time.Time) {
	if c.Snapshots == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	key := fmt.Sprintf("state/%s.json", now.UTC().Format("20060102T150405Z"))
	if err := c.Snapshots.PutSnapshot(ctx, c.SnapshotBucket, key, data); err != nil {
		log.Printf("watchdog: snapshot: %v", err)
	}
}

func (c *Controller) event(typ, sandboxID string, payload interface{}) {
	if c.WS == nil {
		return
	}
	c.WS.Broadcast(hub.Event{Type: typ, Sandbox: sandboxID, Payload: payload})
}

func (c *Controller) defaults() {
	if c.RotationInterval == 0 {
		c.RotationInterval = defaultRotationInterval
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.ReadyInterval == 0 {
		c.ReadyInterval = defaultReadyInterval
	}
	if c.ProvisionAttempts == 0 {
		c.ProvisionAttempts = defaultProvisionAttempts
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = defaultBackoffMin
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	if c.Sagas == nil {
		c.Sagas = saga.NewMemoryStore()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func activeID(state *model.SandboxState) string {
	if state == nil || state.Active == nil {
		return ""
	}
	return state.Active.ID
}

func isNotFound(err error) bool {
	return errors.Is(err, sandbox.ErrNotFound)
}
