package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/kv"
	"github.com/dan-fein/sandbox-bootstrap-next/model"
	"github.com/dan-fein/sandbox-bootstrap-next/probe"
	"github.com/dan-fein/sandbox-bootstrap-next/sandbox"
)

// fakeStore is an in-memory kv.Store that records Apply batches.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string]json.RawMessage
	applies [][]kv.Op

	readErr  error
	applyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]json.RawMessage{}}
}

func (f *fakeStore) Read(ctx context.Context, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	v, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (f *fakeStore) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	for _, key := range keys {
		v, err := f.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Apply(ctx context.Context, ops []kv.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applies = append(f.applies, ops)
	for _, op := range ops {
		switch op.Operation {
		case kv.OpUpsert:
			raw, err := json.Marshal(op.Value)
			if err != nil {
				return err
			}
			f.data[op.Key] = raw
		case kv.OpDelete:
			delete(f.data, op.Key)
		}
	}
	return nil
}

func (f *fakeStore) seedState(t *testing.T, state *model.SandboxState) {
	t.Helper()
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	f.data[model.KeyState] = raw
}

func (f *fakeStore) loadState(t *testing.T) *model.SandboxState {
	t.Helper()
	raw, ok := f.data[model.KeyState]
	if !ok {
		t.Fatal("no sandbox_state in store")
	}
	var state model.SandboxState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatal(err)
	}
	return &state
}

func (f *fakeStore) stringKey(t *testing.T, key string) string {
	t.Helper()
	raw, ok := f.data[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("key %s is not a string: %v", key, err)
	}
	return s
}

// fakeProvider hands out sequentially numbered sandboxes and records
// every call.
type fakeProvider struct {
	mu       sync.Mutex
	nextID   int
	created  []string
	stopped  []string
	commands []string

	createErrs []error // consumed per Create call
	getErr     map[string]error
	stopErr    map[string]error
	cmdFail    string // step name that fails with exit 1
}

func newFakeProvider(first int) *fakeProvider {
	return &fakeProvider{nextID: first, getErr: map[string]error{}, stopErr: map[string]error{}}
}

func sbxURL(id string) string { return "https://" + id + ".example" }

func (f *fakeProvider) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	id := fmt.Sprintf("sbx-%d", f.nextID)
	f.nextID++
	f.created = append(f.created, id)
	return &sandbox.Instance{ID: id, URL: sbxURL(id)}, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (*sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return &sandbox.Instance{ID: id, URL: sbxURL(id)}, nil
}

func (f *fakeProvider) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.stopErr[id]
}

func (f *fakeProvider) RunCommand(ctx context.Context, id, step string, cmd sandbox.Command) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, id+":"+step)
	if step == f.cmdFail {
		return 1, nil
	}
	return 0, nil
}

// fakeProber returns scripted results per URL, falling back to healthy.
type fakeProber struct {
	mu      sync.Mutex
	results map[string][]probe.Result
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{results: map[string][]probe.Result{}, calls: map[string]int{}}
}

func (f *fakeProber) scriptAll(url string, res probe.Result) {
	// A one-entry queue is never drained, so it means "always res".
	f.results[url] = []probe.Result{res}
}

func (f *fakeProber) Probe(ctx context.Context, baseURL, role string) probe.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[baseURL]++
	queue, ok := f.results[baseURL]
	if !ok {
		return probe.Result{Healthy: true, Status: 200, Payload: map[string]interface{}{}}
	}
	if len(queue) > 1 {
		f.results[baseURL] = queue[1:]
	}
	return queue[0]
}

type fakePinger struct {
	pinged chan string
}

func (f *fakePinger) Ping(ctx context.Context, baseURL string) error {
	select {
	case f.pinged <- baseURL:
	default:
	}
	return nil
}

// fakeClock advances whenever the controller sleeps, so deadline loops
// terminate deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

var t0 = time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

func newController(fs *fakeStore, fp *fakeProvider, pr *fakeProber, clock *fakeClock) *Controller {
	return &Controller{
		Store:    fs,
		Provider: fp,
		Prober:   pr,
		Spec:     sandbox.Spec{Port: 3000, Runtime: "node22"},
		Bootstrap: sandbox.BootstrapConfig{
			Repo:           "https://github.com/acme/next-app.git",
			Ref:            "main",
			Workdir:        "/tmp/next-sandbox-app",
			Port:           3000,
			KeepaliveToken: "secret",
		},
		Now:   clock.Now,
		Sleep: clock.Sleep,
	}
}

func TestTickColdStart(t *testing.T) {
	fs := newFakeStore()
	fp := newFakeProvider(1)
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fp.created) != 1 || fp.created[0] != "sbx-1" {
		t.Fatalf("created = %v, want [sbx-1]", fp.created)
	}
	if got := fs.stringKey(t, model.KeyActiveURL); got != sbxURL("sbx-1") {
		t.Errorf("active url = %q", got)
	}
	if got := fs.stringKey(t, model.KeyLastKnownGoodURL); got != sbxURL("sbx-1") {
		t.Errorf("last known good url = %q", got)
	}
	if _, ok := fs.data[model.KeyPreviousURL]; ok {
		t.Error("previous url written on cold start")
	}

	state := fs.loadState(t)
	if state.Active == nil || state.Active.ID != "sbx-1" {
		t.Fatalf("active = %+v", state.Active)
	}
	if state.Active.Status != model.StatusHealthy {
		t.Errorf("active status = %s", state.Active.Status)
	}
	if len(state.Draining) != 0 {
		t.Errorf("draining = %v", state.Draining)
	}
	if state.LastRotationAt == nil || !state.LastRotationAt.Equal(t0) {
		t.Errorf("lastRotationAt = %v", state.LastRotationAt)
	}
	if state.LastCheckAt == nil || !state.LastCheckAt.Equal(t0) {
		t.Errorf("lastCheckAt = %v", state.LastCheckAt)
	}
	if state.LastFailure != nil {
		t.Errorf("lastFailure = %+v", state.LastFailure)
	}

	// The full bootstrap sequence ran inside the new sandbox.
	wantSteps := []string{"clean", "workdir", "clone", "corepack", "install", "build", "start"}
	if len(fp.commands) != len(wantSteps) {
		t.Fatalf("commands = %v", fp.commands)
	}
	for i, step := range wantSteps {
		if fp.commands[i] != "sbx-1:"+step {
			t.Errorf("command[%d] = %s, want sbx-1:%s", i, fp.commands[i], step)
		}
	}

	// Routing pointers must land before the state document.
	if len(fs.applies) != 2 {
		t.Fatalf("applies = %d, want 2", len(fs.applies))
	}
	if fs.applies[0][0].Key != model.KeyActiveURL {
		t.Errorf("first batch starts with %s", fs.applies[0][0].Key)
	}
	if fs.applies[1][0].Key != model.KeyState {
		t.Errorf("second batch starts with %s", fs.applies[1][0].Key)
	}
}

func TestTickHealthyNoRotationDue(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-10 * time.Minute)
	fs.seedState(t, &model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
	})
	fp := newFakeProvider(2)
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	pinger := &fakePinger{pinged: make(chan string, 1)}
	c.Keepalive = pinger

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fp.created) != 0 {
		t.Fatalf("provisioned %v on a healthy tick", fp.created)
	}
	state := fs.loadState(t)
	if state.Active.ID != "sbx-1" {
		t.Errorf("active changed to %s", state.Active.ID)
	}
	if state.LastCheckAt == nil || !state.LastCheckAt.Equal(t0) {
		t.Errorf("lastCheckAt = %v", state.LastCheckAt)
	}
	if state.LastRotationAt == nil || !state.LastRotationAt.Equal(rot) {
		t.Errorf("lastRotationAt moved: %v", state.LastRotationAt)
	}
	if state.LastFailure != nil {
		t.Errorf("lastFailure = %+v", state.LastFailure)
	}

	select {
	case url := <-pinger.pinged:
		if url != sbxURL("sbx-1") {
			t.Errorf("keepalive pinged %s", url)
		}
	case <-time.After(time.Second):
		t.Error("keepalive never pinged after healthy probe")
	}
}

func TestTickForceProvisionOverHealthyActive(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-time.Hour)
	fs.seedState(t, &model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
	})
	fp := newFakeProvider(2)
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), true); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// The forced tick never probes the active instance.
	if pr.calls[sbxURL("sbx-1")] != 0 {
		t.Errorf("active probed %d times under force", pr.calls[sbxURL("sbx-1")])
	}
	if got := fs.stringKey(t, model.KeyActiveURL); got != sbxURL("sbx-2") {
		t.Errorf("active url = %q", got)
	}
	if got := fs.stringKey(t, model.KeyPreviousURL); got != sbxURL("sbx-1") {
		t.Errorf("previous url = %q", got)
	}

	state := fs.loadState(t)
	if state.Active.ID != "sbx-2" {
		t.Fatalf("active = %s", state.Active.ID)
	}
	if len(state.Draining) != 1 || state.Draining[0].ID != "sbx-1" {
		t.Fatalf("draining = %+v", state.Draining)
	}
	if !state.Draining[0].DrainStartedAt.Equal(t0) {
		t.Errorf("drainStartedAt = %v", state.Draining[0].DrainStartedAt)
	}
	// P3: the active id never appears in the draining list.
	for _, d := range state.Draining {
		if d.ID == state.Active.ID {
			t.Errorf("active %s present in draining", d.ID)
		}
	}
}

func TestTickReadinessTimeout(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-time.Hour)
	fs.seedState(t, &model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
	})
	fp := newFakeProvider(2)
	pr := newFakeProber()
	pr.scriptAll(sbxURL("sbx-1"), probe.Unhealthy("health-status-500"))
	pr.scriptAll(sbxURL("sbx-2"), probe.Unhealthy("health-status-503"))
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	err := c.Tick(context.Background(), false)
	if err == nil {
		t.Fatal("expected readiness timeout")
	}
	want := "sandbox sbx-2 failed to become healthy in time"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}

	state := fs.loadState(t)
	if state.Active == nil || state.Active.ID != "sbx-1" {
		t.Fatalf("active = %+v, want sbx-1 untouched", state.Active)
	}
	if state.LastFailure == nil || state.LastFailure.Reason != want {
		t.Fatalf("lastFailure = %+v", state.LastFailure)
	}
	if !state.LastFailure.At.Equal(t0) {
		t.Errorf("lastFailure.at = %v", state.LastFailure.At)
	}
	if state.LastCheckAt != nil {
		t.Errorf("lastCheckAt set on failed tick: %v", state.LastCheckAt)
	}
	// Pointer keys untouched: no promotion happened.
	if _, ok := fs.data[model.KeyActiveURL]; ok {
		t.Error("active url pointer written despite failed readiness")
	}
}

func TestTickRotationDue(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-6 * time.Hour)
	fs.seedState(t, &model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
	})
	fp := newFakeProvider(2)
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fp.created) != 1 {
		t.Fatalf("created = %v, want one replacement", fp.created)
	}
	state := fs.loadState(t)
	if state.Active.ID != "sbx-2" {
		t.Errorf("active = %s", state.Active.ID)
	}
}

func TestTickNoRotationWithoutBaseline(t *testing.T) {
	// lastRotationAt == null means rotation is never "due"; only a
	// missing or unhealthy active provisions.
	fs := newFakeStore()
	fs.seedState(t, &model.SandboxState{
		Active: &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: t0.Add(-24 * time.Hour), Status: model.StatusHealthy},
	})
	fp := newFakeProvider(2)
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fp.created) != 0 {
		t.Fatalf("created = %v, want none", fp.created)
	}
}

func TestDrainGraceElapsed(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-time.Hour)
	fs.seedState(t, &model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
		Draining: []model.DrainingSandboxRecord{{
			SandboxRecord:  model.SandboxRecord{ID: "sbx-0", URL: sbxURL("sbx-0"), CreatedAt: rot.Add(-time.Hour), Status: model.StatusUnhealthy},
			DrainStartedAt: t0.Add(-11 * time.Minute),
		}},
	})
	fp := newFakeProvider(2)
	fp.getErr["sbx-0"] = sandbox.ErrNotFound
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	state := fs.loadState(t)
	if len(state.Draining) != 0 {
		t.Fatalf("draining = %+v, want empty", state.Draining)
	}
	// Provider-404 short-circuits the stop.
	if len(fp.stopped) != 0 {
		t.Errorf("stopped = %v", fp.stopped)
	}
}

func TestDrainStopErrorStillRemoves(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-time.Hour)
	fs.seedState(t, &model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-1", URL: sbxURL("sbx-1"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
		Draining: []model.DrainingSandboxRecord{
			{
				SandboxRecord:  model.SandboxRecord{ID: "sbx-0", URL: sbxURL("sbx-0"), CreatedAt: rot, Status: model.StatusUnhealthy},
				DrainStartedAt: t0.Add(-15 * time.Minute),
			},
			{
				SandboxRecord:  model.SandboxRecord{ID: "sbx-fresh", URL: sbxURL("sbx-fresh"), CreatedAt: rot, Status: model.StatusUnhealthy},
				DrainStartedAt: t0.Add(-2 * time.Minute),
			},
		},
	})
	fp := newFakeProvider(2)
	fp.stopErr["sbx-0"] = errors.New("provider exploded")
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	state := fs.loadState(t)
	if len(state.Draining) != 1 || state.Draining[0].ID != "sbx-fresh" {
		t.Fatalf("draining = %+v, want only sbx-fresh", state.Draining)
	}
	if len(fp.stopped) != 1 || fp.stopped[0] != "sbx-0" {
		t.Errorf("stopped = %v", fp.stopped)
	}
}

func TestProvisionRetriesWithBackoff(t *testing.T) {
	fs := newFakeStore()
	fp := newFakeProvider(1)
	fp.createErrs = []error{errors.New("boom"), errors.New("boom")}
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(clock.sleeps) < 2 || clock.sleeps[0] != 2*time.Second || clock.sleeps[1] != 4*time.Second {
		t.Errorf("backoff sleeps = %v, want 2s then 4s", clock.sleeps)
	}
	if len(fp.created) != 1 {
		t.Errorf("created = %v", fp.created)
	}
}

func TestProvisionExhaustsRetries(t *testing.T) {
	fs := newFakeStore()
	fp := newFakeProvider(1)
	fp.createErrs = []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
		errors.New("boom"), errors.New("boom"),
	}
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	err := c.Tick(context.Background(), false)
	if err == nil {
		t.Fatal("expected provisioning failure")
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v", clock.sleeps)
	}
	for i, d := range want {
		if clock.sleeps[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, clock.sleeps[i], d)
		}
	}

	state := fs.loadState(t)
	if state.LastFailure == nil {
		t.Fatal("lastFailure not recorded")
	}
}

func TestBootstrapFailureStopsPartialSandbox(t *testing.T) {
	fs := newFakeStore()
	fp := newFakeProvider(1)
	fp.cmdFail = "build"
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)
	c.ProvisionAttempts = 1

	err := c.Tick(context.Background(), false)
	if err == nil {
		t.Fatal("expected bootstrap failure")
	}
	if len(fp.stopped) != 1 || fp.stopped[0] != "sbx-1" {
		t.Errorf("stopped = %v, want the partial sandbox", fp.stopped)
	}
}

func TestLegacyStateKeyFallback(t *testing.T) {
	fs := newFakeStore()
	rot := t0.Add(-10 * time.Minute)
	raw, _ := json.Marshal(&model.SandboxState{
		Active:         &model.SandboxRecord{ID: "sbx-legacy", URL: sbxURL("sbx-legacy"), CreatedAt: rot, Status: model.StatusHealthy},
		LastRotationAt: &rot,
	})
	fs.data[model.LegacyKeyState] = raw

	fp := newFakeProvider(2)
	pr := newFakeProber()
	clock := newFakeClock(t0)
	c := newController(fs, fp, pr, clock)

	if err := c.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fp.created) != 0 {
		t.Fatalf("created = %v, legacy state should have been honored", fp.created)
	}
	// Persist writes the underscore key and never the dotted one.
	if _, ok := fs.data[model.KeyState]; !ok {
		t.Error("sandbox_state not written")
	}
	for _, batch := range fs.applies {
		for _, op := range batch {
			if op.Key == model.LegacyKeyState {
				t.Errorf("dotted key %s written", op.Key)
			}
		}
	}
}
