// Package nomad is the self-hosted sandbox backend. Each sandbox is a
// single-task Nomad service job; commands run through the allocation
// exec API.
package nomad

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	nomadapi "github.com/hashicorp/nomad/api"

	"github.com/dan-fein/sandbox-bootstrap-next/sandbox"
)

type Provider struct {
	api *nomadapi.Client
}

func NewProvider(addr string) (*Provider, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = addr

	client, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &Provider{api: client}, nil
}

// Healthy checks connectivity to Nomad.
func (p *Provider) Healthy() error {
	_, err := p.api.Agent().NodeName()
	return err
}

func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Instance, error) {
	id := "sandbox-" + uuid.New().String()[:8]

	job := translate(id, spec)
	if _, _, err := p.api.Jobs().Register(job, (&nomadapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("submit sandbox job: %w", err)
	}

	addr, err := p.waitPlaced(ctx, id)
	if err != nil {
		// Leave nothing behind when placement never happens.
		p.api.Jobs().Deregister(id, true, nil)
		return nil, err
	}

	return &sandbox.Instance{
		ID:  id,
		URL: fmt.Sprintf("http://%s:%d", addr, spec.Port),
	}, nil
}

func (p *Provider) Get(ctx context.Context, id string) (*sandbox.Instance, error) {
	job, _, err := p.api.Jobs().Info(id, (&nomadapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("get sandbox job %s: %w", id, err)
	}

	port := 0
	for _, tg := range job.TaskGroups {
		for _, net := range tg.Networks {
			for _, rp := range net.ReservedPorts {
				port = rp.Value
			}
		}
	}

	addr, err := p.allocAddress(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sandbox.Instance{ID: id, URL: fmt.Sprintf("http://%s:%d", addr, port)}, nil
}

func (p *Provider) Stop(ctx context.Context, id string) error {
	_, _, err := p.api.Jobs().Deregister(id, true, (&nomadapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("stop sandbox job %s: %w", id, err)
	}
	return nil
}

func (p *Provider) RunCommand(ctx context.Context, id, step string, cmd sandbox.Command) (int, error) {
	alloc, err := p.runningAllocation(ctx, id)
	if err != nil {
		return 0, err
	}

	command := execArgv(cmd)

	if cmd.Detached {
		// Fire and forget: the shell wrapper backgrounds the command,
		// which keeps running inside the allocation after the exec
		// session ends.
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			stdout := newLineLogger(id, step, "stdout")
			stderr := newLineLogger(id, step, "stderr")
			defer stdout.Flush()
			defer stderr.Flush()
			p.api.Allocations().Exec(bg, alloc, sandboxTask, false, command, strings.NewReader(""), stdout, stderr, nil, nil)
		}()
		return 0, nil
	}

	stdout := newLineLogger(id, step, "stdout")
	stderr := newLineLogger(id, step, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	exitCode, err := p.api.Allocations().Exec(ctx, alloc, sandboxTask, false, command, strings.NewReader(""), stdout, stderr, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("exec in sandbox %s: %w", id, err)
	}
	return exitCode, nil
}

// waitPlaced blocks until the sandbox job has a running allocation and
// returns the node address it landed on.
func (p *Provider) waitPlaced(ctx context.Context, id string) (string, error) {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		if addr, err := p.allocAddress(ctx, id); err == nil {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("sandbox job %s was never placed", id)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Provider) runningAllocation(ctx context.Context, id string) (*nomadapi.Allocation, error) {
	stubs, _, err := p.api.Jobs().Allocations(id, false, (&nomadapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("list allocations for %s: %w", id, err)
	}
	for _, stub := range stubs {
		if stub.ClientStatus != "running" {
			continue
		}
		alloc, _, err := p.api.Allocations().Info(stub.ID, (&nomadapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("get allocation %s: %w", stub.ID, err)
		}
		return alloc, nil
	}
	return nil, fmt.Errorf("sandbox job %s has no running allocation", id)
}

func (p *Provider) allocAddress(ctx context.Context, id string) (string, error) {
	alloc, err := p.runningAllocation(ctx, id)
	if err != nil {
		return "", err
	}
	node, _, err := p.api.Nodes().Info(alloc.NodeID, (&nomadapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("get node %s: %w", alloc.NodeID, err)
	}
	if ip, ok := node.Attributes["unique.network.ip-address"]; ok {
		return ip, nil
	}
	host := node.HTTPAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "404")
}
