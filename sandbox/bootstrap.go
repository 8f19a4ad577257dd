package sandbox

import (
	"context"
	"fmt"
	"log"
	"strconv"
)

// BootstrapConfig carries everything the in-sandbox application needs
// to clone, build and start.
type BootstrapConfig struct {
	Repo           string
	Ref            string
	Workdir        string
	Port           int
	KeepaliveToken string
	// Spec optionally overrides commands and adds env (SANDBOX_SPEC_FILE).
	Spec *RunSpec
}

// StepError is a bootstrap command that exited non-zero.
type StepError struct {
	Step     string
	ExitCode int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap step %s failed with exit code %d", e.Step, e.ExitCode)
}

type bootstrapStep struct {
	name string
	cmd  Command
}

// Bootstrap runs the clone/install/build/start sequence inside a
// freshly created sandbox. On any non-detached step failure the partial
// sandbox is stopped (best effort) and the step error is returned.
func Bootstrap(ctx context.Context, p Provider, inst *Instance, cfg BootstrapConfig) error {
	workdir := cfg.Workdir
	ref := cfg.Ref
	extraEnv := map[string]string{}
	install := "pnpm install --no-frozen-lockfile"
	build := "pnpm --filter next-app build"
	start := "pnpm --filter next-app start"
	if cfg.Spec != nil {
		if cfg.Spec.Workdir != "" {
			workdir = cfg.Spec.Workdir
		}
		if cfg.Spec.Ref != "" {
			ref = cfg.Spec.Ref
		}
		if cfg.Spec.InstallCommand != "" {
			install = cfg.Spec.InstallCommand
		}
		if cfg.Spec.BuildCommand != "" {
			build = cfg.Spec.BuildCommand
		}
		if cfg.Spec.StartCommand != "" {
			start = cfg.Spec.StartCommand
		}
		for k, v := range cfg.Spec.Env {
			extraEnv[k] = v
		}
	}

	runtimeEnv := map[string]string{
		"PORT":                            strconv.Itoa(cfg.Port),
		"KEEPALIVE_TOKEN":                 cfg.KeepaliveToken,
		"SANDBOX_APP_REPO":                cfg.Repo,
		"SANDBOX_APP_REF":                 ref,
		"SANDBOX_SELF_URL":                inst.URL,
		"NEXT_APP_SKIP_MONITORING_ROUTES": "true",
		"NODE_ENV":                        "production",
	}
	for k, v := range extraEnv {
		runtimeEnv[k] = v
	}

	steps := []bootstrapStep{
		{"clean", Command{Cmd: "rm", Args: []string{"-rf", workdir}}},
		{"workdir", Command{Cmd: "mkdir", Args: []string{"-p", workdir}}},
		{"clone", Command{Cmd: "git", Args: []string{"clone", "--branch", ref, "--single-branch", "--depth", "1", cfg.Repo, workdir}}},
		{"corepack", Command{Cmd: "corepack", Args: []string{"enable"}, Sudo: true}},
		{"install", shellCommand(install, workdir, nil)},
		// The sandboxed app must not run its own watchdog against us.
		{"build", shellCommand(build, workdir, map[string]string{"NEXT_APP_SKIP_MONITORING_ROUTES": "true"})},
		{"start", detached(shellCommand(start, workdir, runtimeEnv))},
	}

	for _, step := range steps {
		exitCode, err := p.RunCommand(ctx, inst.ID, step.name, step.cmd)
		if err == nil && exitCode != 0 {
			err = &StepError{Step: step.name, ExitCode: exitCode}
		}
		if err != nil {
			if !step.cmd.Detached {
				if stopErr := p.Stop(context.WithoutCancel(ctx), inst.ID); stopErr != nil {
					log.Printf("bootstrap: stop partial sandbox %s: %v", inst.ID, stopErr)
				}
			}
			return fmt.Errorf("bootstrap %s: %w", inst.ID, err)
		}
	}
	return nil
}

func shellCommand(script, cwd string, env map[string]string) Command {
	return Command{Cmd: "sh", Args: []string{"-c", script}, Cwd: cwd, Env: env}
}

func detached(c Command) Command {
	c.Detached = true
	return c
}
