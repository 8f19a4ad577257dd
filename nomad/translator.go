package nomad

import (
	"log"
	"strings"

	nomadapi "github.com/hashicorp/nomad/api"

	"github.com/dan-fein/sandbox-bootstrap-next/sandbox"
)

const sandboxTask = "sandbox"

// translate builds the Nomad job for one sandbox: a node image kept
// alive so the bootstrap sequence can exec into it, with a static port
// for predictable routing.
func translate(id string, spec sandbox.Spec) *nomadapi.Job {
	job := nomadapi.NewServiceJob(id, id, "global", 50)
	job.Datacenters = []string{"dc1"}

	tg := nomadapi.NewTaskGroup(sandboxTask, 1)

	attempts := 0
	mode := "fail"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Mode:     &mode,
	}

	task := nomadapi.NewTask(sandboxTask, "docker")
	task.Config = map[string]interface{}{
		"image":   runtimeImage(spec.Runtime),
		"command": "sleep",
		"args":    []string{"infinity"},
		"ports":   []string{"http"},
	}

	tg.Networks = []*nomadapi.NetworkResource{{
		ReservedPorts: []nomadapi.Port{{Label: "http", Value: spec.Port}},
	}}

	cpu := 1000
	mem := 2048
	task.Resources = &nomadapi.Resources{CPU: &cpu, MemoryMB: &mem}

	if spec.MaxLifetime > 0 {
		kill := spec.MaxLifetime
		task.KillTimeout = &kill
	}

	tg.Tasks = []*nomadapi.Task{task}
	job.TaskGroups = []*nomadapi.TaskGroup{tg}
	return job
}

func runtimeImage(runtime string) string {
	switch runtime {
	case "node22", "":
		return "node:22"
	default:
		if strings.HasPrefix(runtime, "node") {
			return "node:" + strings.TrimPrefix(runtime, "node")
		}
		log.Printf("nomad: unknown runtime %q, defaulting to node:22", runtime)
		return "node:22"
	}
}

// execArgv turns a provider Command into the argv passed to the
// allocation exec API. Env and cwd travel through a shell wrapper
// because exec has no native support for either.
func execArgv(cmd sandbox.Command) []string {
	var sb strings.Builder
	for k, v := range cmd.Env {
		sb.WriteString(k + "=" + shellQuote(v) + " ")
	}
	sb.WriteString(shellQuote(cmd.Cmd))
	for _, a := range cmd.Args {
		sb.WriteString(" " + shellQuote(a))
	}
	script := sb.String()
	if cmd.Cwd != "" {
		script = "cd " + shellQuote(cmd.Cwd) + " && " + script
	}
	if cmd.Detached {
		script = "nohup " + script + " >/tmp/sandbox-start.log 2>&1 &"
	}
	if cmd.Sudo {
		return []string{"sudo", "sh", "-c", script}
	}
	return []string{"sh", "-c", script}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]~`#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
