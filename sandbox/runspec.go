package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunSpec is an optional per-repo override for the bootstrap sequence,
// loaded from SANDBOX_SPEC_FILE.
type RunSpec struct {
	Workdir        string            `yaml:"workdir"`
	Ref            string            `yaml:"ref"`
	InstallCommand string            `yaml:"installCommand"`
	BuildCommand   string            `yaml:"buildCommand"`
	StartCommand   string            `yaml:"startCommand"`
	Env            map[string]string `yaml:"env"`
}

func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run spec: %w", err)
	}
	var spec RunSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse run spec %s: %w", path, err)
	}
	return &spec, nil
}
