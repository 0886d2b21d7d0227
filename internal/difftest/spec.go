package difftest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec describes one lock-step comparison run: the image to load into the
// device under test, where execution starts, how long to run, and which
// CSRs participate in the comparison.
type Spec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Image       string   `yaml:"image"`
	EntryPoint  uint64   `yaml:"entry_point"`
	MaxSteps    int      `yaml:"max_steps"`
	Timeout     Duration `yaml:"timeout"`
	CompareCSRs []string `yaml:"compare_csrs"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadSpec loads a difftest scenario specification from a YAML file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading difftest spec: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing difftest spec: %w", err)
	}

	if spec.MaxSteps == 0 {
		spec.MaxSteps = 1_000_000
	}
	if spec.Timeout == 0 {
		spec.Timeout = Duration(30 * time.Second)
	}
	if len(spec.CompareCSRs) == 0 {
		spec.CompareCSRs = []string{"mstatus", "mepc", "mcause", "satp"}
	}

	return &spec, nil
}
