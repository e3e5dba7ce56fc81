// Package scenario runs scripted interactions against the emulated
// interrupt controller: a YAML file describes the controller shape, a
// sequence of register accesses and line changes, and the expected
// outcomes.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/armgic/internal/devices/arm64/gic"
)

// Spec is the complete description of one scenario.
type Spec struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Controller  ControllerConfig `yaml:"controller"`
	Steps       []Step           `yaml:"steps"`
}

// ControllerConfig selects the controller shape for a scenario.
type ControllerConfig struct {
	CPUs           int    `yaml:"cpus"`
	Interrupts     int    `yaml:"interrupts"`
	Revision       string `yaml:"revision"`
	Security       bool   `yaml:"security"`
	Virtualization bool   `yaml:"virtualization"`
	ListRegisters  int    `yaml:"list_registers"`
}

// GICConfig converts the YAML shape into a controller configuration.
func (c ControllerConfig) GICConfig() (gic.Config, error) {
	cfg := gic.Config{
		NumCPU:       c.CPUs,
		NumIRQ:       c.Interrupts,
		SecurityExtn: c.Security,
		VirtExtn:     c.Virtualization,
		NumLR:        c.ListRegisters,
	}
	switch c.Revision {
	case "11mpcore":
		cfg.Revision = gic.Rev11MPCore
	case "v1":
		cfg.Revision = gic.RevGICv1
	case "", "v2":
		cfg.Revision = gic.RevGICv2
	default:
		return gic.Config{}, fmt.Errorf("scenario: unknown revision %q", c.Revision)
	}
	return cfg, nil
}

// Step is one scripted action. Exactly one of the fields must be set.
type Step struct {
	Name string `yaml:"name"`

	SetLine     *SetLineStep     `yaml:"set_line,omitempty"`
	Write       *AccessStep      `yaml:"write,omitempty"`
	Read        *AccessStep      `yaml:"read,omitempty"`
	ExpectLines *ExpectLinesStep `yaml:"expect_lines,omitempty"`
	Reset       *struct{}        `yaml:"reset,omitempty"`
}

// SetLineStep drives one peripheral input line.
type SetLineStep struct {
	Line  uint32 `yaml:"line"`
	Level bool   `yaml:"level"`
}

// AccessStep is one MMIO access. Unit selects the aperture; Offset is
// relative to it. Reads compare against Expect when it is given.
type AccessStep struct {
	CPU    int     `yaml:"cpu"`
	Secure *bool   `yaml:"secure,omitempty"` // defaults to true
	Unit   string  `yaml:"unit"`             // dist, cpu, hyp or vcpu
	Offset uint64  `yaml:"offset"`
	Size   int     `yaml:"size,omitempty"` // defaults to 4
	Value  uint32  `yaml:"value,omitempty"`
	Expect *uint32 `yaml:"expect,omitempty"`
}

// ExpectLinesStep asserts the level of one CPU's output lines. Nil
// fields are not checked.
type ExpectLinesStep struct {
	CPU         int   `yaml:"cpu"`
	IRQ         *bool `yaml:"irq,omitempty"`
	FIQ         *bool `yaml:"fiq,omitempty"`
	VIRQ        *bool `yaml:"virq,omitempty"`
	VFIQ        *bool `yaml:"vfiq,omitempty"`
	Maintenance *bool `yaml:"maintenance,omitempty"`
}

// Load parses a scenario file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses scenario YAML.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("scenario: parsing spec: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario: missing name")
	}
	for i, step := range s.Steps {
		count := 0
		if step.SetLine != nil {
			count++
		}
		if step.Write != nil {
			count++
		}
		if step.Read != nil {
			count++
		}
		if step.ExpectLines != nil {
			count++
		}
		if step.Reset != nil {
			count++
		}
		if count != 1 {
			return fmt.Errorf("scenario: step %d (%s) must have exactly one action",
				i, step.Name)
		}
	}
	return nil
}
