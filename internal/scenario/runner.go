package scenario

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/armgic/internal/devices/arm64/gic"
	"github.com/tinyrange/armgic/internal/hv"
)

type recordedLine struct {
	level bool
}

func (l *recordedLine) SetLevel(high bool) { l.level = high }

func (l *recordedLine) PulseInterrupt() {
	l.SetLevel(true)
	l.SetLevel(false)
}

// Runner executes one scenario against a fresh controller.
type Runner struct {
	spec *Spec
	cfg  gic.Config
	gic  *gic.GIC

	irq, fiq, virq, vfiq, maint []*recordedLine
}

// NewRunner constructs the controller described by the scenario and
// wires recorded output lines.
func NewRunner(spec *Spec) (*Runner, error) {
	cfg, err := spec.Controller.GICConfig()
	if err != nil {
		return nil, err
	}

	g, err := gic.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", spec.Name, err)
	}

	r := &Runner{spec: spec, cfg: g.Config(), gic: g}
	for cpu := 0; cpu < cfg.NumCPU; cpu++ {
		irq, fiq := &recordedLine{}, &recordedLine{}
		if err := g.ConnectCPU(cpu, irq, fiq); err != nil {
			return nil, err
		}
		r.irq = append(r.irq, irq)
		r.fiq = append(r.fiq, fiq)

		if cfg.VirtExtn {
			virq, vfiq, maint := &recordedLine{}, &recordedLine{}, &recordedLine{}
			if err := g.ConnectVirtCPU(cpu, virq, vfiq, maint); err != nil {
				return nil, err
			}
			r.virq = append(r.virq, virq)
			r.vfiq = append(r.vfiq, vfiq)
			r.maint = append(r.maint, maint)
		}
	}
	return r, nil
}

// Run executes every step, stopping at the first failure.
func (r *Runner) Run() error {
	for i, step := range r.spec.Steps {
		if err := r.runStep(step); err != nil {
			return fmt.Errorf("scenario %s: step %d (%s): %w",
				r.spec.Name, i, step.Name, err)
		}
		slog.Debug("scenario: step passed", "scenario", r.spec.Name,
			"step", i, "name", step.Name)
	}
	return nil
}

func (r *Runner) runStep(step Step) error {
	switch {
	case step.SetLine != nil:
		r.gic.SetIRQ(step.SetLine.Line, step.SetLine.Level)
		return nil
	case step.Write != nil:
		return r.access(step.Write, true)
	case step.Read != nil:
		return r.access(step.Read, false)
	case step.ExpectLines != nil:
		return r.expectLines(step.ExpectLines)
	case step.Reset != nil:
		return r.gic.Reset()
	default:
		return fmt.Errorf("empty step")
	}
}

func (r *Runner) resolveAddr(a *AccessStep) (uint64, error) {
	switch a.Unit {
	case "", "dist":
		return r.cfg.DistBase + a.Offset, nil
	case "cpu":
		return r.cfg.CPUBase + a.Offset, nil
	case "hyp":
		if !r.cfg.VirtExtn {
			return 0, fmt.Errorf("hyp access without virtualization")
		}
		return r.cfg.HypBase + a.Offset, nil
	case "vcpu":
		if !r.cfg.VirtExtn {
			return 0, fmt.Errorf("vcpu access without virtualization")
		}
		return r.cfg.VCPUBase + a.Offset, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", a.Unit)
	}
}

func (r *Runner) access(a *AccessStep, write bool) error {
	addr, err := r.resolveAddr(a)
	if err != nil {
		return err
	}

	size := a.Size
	if size == 0 {
		size = 4
	}
	secure := true
	if a.Secure != nil {
		secure = *a.Secure
	}
	ctx := hv.ExitContext{Cpu: a.CPU, Secure: secure}

	buf := make([]byte, size)
	if write {
		storeLE(buf, a.Value)
		return r.gic.WriteMMIO(ctx, addr, buf)
	}

	if err := r.gic.ReadMMIO(ctx, addr, buf); err != nil {
		return err
	}
	if a.Expect != nil {
		if got := loadLE(buf); got != *a.Expect {
			return fmt.Errorf("read 0x%x from %s+0x%x, expected 0x%x",
				got, a.Unit, a.Offset, *a.Expect)
		}
	}
	return nil
}

func (r *Runner) expectLines(e *ExpectLinesStep) error {
	if e.CPU < 0 || e.CPU >= r.cfg.NumCPU {
		return fmt.Errorf("CPU %d outside [0,%d)", e.CPU, r.cfg.NumCPU)
	}
	check := func(name string, want *bool, lines []*recordedLine) error {
		if want == nil {
			return nil
		}
		if lines == nil {
			return fmt.Errorf("%s line not wired", name)
		}
		if got := lines[e.CPU].level; got != *want {
			return fmt.Errorf("%s line on CPU %d is %v, expected %v",
				name, e.CPU, got, *want)
		}
		return nil
	}

	if err := check("IRQ", e.IRQ, r.irq); err != nil {
		return err
	}
	if err := check("FIQ", e.FIQ, r.fiq); err != nil {
		return err
	}
	if err := check("vIRQ", e.VIRQ, r.virq); err != nil {
		return err
	}
	if err := check("vFIQ", e.VFIQ, r.vfiq); err != nil {
		return err
	}
	return check("maintenance", e.Maintenance, r.maint)
}

// RunFile loads and runs one scenario file.
func RunFile(path string) error {
	spec, err := Load(path)
	if err != nil {
		return err
	}
	runner, err := NewRunner(spec)
	if err != nil {
		return err
	}
	return runner.Run()
}

func storeLE(buf []byte, value uint32) {
	switch len(buf) {
	case 1:
		buf[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	default:
		binary.LittleEndian.PutUint32(buf, value)
	}
}

func loadLE(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}
