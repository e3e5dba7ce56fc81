package kvm

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/armgic/internal/chipset"
)

// IRQLineSetter drives one encoded interrupt line on a KVM virtual
// machine.
type IRQLineSetter interface {
	IRQLine(encoded uint32, level bool) error
}

// LineMap translates the controller's dense input line space into
// KVM_IRQ_LINE encodings: lines [0, NumSPI) are the shared peripheral
// interrupts from intid 32, followed by one 32-line private bank per
// vCPU.
type LineMap struct {
	NumSPI int
	NumCPU int
}

// Encode returns the KVM encoding of a dense line number.
func (m LineMap) Encode(line uint32) (uint32, error) {
	if line < uint32(m.NumSPI) {
		return EncodeSPI(line + spiBase)
	}
	rel := line - uint32(m.NumSPI)
	cpu := int(rel / 32)
	if cpu >= m.NumCPU {
		return 0, fmt.Errorf("kvm: line %d beyond the last private bank", line)
	}
	return EncodePPI(cpu, rel%32)
}

// Sink forwards device interrupt lines into a KVM in-kernel GIC. It
// takes the place of the emulated distributor when the kernel provides
// one.
type Sink struct {
	Map    LineMap
	Target IRQLineSetter
}

var _ chipset.InterruptSink = (*Sink)(nil)

// SetIRQ implements chipset.InterruptSink.
func (s *Sink) SetIRQ(line uint32, level bool) {
	encoded, err := s.Map.Encode(line)
	if err != nil {
		slog.Warn("kvm: dropping interrupt line", "line", line, "error", err)
		return
	}
	if err := s.Target.IRQLine(encoded, level); err != nil {
		slog.Warn("kvm: setting interrupt line",
			"line", line, "encoded", encoded, "error", err)
	}
}
