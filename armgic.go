// Package armgic emulates the ARM Generic Interrupt Controller: the
// distributor, the per-CPU interfaces and the GICv2 virtualization
// extension, with GICv1 and 11MPCore compatibility modes. The controller
// plugs into a virtual machine monitor as a memory-mapped chipset device
// and drives per-CPU IRQ, FIQ, virtual and maintenance interrupt lines.
package armgic

import (
	"github.com/tinyrange/armgic/internal/chipset"
	"github.com/tinyrange/armgic/internal/devices/arm64/gic"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// GIC is the emulated interrupt controller.
type GIC = gic.GIC

// Config fixes the shape of a controller at construction time.
type Config = gic.Config

// Revision selects the behavioral model: Rev11MPCore, RevGICv1 or
// RevGICv2.
type Revision = gic.Revision

// Snapshot is the serialized architectural state of a controller.
type Snapshot = gic.Snapshot

// LineInterrupt is an output line the controller drives.
type LineInterrupt = chipset.LineInterrupt

// InterruptSink receives device interrupt lines.
type InterruptSink = chipset.InterruptSink

// ChipsetBuilder assembles devices into a chipset with allocated MMIO
// regions and interrupt lines.
type ChipsetBuilder = chipset.ChipsetBuilder

// Chipset is a built set of devices ready for dispatch.
type Chipset = chipset.Chipset

const (
	Rev11MPCore = gic.Rev11MPCore
	RevGICv1    = gic.RevGICv1
	RevGICv2    = gic.RevGICv2

	// SpuriousIRQ is returned by an acknowledge with nothing pending.
	SpuriousIRQ = gic.SpuriousIRQ
)

// New constructs a controller. Output lines start detached; wire them
// with ConnectCPU and ConnectVirtCPU.
func New(cfg Config) (*GIC, error) {
	return gic.New(cfg)
}

// NewChipsetBuilder starts assembling a chipset.
func NewChipsetBuilder() *ChipsetBuilder {
	return chipset.NewBuilder()
}

// LineInterruptFromFunc adapts a level function to a LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return chipset.LineInterruptFromFunc(fn)
}
