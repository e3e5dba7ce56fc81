package gic

import (
	"fmt"

	"github.com/tinyrange/armgic/internal/fdt"
)

// Three-cell interrupt specifier constants.
const (
	dtIRQTypeSPI   = 0
	dtIRQTypePPI   = 1
	dtIRQLevelHigh = 4

	// maintenancePPI is the private interrupt id conventionally wired
	// to the virtualization maintenance output.
	maintenancePPI = 9
)

func (g *GIC) compatible() string {
	switch g.cfg.Revision {
	case Rev11MPCore:
		return "arm,arm11mp-gic"
	case RevGICv1:
		return "arm,cortex-a9-gic"
	default:
		return "arm,gic-400"
	}
}

// AddDeviceTreeNode emits the interrupt controller node into b. The
// parent bus is assumed to use two address and two size cells. phandle
// must match the interrupt-parent property of the nodes routed here.
func (g *GIC) AddDeviceTreeNode(b *fdt.Builder, phandle uint32) {
	b.BeginNode(fmt.Sprintf("intc@%x", g.cfg.DistBase))
	b.AddPropertyString("compatible", g.compatible())
	b.AddPropertyU32("#interrupt-cells", 3)
	b.AddPropertyEmpty("interrupt-controller")

	regs := appendReg(nil, g.cfg.DistBase, distAperture)
	regs = appendReg(regs, g.cfg.CPUBase, g.cpuAperture())
	if g.cfg.VirtExtn {
		regs = appendReg(regs, g.cfg.HypBase, hypAperture)
		regs = appendReg(regs, g.cfg.VCPUBase, vcpuAperture)
	}
	b.AddPropertyU32Array("reg", regs)

	if g.cfg.VirtExtn {
		// The maintenance interrupt targets every CPU; the mask sits in
		// bits [15:8] of the flags cell.
		flags := uint32(g.allCPUMask())<<8 | dtIRQLevelHigh
		b.AddPropertyU32Array("interrupts",
			[]uint32{dtIRQTypePPI, maintenancePPI, flags})
	}

	b.AddPropertyU32("phandle", phandle)
	b.EndNode()
}

// SPIInterruptSpecifier returns the three-cell specifier for one shared
// peripheral interrupt, for use in the interrupts property of the
// peripheral's node.
func SPIInterruptSpecifier(intid int, edge bool) ([]uint32, error) {
	if intid < GICInternal || intid >= MaxIRQ {
		return nil, fmt.Errorf("gic: SPI id %d outside [%d,%d)",
			intid, GICInternal, MaxIRQ)
	}
	flags := uint32(dtIRQLevelHigh)
	if edge {
		flags = 1 // rising edge
	}
	return []uint32{dtIRQTypeSPI, uint32(intid - GICInternal), flags}, nil
}

func appendReg(regs []uint32, base, size uint64) []uint32 {
	return append(regs,
		uint32(base>>32), uint32(base),
		uint32(size>>32), uint32(size))
}
