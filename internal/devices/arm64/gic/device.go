package gic

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/armgic/internal/chipset"
	"github.com/tinyrange/armgic/internal/hv"
)

var (
	_ chipset.ChipsetDevice   = (*GIC)(nil)
	_ hv.MemoryMappedIODevice = (*GIC)(nil)
	_ chipset.InterruptSink   = (*GIC)(nil)
)

func logGuestError(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Init implements hv.Device.
func (g *GIC) Init(vm hv.VirtualMachine) error {
	if vm != nil && vm.NumCPU() < g.numCPU {
		return fmt.Errorf("gic: configured for %d CPUs but VM has %d",
			g.numCPU, vm.NumCPU())
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (g *GIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (g *GIC) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState. All outputs are driven low.
func (g *GIC) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	g.update()
	return nil
}

func (g *GIC) cpuAperture() uint64 {
	if g.cfg.Revision == RevGICv2 {
		// The deactivate register sits on the second page.
		return 0x2000
	}
	return 0x100
}

// MMIORegions lists every aperture the controller decodes.
func (g *GIC) MMIORegions() []hv.MMIORegion {
	regions := []hv.MMIORegion{
		{Address: g.cfg.DistBase, Size: distAperture},
		{Address: g.cfg.CPUBase, Size: g.cpuAperture()},
	}
	if g.cfg.PerCPUBase != 0 {
		for cpu := 0; cpu < g.numCPU; cpu++ {
			regions = append(regions, hv.MMIORegion{
				Address: g.cfg.PerCPUBase + uint64(cpu)*g.cpuAperture(),
				Size:    g.cpuAperture(),
			})
		}
	}
	if g.cfg.VirtExtn {
		regions = append(regions,
			hv.MMIORegion{Address: g.cfg.HypBase, Size: hypAperture},
			hv.MMIORegion{Address: g.cfg.VCPUBase, Size: vcpuAperture})
		if g.cfg.PerVCPUBase != 0 {
			for cpu := 0; cpu < g.numCPU; cpu++ {
				regions = append(regions, hv.MMIORegion{
					Address: g.cfg.PerVCPUBase + uint64(cpu)*vcpuAperture,
					Size:    vcpuAperture,
				})
			}
		}
	}
	return regions
}

// SupportsMmio implements chipset.ChipsetDevice.
func (g *GIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: g.MMIORegions(),
		Handler: g,
	}
}

// target describes which aperture an address fell into.
type target struct {
	kind   targetKind
	iface  int // CPU or virtual interface index for CPU-banked apertures
	offset uint64
}

type targetKind int

const (
	targetNone targetKind = iota
	targetDist
	targetCPU
	targetHyp
)

func inRange(addr, base, size uint64) bool {
	return addr >= base && addr < base+size
}

// decode resolves addr to an aperture. cpu is the executing CPU for the
// banked "this CPU" apertures.
func (g *GIC) decode(addr uint64, cpu int) target {
	if inRange(addr, g.cfg.DistBase, distAperture) {
		return target{kind: targetDist, iface: cpu, offset: addr - g.cfg.DistBase}
	}
	if inRange(addr, g.cfg.CPUBase, g.cpuAperture()) {
		return target{kind: targetCPU, iface: cpu, offset: addr - g.cfg.CPUBase}
	}
	if g.cfg.PerCPUBase != 0 &&
		inRange(addr, g.cfg.PerCPUBase, uint64(g.numCPU)*g.cpuAperture()) {
		rel := addr - g.cfg.PerCPUBase
		return target{
			kind:   targetCPU,
			iface:  int(rel / g.cpuAperture()),
			offset: rel % g.cpuAperture(),
		}
	}
	if g.cfg.VirtExtn {
		if inRange(addr, g.cfg.HypBase, hypAperture) {
			return target{kind: targetHyp, iface: cpu, offset: addr - g.cfg.HypBase}
		}
		if inRange(addr, g.cfg.VCPUBase, vcpuAperture) {
			return target{
				kind:   targetCPU,
				iface:  g.numCPU + cpu,
				offset: addr - g.cfg.VCPUBase,
			}
		}
		if g.cfg.PerVCPUBase != 0 &&
			inRange(addr, g.cfg.PerVCPUBase, uint64(g.numCPU)*vcpuAperture) {
			rel := addr - g.cfg.PerVCPUBase
			return target{
				kind:   targetCPU,
				iface:  g.numCPU + int(rel/vcpuAperture),
				offset: rel % vcpuAperture,
			}
		}
	}
	return target{kind: targetNone}
}

// alignAccess normalizes an access to the register model: word accesses
// must be aligned, and the CPU-side register files only implement word
// accesses. Returns the aligned offset.
func alignAccess(offset uint64, size int, wordOnly bool) uint64 {
	if size == 4 && offset&3 != 0 {
		logGuestError("gic: unaligned word access", "offset", offset)
		return offset &^ 3
	}
	if wordOnly && size < 4 {
		logGuestError("gic: narrow access to word register",
			"offset", offset, "size", size)
		return offset &^ 3
	}
	return offset
}

func loadValue(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}

func storeValue(data []byte, value uint32) {
	switch len(data) {
	case 1:
		data[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	default:
		binary.LittleEndian.PutUint32(data, value)
	}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (g *GIC) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	size := len(data)
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("gic: unsupported MMIO read size %d at 0x%x", size, addr)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cpu := g.currentCPU(ctx.Cpu)
	t := g.decode(addr, cpu)
	secure := ctx.Secure
	if t.kind == targetCPU && g.isVCPU(t.iface) {
		// The exposed vCPU interface has no security extensions; its
		// accesses always take the secure paths.
		secure = true
	}

	var value uint32
	switch t.kind {
	case targetDist:
		offset := alignAccess(t.offset, size, false)
		switch size {
		case 1:
			value = g.distReadByte(cpu, offset, secure)
		case 2:
			value = g.distReadByte(cpu, offset, secure) |
				g.distReadByte(cpu, offset+1, secure)<<8
		case 4:
			value = g.distReadByte(cpu, offset, secure) |
				g.distReadByte(cpu, offset+1, secure)<<8 |
				g.distReadByte(cpu, offset+2, secure)<<16 |
				g.distReadByte(cpu, offset+3, secure)<<24
		}
	case targetCPU:
		offset := alignAccess(t.offset, size, true)
		value = g.cpuRead(t.iface, offset&^3, secure)
	case targetHyp:
		offset := alignAccess(t.offset, size, true)
		value = g.hypRead(g.realCPU(t.iface), offset&^3)
	default:
		return fmt.Errorf("gic: MMIO read outside any aperture at 0x%x", addr)
	}

	storeValue(data, value)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (g *GIC) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	size := len(data)
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("gic: unsupported MMIO write size %d at 0x%x", size, addr)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cpu := g.currentCPU(ctx.Cpu)
	t := g.decode(addr, cpu)
	value := loadValue(data)
	secure := ctx.Secure
	if t.kind == targetCPU && g.isVCPU(t.iface) {
		secure = true
	}

	switch t.kind {
	case targetDist:
		offset := alignAccess(t.offset, size, false)
		switch size {
		case 1:
			g.distWriteByte(cpu, offset, value, secure)
		case 2:
			g.distWriteWord(cpu, offset, value, secure)
		case 4:
			g.distWriteLong(cpu, offset, value, secure)
		}
	case targetCPU:
		offset := alignAccess(t.offset, size, true)
		g.cpuWrite(t.iface, offset&^3, value, secure)
	case targetHyp:
		offset := alignAccess(t.offset, size, true)
		g.hypWrite(g.realCPU(t.iface), offset&^3, value)
	default:
		return fmt.Errorf("gic: MMIO write outside any aperture at 0x%x", addr)
	}

	return nil
}

// SetIRQ implements chipset.InterruptSink: the peripheral input lines.
// Lines [0, numIRQ-32) are the shared peripheral interrupts starting at
// internal id 32; the lines after them are the 32-line private banks of
// each CPU in turn.
func (g *GIC) SetIRQ(line uint32, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var irq int
	var cm, targetMask uint8

	numExternal := uint32(g.numIRQ - GICInternal)
	if line < numExternal {
		irq = int(line) + GICInternal
		cm = g.allCPUMask()
		targetMask = g.distTarget(irq)
	} else {
		rel := line - numExternal
		cpu := int(rel / GICInternal)
		irq = int(rel % GICInternal)
		if cpu >= g.numCPU {
			logGuestError("gic: interrupt line beyond last CPU bank",
				"line", line)
			return
		}
		cm = 1 << cpu
		targetMask = cm
	}

	if irq < NumSGIs {
		logGuestError("gic: software generated interrupt driven as a line",
			"line", line, "irq", irq)
		return
	}

	if g.distTestLevel(irq, cm) == level {
		return
	}

	if level {
		g.irq[irq].level |= cm
		if g.cfg.Revision == Rev11MPCore {
			// Disabled level triggered interrupts do not latch.
			if g.irq[irq].edgeTrigger || g.distTestEnabled(irq, cm) {
				g.irq[irq].pending |= targetMask
			}
		} else if g.irq[irq].edgeTrigger {
			g.irq[irq].pending |= targetMask
		}
	} else {
		g.irq[irq].level &^= cm
	}

	g.update()
}
