package gic

// List register layout. PhysID overlays CPUID and EOI: the former is
// meaningful when HW is set, the latter two when it is clear.
const (
	lrStateInvalid = 0
	lrStatePending = 1
	lrStateActive  = 2

	lrEOIBit   = 1 << 19
	lrGroupBit = 1 << 30
	lrHWBit    = 1 << 31

	// Bits [22:20] are reserved and ignored on write.
	lrWriteMask = 0xff8f_ffff

	lrCacheEmpty = 0xff
)

func lrVirtID(entry uint32) int   { return int(entry & 0x3ff) }
func lrPhysID(entry uint32) int   { return int((entry >> 10) & 0x3ff) }
func lrCPUID(entry uint32) int    { return int((entry >> 10) & 0x7) }
func lrEOI(entry uint32) uint32   { return entry & lrEOIBit }
func lrPriority(entry uint32) int { return int((entry>>23)&0x1f) << 3 }
func lrState(entry uint32) uint32 { return (entry >> 28) & 0x3 }
func lrGroup(entry uint32) uint32 { return entry & lrGroupBit }
func lrHW(entry uint32) uint32    { return entry & lrHWBit }

func lrSetState(entry, state uint32) uint32 {
	return (entry &^ (0x3 << 28)) | (state&0x3)<<28
}

// lrEntryIsFree reports whether an entry holds no interrupt: invalid
// state and no end-of-interrupt maintenance left to signal.
func lrEntryIsFree(entry uint32) bool {
	return lrState(entry) == lrStateInvalid &&
		(lrHW(entry) != 0 || lrEOI(entry) == 0)
}

// lrEntryIsEOI reports whether an entry is done but must fire the EOI
// maintenance interrupt.
func lrEntryIsEOI(entry uint32) bool {
	return lrState(entry) == lrStateInvalid &&
		lrHW(entry) == 0 && lrEOI(entry) != 0
}

// lrEntryFor returns the list register currently holding virq on cpu, or
// nil when the interrupt is not resident.
func (g *GIC) lrEntryFor(virq, cpu int) *uint32 {
	if virq >= MaxIRQ {
		return nil
	}
	idx := g.virqCache[virq][cpu]
	if idx == lrCacheEmpty {
		return nil
	}
	return &g.hLR[idx][cpu]
}

// virqIsValid reports whether virq is resident in an occupied list
// register on cpu.
func (g *GIC) virqIsValid(virq, cpu int) bool {
	entry := g.lrEntryFor(virq, cpu)
	return entry != nil && !lrEntryIsFree(*entry)
}

// lrRefresh recomputes the cached EISR, ELRSR and pending counts for cpu
// from the list registers.
func (g *GIC) lrRefresh(cpu int) {
	var eisr, elrsr uint64
	pending := 0
	for lr := 0; lr < g.cfg.NumLR; lr++ {
		entry := g.hLR[lr][cpu]
		if lrEntryIsFree(entry) {
			elrsr |= 1 << lr
		}
		if lrEntryIsEOI(entry) {
			eisr |= 1 << lr
		}
		if lrState(entry) == lrStatePending {
			pending++
		}
	}
	g.hEISR[cpu] = eisr
	g.hELRSR[cpu] = elrsr
	g.pendingLRs[cpu] = pending
}

// setLREntry replaces one list register, keeping the virq residency
// cache in step.
func (g *GIC) setLREntry(cpu, lr int, value uint32) {
	old := g.hLR[lr][cpu]
	if oldVirq := lrVirtID(old); oldVirq < MaxIRQ &&
		g.virqCache[oldVirq][cpu] == uint8(lr) {
		g.virqCache[oldVirq][cpu] = lrCacheEmpty
	}

	entry := value & lrWriteMask
	g.hLR[lr][cpu] = entry
	g.lrRefresh(cpu)

	if !lrEntryIsFree(entry) {
		if virq := lrVirtID(entry); virq < MaxIRQ {
			g.virqCache[virq][cpu] = uint8(lr)
		}
	}
}

// recomputeVirqCache rebuilds the residency cache and the derived status
// registers from scratch. Used on reset and snapshot restore.
func (g *GIC) recomputeVirqCache() {
	for virq := range g.virqCache {
		for cpu := range g.virqCache[virq] {
			g.virqCache[virq][cpu] = lrCacheEmpty
		}
	}
	for cpu := 0; cpu < g.numCPU; cpu++ {
		for lr := 0; lr < g.cfg.NumLR; lr++ {
			entry := g.hLR[lr][cpu]
			if !lrEntryIsFree(entry) {
				if virq := lrVirtID(entry); virq < MaxIRQ {
					g.virqCache[virq][cpu] = uint8(lr)
				}
			}
		}
		g.lrRefresh(cpu)
	}
}

// Hypervisor interface register offsets.
const (
	gichHCR   = 0x00
	gichVTR   = 0x04
	gichVMCR  = 0x08
	gichMISR  = 0x10
	gichEISR0 = 0x20
	gichEISR1 = 0x24
	// The status register pair at 0x30 is named ELRSR in recent
	// revisions of the architecture and ELSR in older ones.
	gichELRSR0 = 0x30
	gichELRSR1 = 0x34
	gichAPR    = 0xf0
	gichLR0    = 0x100
	gichLRLast = 0x1fc
)

// VMCR field layout.
const (
	vmcrCtlrShift     = 0
	vmcrCtlrBits      = 10
	vmcrABPShift      = 18
	vmcrBPShift       = 21
	vmcrPriMaskShift  = 27
	vmcrThreeBitMask  = 0x7
	vmcrPriMaskLength = 5
)

func (g *GIC) vtr() uint32 {
	preBits := 7 - g.cfg.VirtMinBPR // preemption (group priority) bits
	const priBits = 5
	return uint32(preBits-1)<<29 | uint32(priBits-1)<<26 |
		uint32(g.cfg.NumLR-1)
}

func (g *GIC) vmcrRead(cpu int) uint32 {
	vcpu := cpu + g.numCPU
	value := g.cpuCtlr[vcpu] & ((1 << vmcrCtlrBits) - 1)
	value |= uint32(g.abpr[vcpu]&vmcrThreeBitMask) << vmcrABPShift
	value |= uint32(g.bpr[vcpu]&vmcrThreeBitMask) << vmcrBPShift
	value |= uint32(g.priorityMask[vcpu]>>3) << vmcrPriMaskShift
	return value
}

func (g *GIC) vmcrWrite(cpu int, value uint32) {
	vcpu := cpu + g.numCPU

	// Only the low five control bits are reachable through VMCR.
	g.setCPUControl(vcpu, value&0x1f, false)
	abpr := uint8(value >> vmcrABPShift & vmcrThreeBitMask)
	if abpr < uint8(g.cfg.VirtMinABPR) {
		abpr = uint8(g.cfg.VirtMinABPR)
	}
	g.abpr[vcpu] = abpr
	bpr := uint8(value >> vmcrBPShift & vmcrThreeBitMask)
	if bpr < uint8(g.cfg.VirtMinBPR) {
		bpr = uint8(g.cfg.VirtMinBPR)
	}
	g.bpr[vcpu] = bpr
	g.priorityMask[vcpu] = uint8(value>>vmcrPriMaskShift) << 3

	g.updateVirt()
}

// hypRead handles a load from cpu's hypervisor control aperture.
func (g *GIC) hypRead(cpu int, offset uint64) uint32 {
	switch {
	case offset == gichHCR:
		return g.hHCR[cpu]
	case offset == gichVTR:
		return g.vtr()
	case offset == gichVMCR:
		return g.vmcrRead(cpu)
	case offset == gichMISR:
		return g.hMISR[cpu]
	case offset == gichEISR0:
		return uint32(g.hEISR[cpu])
	case offset == gichEISR1:
		return uint32(g.hEISR[cpu] >> 32)
	case offset == gichELRSR0:
		return uint32(g.hELRSR[cpu])
	case offset == gichELRSR1:
		return uint32(g.hELRSR[cpu] >> 32)
	case offset == gichAPR:
		return g.hAPR[cpu]
	case offset >= gichLR0 && offset <= gichLRLast:
		lr := int(offset-gichLR0) / 4
		if lr >= g.cfg.NumLR {
			return 0
		}
		return g.hLR[lr][cpu]
	default:
		logGuestError("gic: bad hypervisor interface read", "offset", offset)
		return 0
	}
}

// hypWrite handles a store to cpu's hypervisor control aperture.
func (g *GIC) hypWrite(cpu int, offset uint64, value uint32) {
	switch {
	case offset == gichHCR:
		g.hHCR[cpu] = value & hcrWriteMask
	case offset == gichVMCR:
		g.vmcrWrite(cpu, value)
		return
	case offset == gichAPR:
		g.hAPR[cpu] = value
	case offset >= gichLR0 && offset <= gichLRLast:
		lr := int(offset-gichLR0) / 4
		if lr >= g.cfg.NumLR {
			return
		}
		g.setLREntry(cpu, lr, value)
	default:
		logGuestError("gic: bad hypervisor interface write",
			"offset", offset, "value", value)
		return
	}

	g.updateVirt()
}

// eoiCountIncrement bumps the spurious end-of-interrupt counter in
// HCR[31:27]; the uint32 add wraps the five bit field naturally.
func (g *GIC) eoiCountIncrement(cpu int) {
	g.hHCR[cpu] += 1 << hcrEOICountShift
}
