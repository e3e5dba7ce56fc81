package gic

// CPU interface register offsets.
const (
	giccCTLR     = 0x00
	giccPMR      = 0x04
	giccBPR      = 0x08
	giccIAR      = 0x0c
	giccEOIR     = 0x10
	giccRPR      = 0x14
	giccHPPIR    = 0x18
	giccABPR     = 0x1c
	giccAPR0     = 0xd0
	giccAPRLast  = 0xdc
	giccNSAPR0   = 0xe0
	giccNSAPRLst = 0xec
	giccIIDR     = 0xfc
	giccDIR      = 0x1000
)

// nsView reports whether an access to iface with the given secure
// attribute takes the Non-secure register views. Virtual interface
// accesses never do.
func (g *GIC) nsView(iface int, secure bool) bool {
	return !g.isVCPU(iface) && g.cfg.SecurityExtn && !secure
}

// eoiSplit reports whether EOIR performs priority drop only, leaving
// deactivation to DIR. GICv2 only.
func (g *GIC) eoiSplit(iface int, secure bool) bool {
	if g.cfg.Revision != RevGICv2 {
		return false
	}
	if g.nsView(iface, secure) {
		return g.cpuCtlr[iface]&cpuCtlrEOIModeNS != 0
	}
	return g.cpuCtlr[iface]&cpuCtlrEOIMode != 0
}

// currentPendingIRQ applies the grouping visibility rules to the cached
// highest priority pending interrupt. Without the security extensions
// reads behave as secure accesses would on a GIC with them.
func (g *GIC) currentPendingIRQ(iface int, secure bool) int {
	pending := int(g.currentPending[iface])

	if pending < MaxIRQ && g.hasGroups() {
		group := g.testGroup(pending, iface)
		secureRead := !g.cfg.SecurityExtn || secure

		if !group && !secureRead {
			// Group 0 interrupts are hidden from Non-secure reads.
			return SpuriousIRQ
		}
		if group && secureRead && g.cpuCtlr[iface]&cpuCtlrAckCtl == 0 {
			// Group 1 interrupts are only visible to secure reads
			// with AckCtl set.
			return SecureHiddenIRQ
		}
	}
	return pending
}

// groupPriority returns the group priority of irq on iface: its priority
// with the subpriority bits below the applicable binary point masked off.
func (g *GIC) groupPriority(iface, irq int) int {
	var bpr int
	if g.hasGroups() && g.cpuCtlr[iface]&cpuCtlrCBPR == 0 &&
		g.testGroup(irq, iface) {
		bpr = int(g.abpr[iface]) - 1
	} else {
		bpr = int(g.bpr[iface])
	}

	// A BPR of 0 keeps priority bits [7:1], down to a BPR of 7 keeping
	// no group priority bits at all.
	mask := ^0 << ((bpr & 7) + 1)
	return g.getPriority(irq, iface) & mask
}

// activateIRQ records irq as active on iface: the matching active
// priority bit is set and the running priority rises to irq's group
// priority.
func (g *GIC) activateIRQ(iface, irq int) {
	prio := g.groupPriority(iface, irq)
	minBPR := g.cfg.MinBPR
	if g.isVCPU(iface) {
		minBPR = g.cfg.VirtMinBPR
	}
	preemptionLevel := prio >> (minBPR + 1)
	regno := preemptionLevel / 32
	bitno := preemptionLevel % 32

	var papr *uint32
	if g.isVCPU(iface) {
		papr = &g.hAPR[g.realCPU(iface)]
		bitno = preemptionLevel
	} else if g.hasGroups() && g.testGroup(irq, iface) {
		papr = &g.nsapr[regno][iface]
	} else {
		papr = &g.apr[regno][iface]
	}
	*papr |= 1 << bitno

	g.runningPriority[iface] = uint16(prio)
	g.setActive(irq, iface)
}

// prioFromAPRBits derives the running priority from the lowest set
// active priority bit across the APR banks.
func (g *GIC) prioFromAPRBits(iface int) uint16 {
	if g.isVCPU(iface) {
		apr := g.hAPR[g.realCPU(iface)]
		if apr != 0 {
			return uint16(ctz32(apr) << (g.cfg.VirtMinBPR + 1))
		}
		return idlePriority
	}

	for i := range g.apr {
		apr := g.apr[i][iface] | g.nsapr[i][iface]
		if apr == 0 {
			continue
		}
		return uint16((i*32 + ctz32(apr)) << (g.cfg.MinBPR + 1))
	}
	return idlePriority
}

// dropPrio clears the lowest set active priority bit for the given group
// and recomputes the running priority.
func (g *GIC) dropPrio(iface int, group bool) {
	if g.isVCPU(iface) {
		rcpu := g.realCPU(iface)
		if g.hAPR[rcpu] != 0 {
			g.hAPR[rcpu] &= g.hAPR[rcpu] - 1
		}
	} else {
		for i := range g.apr {
			papr := &g.apr[i][iface]
			if group {
				papr = &g.nsapr[i][iface]
			}
			if *papr == 0 {
				continue
			}
			*papr &= *papr - 1
			break
		}
	}

	g.runningPriority[iface] = g.prioFromAPRBits(iface)
}

// clearPendingSGI consumes one source CPU from an acknowledged SGI and
// returns the acknowledge value with the source in bits [12:10].
func (g *GIC) clearPendingSGI(irq, iface int) int {
	if !g.isVCPU(iface) {
		mask := g.sgiPending[irq][iface]
		if mask == 0 {
			g.clearPending(irq, iface)
			return irq
		}
		src := ctz8(mask)
		g.sgiPending[irq][iface] &^= 1 << src
		if g.sgiPending[irq][iface] == 0 {
			g.clearPending(irq, iface)
		}
		return irq | (src&0x7)<<10
	}

	src := 0
	if entry := g.lrEntryFor(irq, g.realCPU(iface)); entry != nil {
		src = lrCPUID(*entry)
	}
	g.clearPending(irq, iface)
	return irq | src<<10
}

// acknowledge implements a read of the interrupt acknowledge register.
func (g *GIC) acknowledge(iface int, secure bool) int {
	irq := g.currentPendingIRQ(iface, secure)
	if irq >= MaxIRQ {
		return irq
	}

	if g.getPriority(irq, iface) >= int(g.runningPriority[iface]) {
		// Not a sufficient priority to preempt.
		return SpuriousIRQ
	}

	ret := irq
	if g.cfg.Revision == Rev11MPCore {
		// Pending is cleared for level triggered interrupts too; they
		// become pending again once deactivated while the line is high.
		g.clearPending(irq, iface)
	} else if irq < NumSGIs {
		ret = g.clearPendingSGI(irq, iface)
	} else {
		g.clearPending(irq, iface)
	}

	g.activateIRQ(iface, irq)

	if g.isVCPU(iface) {
		g.updateVirt()
	} else {
		g.update()
	}
	return ret
}

// completeIRQ implements a write to the end of interrupt register.
func (g *GIC) completeIRQ(iface, irq int, secure bool) {
	if g.isVCPU(iface) && !g.virqIsValid(irq, g.realCPU(iface)) {
		// EOI for a vIRQ with no resident list register: count it in
		// HCR.EOICount; the five bit field wraps to zero. A nonzero
		// count feeds MISR.LRENP, so the maintenance line moves here.
		g.eoiCountIncrement(g.realCPU(iface))
		g.updateVirt()
		return
	}

	if irq >= g.numIRQ {
		// Spurious id, or a value that never came from acknowledge;
		// both are ignored.
		return
	}

	if g.runningPriority[iface] == idlePriority {
		return // no active interrupt
	}

	if g.cfg.Revision == Rev11MPCore {
		// Re-latch level triggered interrupts whose line is still high.
		cm := uint8(1) << iface
		if !g.irq[irq].edgeTrigger && g.distTestEnabled(irq, cm) &&
			g.distTestLevel(irq, cm) && g.distTarget(irq)&cm != 0 {
			g.irq[irq].pending |= cm
		}
	}

	group := g.hasGroups() && g.testGroup(irq, iface)

	if g.nsView(iface, secure) && !group {
		logGuestError("gic: Non-secure EOI for Group 0 interrupt ignored",
			"irq", irq)
		return
	}

	// A secure EOI of a Group 1 interrupt with AckCtl clear is
	// unpredictable; it is completed anyway.

	g.dropPrio(iface, group)
	if !g.eoiSplit(iface, secure) {
		g.clearActive(irq, iface)
	}

	if g.isVCPU(iface) {
		g.updateVirt()
	} else {
		g.update()
	}
}

// deactivate implements a write to the deactivate interrupt register,
// the second half of the split EOI sequence.
func (g *GIC) deactivate(iface, irq int, secure bool) {
	if !g.eoiSplit(iface, secure) {
		// Unpredictable when EOIMode is clear; ignored.
		logGuestError("gic: deactivate write with EOIMode clear ignored",
			"irq", irq)
		return
	}

	if irq >= g.numIRQ {
		return
	}

	group := g.hasGroups() && g.testGroup(irq, iface)
	if g.nsView(iface, secure) && !group {
		logGuestError("gic: Non-secure deactivate for Group 0 interrupt ignored",
			"irq", irq)
		return
	}

	g.clearActive(irq, iface)
}

func (g *GIC) setCPUControl(iface int, value uint32, ns bool) {
	if ns {
		// The Non-secure view exposes EnableGrp1 at bit 0 and EOIModeNS
		// at bit 9.
		mask := uint32(cpuCtlrEnableGrp1)
		if g.cfg.Revision == RevGICv2 {
			mask |= cpuCtlrEOIModeNS
		}
		g.cpuCtlr[iface] &^= mask
		g.cpuCtlr[iface] |= (value << 1) & mask
		return
	}

	var mask uint32
	if g.cfg.Revision == RevGICv2 {
		mask = cpuCtlrV2Mask
		if g.cfg.SecurityExtn || g.isVCPU(iface) {
			mask = cpuCtlrV2SMask
		}
	} else {
		mask = cpuCtlrV1Mask
		if g.cfg.SecurityExtn {
			mask = cpuCtlrV1SMask
		}
	}
	g.cpuCtlr[iface] = value & mask
}

func (g *GIC) getCPUControl(iface int, ns bool) uint32 {
	if ns {
		return (g.cpuCtlr[iface] & (cpuCtlrEnableGrp1 | cpuCtlrEOIModeNS)) >> 1
	}
	return g.cpuCtlr[iface]
}

func (g *GIC) setPriorityMask(iface int, pmask uint8, ns bool) {
	if ns {
		if g.priorityMask[iface]&0x80 == 0 {
			// Mask is in the secure half; the Non-secure write is
			// dropped.
			return
		}
		pmask = 0x80 | pmask>>1
	}
	g.priorityMask[iface] = pmask
}

func (g *GIC) getPriorityMask(iface int, ns bool) uint32 {
	pmask := g.priorityMask[iface]
	if ns {
		if pmask&0x80 == 0 {
			return 0
		}
		pmask = pmask << 1
	}
	return uint32(pmask)
}

func (g *GIC) runningPriorityView(iface int, ns bool) uint32 {
	rp := g.runningPriority[iface]
	if g.cfg.Revision != Rev11MPCore && rp > 0xff {
		return 0xff // idle
	}
	if ns {
		if rp&0x80 != 0 {
			return uint32(rp) << 1 & 0xff
		}
		return 0
	}
	return uint32(rp)
}

// aprNSView returns the Non-secure alias of GICC_APR<regno>: the slice
// of NSAPR covering the upper half of the group priority range, which
// depends on how many group priority bits the implementation has.
func (g *GIC) aprNSView(iface, regno int) uint32 {
	switch g.cfg.MinBPR {
	case 0:
		if regno < 2 {
			return g.nsapr[regno+2][iface]
		}
	case 1:
		if regno == 0 {
			return g.nsapr[1][iface]
		}
	case 2:
		if regno == 0 {
			return g.nsapr[0][iface] >> 16
		}
	case 3:
		if regno == 0 {
			return g.nsapr[0][iface] >> 8 & 0xff
		}
	}
	return 0
}

func (g *GIC) aprWriteNSView(iface, regno int, value uint32) {
	switch g.cfg.MinBPR {
	case 0:
		if regno < 2 {
			g.nsapr[regno+2][iface] = value
		}
	case 1:
		if regno == 0 {
			g.nsapr[1][iface] = value
		}
	case 2:
		if regno == 0 {
			g.nsapr[0][iface] = g.nsapr[0][iface]&0xffff | value<<16
		}
	case 3:
		if regno == 0 {
			g.nsapr[0][iface] = g.nsapr[0][iface]&^uint32(0xff00) |
				value&0xff<<8
		}
	}
}

// cpuRead handles a load from a CPU interface register.
func (g *GIC) cpuRead(iface int, offset uint64, secure bool) uint32 {
	ns := g.nsView(iface, secure)

	switch offset {
	case giccCTLR:
		return g.getCPUControl(iface, ns)
	case giccPMR:
		return g.getPriorityMask(iface, ns)
	case giccBPR:
		if ns {
			if g.cpuCtlr[iface]&cpuCtlrCBPR != 0 {
				// Common binary point: the NS view is BPR+1, saturated.
				if v := g.bpr[iface] + 1; v < 7 {
					return uint32(v)
				}
				return 7
			}
			return uint32(g.abpr[iface])
		}
		return uint32(g.bpr[iface])
	case giccIAR:
		return uint32(g.acknowledge(iface, secure))
	case giccRPR:
		return g.runningPriorityView(iface, ns)
	case giccHPPIR:
		return uint32(g.currentPendingIRQ(iface, secure))
	case giccABPR:
		// v1 without groups: unimplemented. Non-secure: RAZ (the NS
		// alias of this register is BPR itself).
		if !g.hasGroups() || ns {
			return 0
		}
		return uint32(g.abpr[iface])
	case giccIIDR:
		if g.cfg.Revision == Rev11MPCore {
			return 0
		}
		return uint32(g.cfg.Revision)<<16 | 0x43b
	}

	switch {
	case offset >= giccAPR0 && offset <= giccAPRLast:
		regno := int(offset-giccAPR0) / 4
		nrAPRs := g.numAPRs()
		if g.isVCPU(iface) {
			nrAPRs = 1
		}
		if regno >= nrAPRs || g.cfg.Revision != RevGICv2 {
			return 0
		}
		if g.isVCPU(iface) {
			return g.hAPR[g.realCPU(iface)]
		}
		if ns {
			return g.aprNSView(iface, regno)
		}
		return g.apr[regno][iface]

	case offset >= giccNSAPR0 && offset <= giccNSAPRLst:
		regno := int(offset-giccNSAPR0) / 4
		if regno >= g.numAPRs() || g.cfg.Revision != RevGICv2 ||
			!g.hasGroups() || ns || g.isVCPU(iface) {
			return 0
		}
		return g.nsapr[regno][iface]
	}

	logGuestError("gic: bad CPU interface read", "offset", offset)
	return 0
}

// cpuWrite handles a store to a CPU interface register.
func (g *GIC) cpuWrite(iface int, offset uint64, value uint32, secure bool) {
	ns := g.nsView(iface, secure)

	switch offset {
	case giccCTLR:
		g.setCPUControl(iface, value, ns)
	case giccPMR:
		g.setPriorityMask(iface, uint8(value), ns)
	case giccBPR:
		if ns {
			if g.cpuCtlr[iface]&cpuCtlrCBPR != 0 {
				return // WI when the binary point is common
			}
			g.abpr[iface] = maxU8(uint8(value&0x7), uint8(g.cfg.MinABPR))
		} else {
			minBPR := g.cfg.MinBPR
			if g.isVCPU(iface) {
				minBPR = g.cfg.VirtMinBPR
			}
			g.bpr[iface] = maxU8(uint8(value&0x7), uint8(minBPR))
		}
	case giccEOIR:
		g.completeIRQ(iface, int(value&0x3ff), secure)
		return
	case giccABPR:
		if !g.hasGroups() || ns {
			return // RAZ/WI
		}
		minABPR := g.cfg.MinABPR
		if g.isVCPU(iface) {
			minABPR = g.cfg.VirtMinABPR
		}
		g.abpr[iface] = maxU8(uint8(value&0x7), uint8(minABPR))
	case giccDIR:
		g.deactivate(iface, int(value&0x3ff), secure)
	default:
		switch {
		case offset >= giccAPR0 && offset <= giccAPRLast:
			regno := int(offset-giccAPR0) / 4
			nrAPRs := g.numAPRs()
			if g.isVCPU(iface) {
				nrAPRs = 1
			}
			if regno >= nrAPRs || g.cfg.Revision != RevGICv2 {
				return
			}
			if g.isVCPU(iface) {
				g.hAPR[g.realCPU(iface)] = value
			} else if ns {
				g.aprWriteNSView(iface, regno, value)
			} else {
				g.apr[regno][iface] = value
			}

		case offset >= giccNSAPR0 && offset <= giccNSAPRLst:
			regno := int(offset-giccNSAPR0) / 4
			if regno >= g.numAPRs() || g.cfg.Revision != RevGICv2 ||
				!g.hasGroups() || ns || g.isVCPU(iface) {
				return
			}
			g.nsapr[regno][iface] = value

		default:
			logGuestError("gic: bad CPU interface write",
				"offset", offset, "value", value)
			return
		}
	}

	if g.isVCPU(iface) {
		g.updateVirt()
	} else {
		g.update()
	}
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
