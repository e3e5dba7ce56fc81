package gic

// Hypervisor control register bits.
const (
	hcrEN       = 1 << 0
	hcrUIE      = 1 << 1
	hcrLRENPIE  = 1 << 2
	hcrNPIE     = 1 << 3
	hcrVGrp0EIE = 1 << 4
	hcrVGrp0DIE = 1 << 5
	hcrVGrp1EIE = 1 << 6
	hcrVGrp1DIE = 1 << 7

	hcrEOICountShift = 27
	hcrEOICountMask  = 0x1f << hcrEOICountShift

	hcrWriteMask = 0xf800_00ff
)

// Maintenance interrupt status bits.
const (
	misrEOI    = 1 << 0
	misrU      = 1 << 1
	misrLRENP  = 1 << 2
	misrNP     = 1 << 3
	misrVGrp0E = 1 << 4
	misrVGrp0D = 1 << 5
	misrVGrp1E = 1 << 6
	misrVGrp1D = 1 << 7
)

// signalingEnabled reports whether any of the groups in groupMask can be
// signaled to cpu. The distributor-level check applies to the physical
// interfaces only; the virtual distributor enable is GICH_HCR.EN.
func (g *GIC) signalingEnabled(cpu int, virt bool, groupMask uint32) bool {
	iface := cpu
	if virt {
		iface = cpu + g.numCPU
	}
	if !virt && g.ctlr&groupMask == 0 {
		return false
	}
	if virt && g.hHCR[cpu]&hcrEN == 0 {
		return false
	}
	return g.cpuCtlr[iface]&groupMask != 0
}

// bestIRQ scans the distributor for the highest-priority interrupt that
// is enabled, pending, not active and targeted at cpu. Ties on priority
// resolve to the lowest interrupt id.
func (g *GIC) bestIRQ(cpu int) (bestIRQ, bestPrio int, group bool) {
	cm := uint8(1) << cpu
	bestIRQ = SpuriousIRQ
	bestPrio = idlePriority

	for irq := 0; irq < g.numIRQ; irq++ {
		if g.distTestEnabled(irq, cm) && g.distTestPending(irq, cm) &&
			!g.distTestActive(irq, cm) &&
			(irq < GICInternal || g.distTarget(irq)&cm != 0) {
			if prio := g.distGetPriority(irq, cpu); prio < bestPrio {
				bestPrio = prio
				bestIRQ = irq
			}
		}
	}

	if bestIRQ != SpuriousIRQ {
		group = g.distTestGroup(bestIRQ, cm)
	}
	return bestIRQ, bestPrio, group
}

// bestVIRQ scans cpu's list registers for the highest-priority entry in
// the pending state.
func (g *GIC) bestVIRQ(cpu int) (bestIRQ, bestPrio int, group bool) {
	bestIRQ = SpuriousIRQ
	bestPrio = idlePriority

	var bestEntry uint32
	for lr := 0; lr < g.cfg.NumLR; lr++ {
		entry := g.hLR[lr][cpu]
		if lrState(entry) != lrStatePending {
			continue
		}
		if prio := lrPriority(entry); prio < bestPrio {
			bestPrio = prio
			bestIRQ = lrVirtID(entry)
			bestEntry = entry
		}
	}

	if bestIRQ != SpuriousIRQ {
		group = lrGroup(bestEntry) != 0
	}
	return bestIRQ, bestPrio, group
}

// updateInternal recomputes the highest priority pending interrupt for
// every CPU and drives the (v)IRQ and (v)FIQ lines to match.
func (g *GIC) updateInternal(virt bool) {
	irqLines, fiqLines := g.irqOut, g.fiqOut
	if virt {
		irqLines, fiqLines = g.virqOut, g.vfiqOut
	}

	for cpu := 0; cpu < g.numCPU; cpu++ {
		iface := cpu
		if virt {
			iface = cpu + g.numCPU
		}

		g.currentPending[iface] = SpuriousIRQ
		if !g.signalingEnabled(cpu, virt, ctlrEnableGrp0|ctlrEnableGrp1) {
			irqLines[cpu].SetLevel(false)
			fiqLines[cpu].SetLevel(false)
			continue
		}

		var bestIRQ, bestPrio int
		var group bool
		if virt {
			bestIRQ, bestPrio, group = g.bestVIRQ(cpu)
		} else {
			bestIRQ, bestPrio, group = g.bestIRQ(cpu)
		}

		irqLevel, fiqLevel := false, false
		if bestPrio < int(g.priorityMask[iface]) {
			g.currentPending[iface] = uint16(bestIRQ)
			if bestPrio < int(g.runningPriority[iface]) {
				groupEnable := uint32(ctlrEnableGrp0)
				if group {
					groupEnable = ctlrEnableGrp1
				}
				if g.signalingEnabled(cpu, virt, groupEnable) {
					if !group && g.cpuCtlr[iface]&cpuCtlrFIQEn != 0 {
						fiqLevel = true
					} else {
						irqLevel = true
					}
				}
			}
		}

		irqLines[cpu].SetLevel(irqLevel)
		fiqLines[cpu].SetLevel(fiqLevel)
	}
}

// update recomputes the physical outputs. The virtual outputs are
// recomputed too: distributor writes can deactivate hardware interrupts
// backing list registers.
func (g *GIC) update() {
	g.updateInternal(false)
	if g.cfg.VirtExtn {
		g.updateVirt()
	}
}

// updateVirt recomputes the virtual outputs and the maintenance lines.
func (g *GIC) updateVirt() {
	g.updateInternal(true)
	g.updateMaintenance()
}

func (g *GIC) updateMaintenance() {
	for cpu := 0; cpu < g.numCPU; cpu++ {
		g.computeMISR(cpu)
		level := g.hHCR[cpu]&hcrEN != 0 && g.hMISR[cpu] != 0
		g.maintOut[cpu].SetLevel(level)
	}
}

// computeMISR refreshes the cached maintenance interrupt status for cpu.
func (g *GIC) computeMISR(cpu int) {
	var value uint32
	vcpu := cpu + g.numCPU
	hcr := g.hHCR[cpu]

	if g.hEISR[cpu] != 0 {
		value |= misrEOI
	}
	// U: at most one list register still holds a valid entry.
	validLRs := g.cfg.NumLR - popcount64(g.hELRSR[cpu]&g.allLRMask())
	if hcr&hcrUIE != 0 && validLRs < 2 {
		value |= misrU
	}
	if hcr&hcrLRENPIE != 0 && hcr&hcrEOICountMask != 0 {
		value |= misrLRENP
	}
	if hcr&hcrNPIE != 0 && g.pendingLRs[cpu] == 0 {
		value |= misrNP
	}
	if hcr&hcrVGrp0EIE != 0 && g.cpuCtlr[vcpu]&cpuCtlrEnableGrp0 != 0 {
		value |= misrVGrp0E
	}
	if hcr&hcrVGrp0DIE != 0 && g.cpuCtlr[vcpu]&cpuCtlrEnableGrp0 == 0 {
		value |= misrVGrp0D
	}
	if hcr&hcrVGrp1EIE != 0 && g.cpuCtlr[vcpu]&cpuCtlrEnableGrp1 != 0 {
		value |= misrVGrp1E
	}
	if hcr&hcrVGrp1DIE != 0 && g.cpuCtlr[vcpu]&cpuCtlrEnableGrp1 == 0 {
		value |= misrVGrp1D
	}

	g.hMISR[cpu] = value
}
