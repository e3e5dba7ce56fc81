package gic

// Peripheral identification ROM, 0xfd0..0xffc.
var (
	gicID11MPCore = [12]uint8{
		0x00, 0x00, 0x00, 0x00, 0x90, 0x13, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1,
	}
	gicIDv1 = [12]uint8{
		0x04, 0x00, 0x00, 0x00, 0x90, 0xb3, 0x1b, 0x00, 0x0d, 0xf0, 0x05, 0xb1,
	}
	gicIDv2 = [12]uint8{
		0x04, 0x00, 0x00, 0x00, 0x90, 0xb4, 0x2b, 0x00, 0x0d, 0xf0, 0x05, 0xb1,
	}
)

// nsDist reports whether a distributor access takes the Non-secure view.
func (g *GIC) nsDist(secure bool) bool {
	return g.cfg.SecurityExtn && !secure
}

// typer encodes GICD_TYPER: interrupt line count, CPU count and the
// security extension bit.
func (g *GIC) typer() uint32 {
	return uint32(g.numIRQ/32-1) | uint32(g.numCPU-1)<<5 |
		boolBit(g.cfg.SecurityExtn)<<10
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// distReadByte handles a single byte load from the distributor. Wider
// loads are composed from byte loads.
func (g *GIC) distReadByte(cpu int, offset uint64, secure bool) uint32 {
	cm := uint8(1) << cpu
	ns := g.nsDist(secure)

	switch {
	case offset < 0x100:
		if offset == 0 { // GICD_CTLR
			if ns {
				// The NS bank is an alias of EnableGrp1.
				return g.ctlr >> 1 & 1
			}
			return g.ctlr
		}
		if offset == 4 {
			return g.typer()
		}
		if offset < 0x08 {
			return 0
		}
		if offset >= 0x80 {
			// Interrupt group registers: RAZ for NS accesses and for
			// GICs without grouping.
			var res uint32
			if !ns && g.hasGroups() {
				irq := int(offset-0x80) * 8
				if irq >= g.numIRQ {
					break
				}
				for i := 0; i < 8; i++ {
					if g.distTestGroup(irq+i, cm) {
						res |= 1 << i
					}
				}
			}
			return res
		}

	case offset < 0x200: // set/clear enable
		irq := int(offset-0x100) * 8
		if offset >= 0x180 {
			irq = int(offset-0x180) * 8
		}
		if irq >= g.numIRQ {
			break
		}
		var res uint32
		for i := 0; i < 8; i++ {
			if ns && !g.distTestGroup(irq+i, cm) {
				continue // Group 0 hidden from Non-secure
			}
			if g.distTestEnabled(irq+i, cm) {
				res |= 1 << i
			}
		}
		return res

	case offset < 0x300: // set/clear pending
		irq := int(offset-0x200) * 8
		if offset >= 0x280 {
			irq = int(offset-0x280) * 8
		}
		if irq >= g.numIRQ {
			break
		}
		mask := g.allCPUMask()
		if irq < GICInternal {
			mask = cm
		}
		var res uint32
		for i := 0; i < 8; i++ {
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			if g.distTestPending(irq+i, mask) {
				res |= 1 << i
			}
		}
		return res

	case offset < 0x400: // active
		irq := int(offset-0x300) * 8
		if irq >= g.numIRQ {
			break
		}
		mask := g.allCPUMask()
		if irq < GICInternal {
			mask = cm
		}
		var res uint32
		for i := 0; i < 8; i++ {
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			if g.distTestActive(irq+i, mask) {
				res |= 1 << i
			}
		}
		return res

	case offset < 0x800: // priority
		irq := int(offset - 0x400)
		if irq >= g.numIRQ {
			break
		}
		return g.distPriorityView(cpu, irq, secure)

	case offset < 0xc00: // CPU targets
		if g.numCPU == 1 && g.cfg.Revision != Rev11MPCore {
			return 0 // RAZ/WI on uniprocessor GICs
		}
		irq := int(offset - 0x800)
		switch {
		case irq >= g.numIRQ:
		case irq >= 29 && irq <= 31:
			return uint32(cm)
		default:
			return uint32(g.distTarget(irq))
		}

	case offset < 0xf00: // configuration
		irq := int(offset-0xc00) * 4
		if irq >= g.numIRQ {
			break
		}
		var res uint32
		for i := 0; i < 4; i++ {
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			if g.irq[irq+i].model {
				res |= 1 << (i * 2)
			}
			if g.irq[irq+i].edgeTrigger {
				res |= 2 << (i * 2)
			}
		}
		return res

	case offset < 0xf10:

	case offset < 0xf30: // CPENDSGIR / SPENDSGIR
		if g.cfg.Revision == Rev11MPCore {
			break
		}
		irq := int(offset - 0xf10)
		if offset >= 0xf20 {
			irq = int(offset - 0xf20)
		}
		if ns && !g.distTestGroup(irq, cm) {
			return 0
		}
		return uint32(g.sgiPending[irq][cpu])

	case offset < 0xfd0:

	case offset < 0x1000: // identification
		if offset&3 != 0 {
			return 0
		}
		idx := (offset - 0xfd0) >> 2
		switch g.cfg.Revision {
		case Rev11MPCore:
			return uint32(gicID11MPCore[idx])
		case RevGICv1:
			return uint32(gicIDv1[idx])
		case RevGICv2:
			return uint32(gicIDv2[idx])
		}
		return 0
	}

	logGuestError("gic: bad distributor read", "offset", offset)
	return 0
}

// distPriorityView applies the Non-secure priority transformation on
// reads: Group 0 priorities are hidden, Group 1 priorities are shifted
// into the full range.
func (g *GIC) distPriorityView(cpu, irq int, secure bool) uint32 {
	prio := uint32(g.distGetPriority(irq, cpu))
	if g.nsDist(secure) {
		if !g.distTestGroup(irq, 1<<cpu) {
			return 0
		}
		prio = prio << 1 & 0xff
	}
	return prio
}

// distSetPriority stores a priority byte, applying the Non-secure
// transformation: writes land in the lower half of the range.
func (g *GIC) distSetPriority(cpu, irq int, val uint8, secure bool) {
	if g.nsDist(secure) {
		if !g.distTestGroup(irq, 1<<cpu) {
			return
		}
		val = 0x80 | val>>1
	}
	if irq < GICInternal {
		g.priority1[irq][cpu] = val
	} else {
		g.priority2[irq-GICInternal] = val
	}
}

// distWriteByte handles a single byte store to the distributor and
// recomputes the outputs. Wider stores are split into byte stores,
// except the software generated interrupt register.
func (g *GIC) distWriteByte(cpu int, offset uint64, value uint32, secure bool) {
	cm := uint8(1) << cpu
	ns := g.nsDist(secure)
	bad := false

	switch {
	case offset < 0x100:
		if offset == 0 { // GICD_CTLR
			if ns {
				g.ctlr = g.ctlr&^uint32(ctlrEnableGrp1) |
					(value&1)<<1
			} else if g.hasGroups() {
				g.ctlr = value & (ctlrEnableGrp0 | ctlrEnableGrp1)
			} else {
				g.ctlr = value & ctlrEnableGrp0
			}
		} else if offset < 4 {
			// ignored
		} else if offset >= 0x80 {
			// group registers
			if !ns && g.hasGroups() {
				irq := int(offset-0x80) * 8
				if irq >= g.numIRQ {
					bad = true
					break
				}
				gcm := g.allCPUMask()
				if irq < GICInternal {
					gcm = cm
				}
				for i := 0; i < 8; i++ {
					if value&(1<<i) != 0 {
						g.irq[irq+i].group |= gcm
					} else {
						g.irq[irq+i].group &^= gcm
					}
				}
			}
		} else {
			bad = true
		}

	case offset < 0x180: // set enable
		irq := int(offset-0x100) * 8
		if irq >= g.numIRQ {
			bad = true
			break
		}
		if irq < NumSGIs {
			value = 0xff // SGIs cannot be disabled
		}
		for i := 0; i < 8; i++ {
			if value&(1<<i) == 0 {
				continue
			}
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			ecm := g.allCPUMask()
			mask := g.distTarget(irq + i)
			if irq < GICInternal {
				ecm = cm
				mask = cm
			}
			g.irq[irq+i].enabled |= ecm
			// An enabled level triggered interrupt with its line high
			// becomes pending immediately.
			if !g.irq[irq+i].edgeTrigger && g.irq[irq+i].level&mask != 0 {
				g.irq[irq+i].pending |= mask
			}
		}

	case offset < 0x200: // clear enable
		irq := int(offset-0x180) * 8
		if irq >= g.numIRQ {
			bad = true
			break
		}
		if irq < NumSGIs {
			value = 0
		}
		for i := 0; i < 8; i++ {
			if value&(1<<i) == 0 {
				continue
			}
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			ecm := g.allCPUMask()
			if irq < GICInternal {
				ecm = cm
			}
			g.irq[irq+i].enabled &^= ecm
		}

	case offset < 0x280: // set pending
		irq := int(offset-0x200) * 8
		if irq >= g.numIRQ {
			bad = true
			break
		}
		if irq < NumSGIs {
			value = 0 // SGIs are made pending through GICD_SGIR
		}
		for i := 0; i < 8; i++ {
			if value&(1<<i) == 0 {
				continue
			}
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			g.irq[irq+i].pending |= g.distTarget(irq + i)
		}

	case offset < 0x300: // clear pending
		irq := int(offset-0x280) * 8
		if irq >= g.numIRQ {
			bad = true
			break
		}
		if irq < NumSGIs {
			value = 0
		}
		for i := 0; i < 8; i++ {
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			// Clears the pending latch on every CPU, including for
			// banked interrupts.
			if value&(1<<i) != 0 {
				g.irq[irq+i].pending = 0
			}
		}

	case offset < 0x400: // active registers are read-only
		bad = true

	case offset < 0x800: // priority
		irq := int(offset - 0x400)
		if irq >= g.numIRQ {
			bad = true
			break
		}
		g.distSetPriority(cpu, irq, uint8(value), secure)

	case offset < 0xc00: // CPU targets
		// RAZ/WI on uniprocessor GICs, except the 11MPCore.
		if g.numCPU != 1 || g.cfg.Revision == Rev11MPCore {
			irq := int(offset - 0x800)
			if irq >= g.numIRQ {
				bad = true
				break
			}
			if irq < 29 {
				value = 0
			} else if irq < GICInternal {
				value = uint32(g.allCPUMask())
			}
			g.irqTarget[irq] = uint8(value) & g.allCPUMask()
		}

	case offset < 0xf00: // configuration
		irq := int(offset-0xc00) * 4
		if irq >= g.numIRQ {
			bad = true
			break
		}
		if irq < NumSGIs {
			value |= 0xaa // SGIs are always edge triggered
		}
		for i := 0; i < 4; i++ {
			if ns && !g.distTestGroup(irq+i, cm) {
				continue
			}
			if g.cfg.Revision == Rev11MPCore {
				g.irq[irq+i].model = value&(1<<(i*2)) != 0
			}
			g.irq[irq+i].edgeTrigger = value&(2<<(i*2)) != 0
		}

	case offset < 0xf10:
		// 0xf00 takes 32-bit writes only.
		bad = true

	case offset < 0xf20: // GICD_CPENDSGIR
		if g.cfg.Revision == Rev11MPCore {
			bad = true
			break
		}
		irq := int(offset - 0xf10)
		if !ns || g.distTestGroup(irq, cm) {
			g.sgiPending[irq][cpu] &^= uint8(value)
			if g.sgiPending[irq][cpu] == 0 {
				g.irq[irq].pending &^= cm
			}
		}

	case offset < 0xf30: // GICD_SPENDSGIR
		if g.cfg.Revision == Rev11MPCore {
			bad = true
			break
		}
		irq := int(offset - 0xf20)
		if !ns || g.distTestGroup(irq, cm) {
			g.irq[irq].pending |= cm
			g.sgiPending[irq][cpu] |= uint8(value)
		}

	default:
		bad = true
	}

	if bad {
		logGuestError("gic: bad distributor write",
			"offset", offset, "value", value)
		return
	}
	g.update()
}

func (g *GIC) distWriteWord(cpu int, offset uint64, value uint32, secure bool) {
	g.distWriteByte(cpu, offset, value&0xff, secure)
	g.distWriteByte(cpu, offset+1, value>>8&0xff, secure)
}

// distWriteLong handles a 32-bit distributor store; everything except
// the software generated interrupt register decomposes into byte stores.
func (g *GIC) distWriteLong(cpu int, offset uint64, value uint32, secure bool) {
	if offset == 0xf00 {
		g.softwareInterrupt(cpu, value)
		return
	}
	g.distWriteWord(cpu, offset, value&0xffff, secure)
	g.distWriteWord(cpu, offset+2, value>>16, secure)
}

// softwareInterrupt implements GICD_SGIR: raise an SGI on the CPUs named
// by the target filter, recording the requesting CPU per target.
func (g *GIC) softwareInterrupt(cpu int, value uint32) {
	irq := int(value & 0xf)

	var mask uint8
	switch value >> 24 & 3 {
	case 0:
		mask = uint8(value>>16) & g.allCPUMask()
	case 1:
		mask = g.allCPUMask() &^ (1 << cpu)
	case 2:
		mask = 1 << cpu
	default:
		logGuestError("gic: bad SGI target filter", "value", value)
		mask = g.allCPUMask()
	}

	g.irq[irq].pending |= mask
	for target := 0; target < g.numCPU; target++ {
		if mask&(1<<target) != 0 {
			g.sgiPending[irq][target] |= 1 << cpu
		}
	}
	g.update()
}
