package gic

import "testing"

func virtConfig() Config {
	return Config{
		NumCPU: 1, NumIRQ: 64, Revision: RevGICv2,
		VirtExtn: true, NumLR: 4,
	}
}

// lrPendingEntry builds a software list register entry in the pending
// state.
func lrPendingEntry(virq int, prio uint8) uint32 {
	return uint32(virq) | uint32(prio>>3)<<23 | lrStatePending<<28
}

// enableVirt opens the virtual CPU interface and the hypervisor control
// register for CPU 0.
func (b *bench) enableVirt(hcrExtra uint32) {
	b.t.Helper()
	b.write32(0, true, hypAddr(gichHCR), hcrEN|hcrExtra)
	b.write32(0, false, vcpuAddr(giccCTLR),
		cpuCtlrEnableGrp0|cpuCtlrEnableGrp1)
	b.write32(0, false, vcpuAddr(giccPMR), 0xff)
}

func TestVTREncodesShape(t *testing.T) {
	b := newBench(t, virtConfig())

	// 5 preemption bits, 5 priority bits, 4 list registers.
	want := uint32(4)<<29 | uint32(4)<<26 | 3
	if got := b.read32(0, true, hypAddr(gichVTR)); got != want {
		t.Fatalf("VTR = 0x%x, want 0x%x", got, want)
	}
}

func TestVirtualInterruptLifecycle(t *testing.T) {
	b := newBench(t, virtConfig())
	b.enableVirt(0)

	const virq = 40
	b.write32(0, true, hypAddr(gichLR0), lrPendingEntry(virq, 0x28))

	if !b.virq[0].level {
		t.Fatalf("vIRQ line low after loading a pending list register")
	}
	if got := b.read32(0, true, hypAddr(gichELRSR0)); got != 0b1110 {
		t.Fatalf("ELRSR = 0b%b, want LR 0 occupied", got)
	}

	ack := b.read32(0, false, vcpuAddr(giccIAR))
	if ack != virq {
		t.Fatalf("virtual acknowledge = %d, want %d", ack, virq)
	}
	if b.virq[0].level {
		t.Fatalf("vIRQ line high while the interrupt is active")
	}

	entry := b.read32(0, true, hypAddr(gichLR0))
	if lrState(entry) != lrStateActive {
		t.Fatalf("LR state = %d, want active", lrState(entry))
	}
	if got := b.read32(0, false, vcpuAddr(giccRPR)); got != 0x28 {
		t.Fatalf("virtual running priority = 0x%x, want 0x28", got)
	}

	b.write32(0, false, vcpuAddr(giccEOIR), uint32(virq))

	entry = b.read32(0, true, hypAddr(gichLR0))
	if lrState(entry) != lrStateInvalid {
		t.Fatalf("LR state after EOI = %d, want invalid", lrState(entry))
	}
	if got := b.read32(0, true, hypAddr(gichELRSR0)); got != 0b1111 {
		t.Fatalf("ELRSR after EOI = 0b%b, want all free", got)
	}
	if got := b.read32(0, false, vcpuAddr(giccRPR)); got != 0xff {
		t.Fatalf("virtual running priority after EOI = 0x%x, want 0xff", got)
	}
}

func TestVirtualSGICarriesLRSource(t *testing.T) {
	b := newBench(t, virtConfig())
	b.enableVirt(0)

	// SGI 2 from vCPU 3, recorded in the CPUID field.
	b.write32(0, true, hypAddr(gichLR0), lrPendingEntry(2, 0)|3<<10)

	ack := b.read32(0, false, vcpuAddr(giccIAR))
	if ack != 2|3<<10 {
		t.Fatalf("virtual acknowledge = 0x%x, want SGI 2 from CPU 3", ack)
	}
}

func TestEOIMaintenanceInterrupt(t *testing.T) {
	b := newBench(t, virtConfig())
	b.enableVirt(0)

	const virq = 35
	b.write32(0, true, hypAddr(gichLR0), lrPendingEntry(virq, 0)|lrEOIBit)

	if got := b.read32(0, false, vcpuAddr(giccIAR)); got != virq {
		t.Fatalf("virtual acknowledge = %d, want %d", got, virq)
	}
	if b.maint[0].level {
		t.Fatalf("maintenance asserted before EOI")
	}

	// The EOI leaves the entry invalid with the EOI flag: EISR flags it
	// and the maintenance interrupt fires.
	b.write32(0, false, vcpuAddr(giccEOIR), virq)

	if got := b.read32(0, true, hypAddr(gichEISR0)); got != 1 {
		t.Fatalf("EISR = 0b%b, want LR 0 flagged", got)
	}
	if got := b.read32(0, true, hypAddr(gichELRSR0)); got != 0b1110 {
		t.Fatalf("ELRSR = 0b%b, want LR 0 still occupied", got)
	}
	if got := b.read32(0, true, hypAddr(gichMISR)); got&misrEOI == 0 {
		t.Fatalf("MISR = 0x%x, want the EOI bit", got)
	}
	if !b.maint[0].level {
		t.Fatalf("maintenance interrupt not asserted")
	}

	// Clearing the entry retires the maintenance interrupt.
	b.write32(0, true, hypAddr(gichLR0), 0)
	if b.maint[0].level {
		t.Fatalf("maintenance interrupt still asserted after clearing the LR")
	}
}

func TestSpuriousVirtualEOICountsInHCR(t *testing.T) {
	b := newBench(t, virtConfig())
	b.enableVirt(0)

	// No list register holds virq 50: the EOI is counted, not applied.
	b.write32(0, false, vcpuAddr(giccEOIR), 50)
	b.write32(0, false, vcpuAddr(giccEOIR), 50)

	hcr := b.read32(0, true, hypAddr(gichHCR))
	if got := hcr >> hcrEOICountShift & 0x1f; got != 2 {
		t.Fatalf("EOICount = %d, want 2", got)
	}

	// With LRENPIE set a nonzero EOICount raises the maintenance
	// interrupt.
	b.write32(0, true, hypAddr(gichHCR), hcr|hcrLRENPIE)
	if got := b.read32(0, true, hypAddr(gichMISR)); got&misrLRENP == 0 {
		t.Fatalf("MISR = 0x%x, want the LRENP bit", got)
	}
	if !b.maint[0].level {
		t.Fatalf("maintenance interrupt not asserted for EOICount")
	}
}

func TestSpuriousVirtualEOIRaisesMaintenanceImmediately(t *testing.T) {
	b := newBench(t, virtConfig())
	b.enableVirt(hcrLRENPIE)

	// LRENPIE is already set, so the first counted EOI must move the
	// maintenance line on its own.
	b.write32(0, false, vcpuAddr(giccEOIR), 50)

	hcr := b.read32(0, true, hypAddr(gichHCR))
	if got := hcr >> hcrEOICountShift & 0x1f; got != 1 {
		t.Fatalf("EOICount = %d, want 1", got)
	}
	if got := b.read32(0, true, hypAddr(gichMISR)); got&misrLRENP == 0 {
		t.Fatalf("MISR = 0x%x, want the LRENP bit", got)
	}
	if !b.maint[0].level {
		t.Fatalf("maintenance line not asserted after spurious EOI")
	}
}

func TestHardwareLREOIDeactivatesPhysical(t *testing.T) {
	b := newBench(t, virtConfig())

	// Physical side: split EOI so the hypervisor keeps the interrupt
	// active while the guest runs.
	b.write32(0, true, distAddr(0), ctlrEnableGrp0|ctlrEnableGrp1)
	b.write32(0, true, cpuAddr(giccCTLR),
		cpuCtlrEnableGrp0|cpuCtlrEnableGrp1|cpuCtlrEOIMode)
	b.write32(0, true, cpuAddr(giccPMR), 0xff)

	const spi = 36
	b.setEnable(0, spi)
	b.gic.SetIRQ(spi-GICInternal, true)
	ack := b.read32(0, true, cpuAddr(giccIAR))
	if ack != spi {
		t.Fatalf("physical acknowledge = %d, want %d", ack, spi)
	}
	b.gic.SetIRQ(spi-GICInternal, false)
	b.write32(0, true, cpuAddr(giccEOIR), ack)
	if !b.isActive(0, true, spi) {
		t.Fatalf("physical interrupt inactive after priority drop")
	}

	// Inject it as a hardware list register and run the guest handler.
	b.enableVirt(0)
	b.write32(0, true, hypAddr(gichLR0),
		lrPendingEntry(spi, 0)|lrHWBit|uint32(spi)<<10)

	if got := b.read32(0, false, vcpuAddr(giccIAR)); got != spi {
		t.Fatalf("virtual acknowledge = %d, want %d", got, spi)
	}
	b.write32(0, false, vcpuAddr(giccEOIR), spi)

	// The guest EOI of a hardware interrupt deactivates it in the
	// distributor.
	if b.isActive(0, true, spi) {
		t.Fatalf("physical interrupt still active after guest EOI")
	}
	if got := b.read32(0, true, hypAddr(gichELRSR0)); got != 0b1111 {
		t.Fatalf("ELRSR = 0b%b, want all free", got)
	}
}

func TestUnderflowAndNoPendingMaintenance(t *testing.T) {
	b := newBench(t, virtConfig())
	b.enableVirt(hcrUIE | hcrNPIE)

	// Empty list registers: both underflow and no-pending assert.
	misr := b.read32(0, true, hypAddr(gichMISR))
	if misr&misrU == 0 || misr&misrNP == 0 {
		t.Fatalf("MISR = 0x%x, want U and NP", misr)
	}
	if !b.maint[0].level {
		t.Fatalf("maintenance interrupt not asserted")
	}

	// Two resident pending entries: neither condition holds.
	b.write32(0, true, hypAddr(gichLR0), lrPendingEntry(40, 0))
	b.write32(0, true, hypAddr(gichLR0+4), lrPendingEntry(41, 0))
	misr = b.read32(0, true, hypAddr(gichMISR))
	if misr&(misrU|misrNP) != 0 {
		t.Fatalf("MISR = 0x%x, want U and NP clear", misr)
	}
	if b.maint[0].level {
		t.Fatalf("maintenance interrupt still asserted")
	}
}

func TestGroupEnableMaintenance(t *testing.T) {
	b := newBench(t, virtConfig())
	b.write32(0, true, hypAddr(gichHCR), hcrEN|hcrVGrp0EIE|hcrVGrp1DIE)

	// Group 0 disabled, group 1 disabled: VGrp1D asserts, VGrp0E not.
	misr := b.read32(0, true, hypAddr(gichMISR))
	if misr&misrVGrp1D == 0 || misr&misrVGrp0E != 0 {
		t.Fatalf("MISR = 0x%x, want VGrp1D only", misr)
	}

	b.write32(0, false, vcpuAddr(giccCTLR),
		cpuCtlrEnableGrp0|cpuCtlrEnableGrp1)
	misr = b.read32(0, true, hypAddr(gichMISR))
	if misr&misrVGrp0E == 0 || misr&misrVGrp1D != 0 {
		t.Fatalf("MISR = 0x%x, want VGrp0E only", misr)
	}
}

func TestVMCRRoundTrip(t *testing.T) {
	b := newBench(t, virtConfig())

	value := uint32(0x1f)<<vmcrPriMaskShift | 3<<vmcrBPShift |
		3<<vmcrABPShift | cpuCtlrEnableGrp0 | cpuCtlrEnableGrp1
	b.write32(0, true, hypAddr(gichVMCR), value)

	if got := b.read32(0, true, hypAddr(gichVMCR)); got != value {
		t.Fatalf("VMCR = 0x%x, want 0x%x", got, value)
	}

	// Binary points are floored at the virtual interface minimums.
	b.write32(0, true, hypAddr(gichVMCR), 0)
	got := b.read32(0, true, hypAddr(gichVMCR))
	if bp := got >> vmcrBPShift & 0x7; bp != 2 {
		t.Fatalf("VMCR binary point = %d, want floor 2", bp)
	}
	if abp := got >> vmcrABPShift & 0x7; abp != 3 {
		t.Fatalf("VMCR aliased binary point = %d, want floor 3", abp)
	}
}

func TestListRegisterReservedBitsIgnored(t *testing.T) {
	b := newBench(t, virtConfig())

	b.write32(0, true, hypAddr(gichLR0), lrPendingEntry(40, 0)|0x7<<20)
	if got := b.read32(0, true, hypAddr(gichLR0)); got&(0x7<<20) != 0 {
		t.Fatalf("LR = 0x%x, reserved bits stored", got)
	}
}

func TestVirtualInterfaceDisabledByHCR(t *testing.T) {
	b := newBench(t, virtConfig())
	b.write32(0, false, vcpuAddr(giccCTLR),
		cpuCtlrEnableGrp0|cpuCtlrEnableGrp1)
	b.write32(0, false, vcpuAddr(giccPMR), 0xff)

	b.write32(0, true, hypAddr(gichLR0), lrPendingEntry(40, 0))
	if b.virq[0].level {
		t.Fatalf("vIRQ asserted with HCR.EN clear")
	}

	b.write32(0, true, hypAddr(gichHCR), hcrEN)
	if !b.virq[0].level {
		t.Fatalf("vIRQ not asserted after setting HCR.EN")
	}
}
