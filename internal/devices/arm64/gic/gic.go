// Package gic implements the ARM Generic Interrupt Controller (GICv2,
// with GICv1 and 11MPCore compatibility modes) as an emulated chipset
// device: distributor, per-CPU interfaces and the optional virtualization
// extension used to deliver interrupts into a nested guest.
package gic

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/armgic/internal/chipset"
)

// Revision selects the behavioral model of the controller.
type Revision int

const (
	Rev11MPCore Revision = 0
	RevGICv1    Revision = 1
	RevGICv2    Revision = 2
)

const (
	// GICInternal is the first shared peripheral interrupt; ids below it
	// (SGIs and PPIs) are banked per CPU.
	GICInternal = 32
	// NumSGIs is the number of software-generated interrupt ids.
	NumSGIs = 16
	// MaxIRQ is the first reserved interrupt id; 1020..1023 are sentinels.
	MaxIRQ = 1020
	// MaxCPU is the architectural CPU limit of the 8-bit target mask.
	MaxCPU = 8
	// MaxLR is the architectural list register limit.
	MaxLR = 64

	// SpuriousIRQ is returned by acknowledge when nothing is pending.
	SpuriousIRQ = 1023
	// SecureHiddenIRQ is returned for Group 1 interrupts hidden from a
	// secure acknowledge with AckCtl clear.
	SecureHiddenIRQ = 1022

	// idlePriority is the running priority when no interrupt is active.
	idlePriority = 0x100
)

// Distributor control register bits.
const (
	ctlrEnableGrp0 = 1 << 0
	ctlrEnableGrp1 = 1 << 1
)

// CPU interface control register bits.
const (
	cpuCtlrEnableGrp0 = 1 << 0
	cpuCtlrEnableGrp1 = 1 << 1
	cpuCtlrAckCtl     = 1 << 2
	cpuCtlrFIQEn      = 1 << 3
	cpuCtlrCBPR       = 1 << 4
	cpuCtlrEOIMode    = 1 << 9
	cpuCtlrEOIModeNS  = 1 << 10

	cpuCtlrV1Mask  = cpuCtlrEnableGrp0
	cpuCtlrV1SMask = cpuCtlrEnableGrp0 | cpuCtlrEnableGrp1 | cpuCtlrAckCtl |
		cpuCtlrFIQEn | cpuCtlrCBPR
	cpuCtlrV2Mask  = cpuCtlrEnableGrp0 | cpuCtlrEOIMode
	cpuCtlrV2SMask = cpuCtlrV1SMask | cpuCtlrEOIMode | cpuCtlrEOIModeNS
)

// Config fixes the shape of the controller at construction time.
type Config struct {
	NumCPU   int
	NumIRQ   int // multiple of 32, including the 32 internal ids
	Revision Revision

	SecurityExtn bool
	VirtExtn     bool
	NumLR        int // list registers per CPU, <= MaxLR; defaults to 4

	// Binary point floors. MinBPR defaults to 0 (MinABPR to MinBPR+1);
	// the virtual interface defaults to 2 and 3.
	MinBPR      int
	MinABPR     int
	VirtMinBPR  int
	VirtMinABPR int

	// MMIO layout. Zero values pick the defaults below. PerCPUBase and
	// PerVCPUBase may be left zero to omit the explicitly-addressed
	// aperture groups.
	DistBase    uint64
	CPUBase     uint64
	PerCPUBase  uint64
	HypBase     uint64
	VCPUBase    uint64
	PerVCPUBase uint64
}

// Default aperture layout, matching the common arm64 machine map.
const (
	DefaultDistBase = 0x0800_0000
	DefaultCPUBase  = 0x0801_0000
	DefaultHypBase  = 0x0803_0000
	DefaultVCPUBase = 0x0804_0000

	distAperture = 0x1000
	hypAperture  = 0x200
	vcpuAperture = 0x2000
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.NumLR == 0 {
		out.NumLR = 4
	}
	if out.MinABPR == 0 {
		out.MinABPR = out.MinBPR + 1
	}
	if out.VirtMinBPR == 0 {
		out.VirtMinBPR = 2
	}
	if out.VirtMinABPR == 0 {
		out.VirtMinABPR = out.VirtMinBPR + 1
	}
	if out.DistBase == 0 {
		out.DistBase = DefaultDistBase
	}
	if out.CPUBase == 0 {
		out.CPUBase = DefaultCPUBase
	}
	if out.VirtExtn {
		if out.HypBase == 0 {
			out.HypBase = DefaultHypBase
		}
		if out.VCPUBase == 0 {
			out.VCPUBase = DefaultVCPUBase
		}
	}
	return out
}

func (c Config) validate() error {
	if c.NumCPU < 1 || c.NumCPU > MaxCPU {
		return fmt.Errorf("gic: NumCPU %d outside [1,%d]", c.NumCPU, MaxCPU)
	}
	if c.NumIRQ < GICInternal || c.NumIRQ > MaxIRQ || c.NumIRQ%32 != 0 {
		return fmt.Errorf("gic: NumIRQ %d must be a multiple of 32 in [%d,%d]",
			c.NumIRQ, GICInternal, MaxIRQ)
	}
	switch c.Revision {
	case Rev11MPCore, RevGICv1, RevGICv2:
	default:
		return fmt.Errorf("gic: unknown revision %d", c.Revision)
	}
	if c.NumLR < 1 || c.NumLR > MaxLR {
		return fmt.Errorf("gic: NumLR %d outside [1,%d]", c.NumLR, MaxLR)
	}
	if c.MinBPR < 0 || c.MinBPR > 3 {
		return fmt.Errorf("gic: MinBPR %d outside [0,3]", c.MinBPR)
	}
	if c.VirtExtn && c.Revision != RevGICv2 {
		return fmt.Errorf("gic: virtualization extensions require GICv2")
	}
	return nil
}

// irqState is the distributor's view of one interrupt. The uint8 fields
// are masks over CPUs, which makes banked state (irq < GICInternal) and
// shared state uniform: callers pass either a single-CPU mask or the
// all-CPUs mask.
type irqState struct {
	enabled uint8
	pending uint8
	active  uint8
	level   uint8
	group   uint8

	model       bool // 11MPCore only: true for N:N delivery
	edgeTrigger bool
}

// GIC is the complete controller state. All exported methods serialize on
// mu; the host may therefore call in from MMIO dispatch and peripheral
// threads concurrently even though the architectural model is a single
// serialized state machine.
type GIC struct {
	mu  sync.Mutex
	cfg Config

	numCPU int
	numIRQ int

	ctlr uint32
	irq  []irqState

	priority1  [][]uint8 // [irq < GICInternal][cpu]
	priority2  []uint8   // [irq - GICInternal]
	irqTarget  []uint8
	sgiPending [NumSGIs][]uint8 // [sgi][cpu] -> mask of source CPUs

	// CPU interface state. Indices [0, numCPU) are the physical
	// interfaces; [numCPU, 2*numCPU) are the virtual interfaces when
	// VirtExtn is set.
	cpuCtlr         []uint32
	priorityMask    []uint8
	bpr             []uint8
	abpr            []uint8
	runningPriority []uint16
	currentPending  []uint16
	apr             [][]uint32 // [regno][cpu]
	nsapr           [][]uint32

	// Virtualization extension, all indexed by the real CPU id.
	hHCR       []uint32
	hAPR       []uint32
	hMISR      []uint32
	hEISR      []uint64
	hELRSR     []uint64
	hLR        [][]uint32 // [lr][cpu]
	pendingLRs []int
	virqCache  [][]uint8 // [virq][cpu] -> LR index, or lrCacheEmpty

	irqOut   []chipset.LineInterrupt
	fiqOut   []chipset.LineInterrupt
	virqOut  []chipset.LineInterrupt
	vfiqOut  []chipset.LineInterrupt
	maintOut []chipset.LineInterrupt
}

// New constructs a controller from cfg, applying defaults and validating
// the static shape. Output lines start detached.
func New(cfg Config) (*GIC, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	g := &GIC{
		cfg:    cfg,
		numCPU: cfg.NumCPU,
		numIRQ: cfg.NumIRQ,
	}

	nIface := g.numCPU
	if cfg.VirtExtn {
		nIface *= 2
	}

	g.irq = make([]irqState, g.numIRQ)
	g.priority1 = make([][]uint8, GICInternal)
	for i := range g.priority1 {
		g.priority1[i] = make([]uint8, g.numCPU)
	}
	g.priority2 = make([]uint8, g.numIRQ-GICInternal)
	g.irqTarget = make([]uint8, g.numIRQ)
	for i := range g.sgiPending {
		g.sgiPending[i] = make([]uint8, g.numCPU)
	}

	g.cpuCtlr = make([]uint32, nIface)
	g.priorityMask = make([]uint8, nIface)
	g.bpr = make([]uint8, nIface)
	g.abpr = make([]uint8, nIface)
	g.runningPriority = make([]uint16, nIface)
	g.currentPending = make([]uint16, nIface)
	nAPR := g.numAPRs()
	g.apr = make([][]uint32, nAPR)
	g.nsapr = make([][]uint32, nAPR)
	for i := 0; i < nAPR; i++ {
		g.apr[i] = make([]uint32, g.numCPU)
		g.nsapr[i] = make([]uint32, g.numCPU)
	}

	if cfg.VirtExtn {
		g.hHCR = make([]uint32, g.numCPU)
		g.hAPR = make([]uint32, g.numCPU)
		g.hMISR = make([]uint32, g.numCPU)
		g.hEISR = make([]uint64, g.numCPU)
		g.hELRSR = make([]uint64, g.numCPU)
		g.hLR = make([][]uint32, cfg.NumLR)
		for i := range g.hLR {
			g.hLR[i] = make([]uint32, g.numCPU)
		}
		g.pendingLRs = make([]int, g.numCPU)
		g.virqCache = make([][]uint8, MaxIRQ)
		for i := range g.virqCache {
			g.virqCache[i] = make([]uint8, g.numCPU)
		}
	}

	g.irqOut = detachedLines(g.numCPU)
	g.fiqOut = detachedLines(g.numCPU)
	g.virqOut = detachedLines(g.numCPU)
	g.vfiqOut = detachedLines(g.numCPU)
	g.maintOut = detachedLines(g.numCPU)

	g.resetLocked()
	return g, nil
}

func detachedLines(n int) []chipset.LineInterrupt {
	lines := make([]chipset.LineInterrupt, n)
	for i := range lines {
		lines[i] = chipset.LineInterruptDetached()
	}
	return lines
}

// ConnectCPU wires the physical IRQ and FIQ outputs for one CPU.
func (g *GIC) ConnectCPU(cpu int, irq, fiq chipset.LineInterrupt) error {
	if cpu < 0 || cpu >= g.numCPU {
		return fmt.Errorf("gic: CPU %d outside [0,%d)", cpu, g.numCPU)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if irq != nil {
		g.irqOut[cpu] = irq
	}
	if fiq != nil {
		g.fiqOut[cpu] = fiq
	}
	return nil
}

// ConnectVirtCPU wires the virtual IRQ/FIQ outputs and the maintenance
// line for one CPU.
func (g *GIC) ConnectVirtCPU(cpu int, virq, vfiq, maint chipset.LineInterrupt) error {
	if !g.cfg.VirtExtn {
		return fmt.Errorf("gic: virtualization extensions disabled")
	}
	if cpu < 0 || cpu >= g.numCPU {
		return fmt.Errorf("gic: CPU %d outside [0,%d)", cpu, g.numCPU)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if virq != nil {
		g.virqOut[cpu] = virq
	}
	if vfiq != nil {
		g.vfiqOut[cpu] = vfiq
	}
	if maint != nil {
		g.maintOut[cpu] = maint
	}
	return nil
}

// Config returns the effective configuration, with defaults applied.
func (g *GIC) Config() Config {
	return g.cfg
}

// NumInputLines returns the size of the dense peripheral input space:
// the SPIs followed by the per-CPU PPI banks.
func (g *GIC) NumInputLines() int {
	return (g.numIRQ - GICInternal) + g.numCPU*GICInternal
}

func (g *GIC) resetLocked() {
	g.ctlr = 0
	for i := range g.irq {
		g.irq[i] = irqState{}
		if i < NumSGIs {
			// SGIs are always enabled and edge triggered.
			g.irq[i].enabled = g.allCPUMask()
			g.irq[i].edgeTrigger = true
		} else if i < GICInternal {
			g.irq[i].edgeTrigger = false
		}
	}
	for i := range g.priority1 {
		clearBytes(g.priority1[i])
	}
	clearBytes(g.priority2)
	clearBytes(g.irqTarget)
	if g.numCPU == 1 {
		// With a single CPU every interrupt targets it, private ones
		// included; set-pending writes take the target as the mask.
		for i := 0; i < g.numIRQ; i++ {
			g.irqTarget[i] = 1
		}
	}
	for i := range g.sgiPending {
		clearBytes(g.sgiPending[i])
	}

	for c := range g.cpuCtlr {
		g.cpuCtlr[c] = 0
		g.priorityMask[c] = 0
		g.runningPriority[c] = idlePriority
		g.currentPending[c] = SpuriousIRQ
		if g.isVCPU(c) {
			g.bpr[c] = uint8(g.cfg.VirtMinBPR)
			g.abpr[c] = uint8(g.cfg.VirtMinABPR)
		} else {
			g.bpr[c] = uint8(g.cfg.MinBPR)
			g.abpr[c] = uint8(g.cfg.MinABPR)
		}
	}
	for i := range g.apr {
		clearWords(g.apr[i])
		clearWords(g.nsapr[i])
	}

	if g.cfg.VirtExtn {
		clearWords(g.hHCR)
		clearWords(g.hAPR)
		clearWords(g.hMISR)
		for i := range g.hLR {
			clearWords(g.hLR[i])
		}
		for c := 0; c < g.numCPU; c++ {
			g.hEISR[c] = 0
			g.hELRSR[c] = g.allLRMask()
			g.pendingLRs[c] = 0
		}
		g.recomputeVirqCache()
	}
}

func clearBytes(b []uint8) {
	for i := range b {
		b[i] = 0
	}
}

func clearWords(w []uint32) {
	for i := range w {
		w[i] = 0
	}
}

// ---------------------------------------------------------------------------
// Small state helpers. All take CPU masks (cm) so banked and shared
// interrupts share one code path; for irq < GICInternal the caller passes
// the single CPU's bit, otherwise the all-CPUs mask.

func (g *GIC) allCPUMask() uint8 {
	return uint8((1 << g.numCPU) - 1)
}

func (g *GIC) allLRMask() uint64 {
	if g.cfg.NumLR == MaxLR {
		return ^uint64(0)
	}
	return (1 << g.cfg.NumLR) - 1
}

// hasGroups reports whether interrupt grouping exists: GICv2, or GICv1
// with the security extensions.
func (g *GIC) hasGroups() bool {
	return g.cfg.Revision == RevGICv2 || g.cfg.SecurityExtn
}

func (g *GIC) isVCPU(iface int) bool {
	return iface >= g.numCPU
}

func (g *GIC) realCPU(iface int) int {
	if iface >= g.numCPU {
		return iface - g.numCPU
	}
	return iface
}

// currentCPU clamps the host-supplied executing CPU index.
func (g *GIC) currentCPU(cpu int) int {
	if cpu < 0 || cpu >= g.numCPU {
		return 0
	}
	return cpu
}

func (g *GIC) distTestEnabled(irq int, cm uint8) bool {
	return g.irq[irq].enabled&cm != 0
}

func (g *GIC) distTestActive(irq int, cm uint8) bool {
	return g.irq[irq].active&cm != 0
}

func (g *GIC) distTestLevel(irq int, cm uint8) bool {
	return g.irq[irq].level&cm != 0
}

func (g *GIC) distTestGroup(irq int, cm uint8) bool {
	return g.irq[irq].group&cm != 0
}

func (g *GIC) distTarget(irq int) uint8 {
	return g.irqTarget[irq] & g.allCPUMask()
}

// distTestPending applies the revision-specific pending rule: from GICv1
// on, a level-triggered interrupt is pending while its level is raised
// even if the pending latch is clear.
func (g *GIC) distTestPending(irq int, cm uint8) bool {
	if g.cfg.Revision == Rev11MPCore {
		return g.irq[irq].pending&cm != 0
	}
	return g.irq[irq].pending&cm != 0 ||
		(!g.irq[irq].edgeTrigger && g.irq[irq].level&cm != 0)
}

func (g *GIC) distGetPriority(irq, cpu int) int {
	if irq < GICInternal {
		return int(g.priority1[irq][cpu])
	}
	return int(g.priority2[irq-GICInternal])
}

// testGroup is the interface-aware variant: for a virtual interface the
// group comes from the interrupt's list register.
func (g *GIC) testGroup(irq, iface int) bool {
	if g.isVCPU(iface) {
		entry := g.lrEntryFor(irq, g.realCPU(iface))
		return entry != nil && lrGroup(*entry) != 0
	}
	return g.distTestGroup(irq, 1<<g.realCPU(iface))
}

func (g *GIC) getPriority(irq, iface int) int {
	if g.isVCPU(iface) {
		entry := g.lrEntryFor(irq, g.realCPU(iface))
		if entry == nil {
			return 0x100
		}
		return lrPriority(*entry)
	}
	return g.distGetPriority(irq, g.realCPU(iface))
}

func (g *GIC) setActive(irq, iface int) {
	if g.isVCPU(iface) {
		cpu := g.realCPU(iface)
		if entry := g.lrEntryFor(irq, cpu); entry != nil {
			*entry = lrSetState(*entry, lrState(*entry)|lrStateActive)
			g.lrRefresh(cpu)
		}
		return
	}
	g.irq[irq].active |= 1 << g.realCPU(iface)
}

func (g *GIC) clearActive(irq, iface int) {
	if g.isVCPU(iface) {
		cpu := g.realCPU(iface)
		entry := g.lrEntryFor(irq, cpu)
		if entry == nil {
			return
		}
		*entry = lrSetState(*entry, lrState(*entry)&^lrStateActive)
		if lrHW(*entry) != 0 {
			// Hardware interrupt: propagate the deactivation to the
			// physical distributor.
			physIRQ := lrPhysID(*entry)
			if physIRQ < NumSGIs || physIRQ >= g.numIRQ {
				logGuestError("gic: deactivating HW vIRQ with bad physical id",
					"virq", irq, "phys", physIRQ)
			} else {
				cm := g.allCPUMask()
				if physIRQ < GICInternal {
					cm = 1 << cpu
				}
				g.irq[physIRQ].active &^= cm
			}
		}
		g.lrRefresh(cpu)
		return
	}
	g.irq[irq].active &^= 1 << g.realCPU(iface)
}

// clearPending drops the pending latch. Level triggered interrupts with
// an active line remain pending through distTestPending. N:N model
// interrupts clear on every CPU at once.
func (g *GIC) clearPending(irq, iface int) {
	if g.isVCPU(iface) {
		cpu := g.realCPU(iface)
		if entry := g.lrEntryFor(irq, cpu); entry != nil {
			*entry = lrSetState(*entry, lrState(*entry)&^lrStatePending)
			g.lrRefresh(cpu)
		}
		return
	}
	cm := uint8(1) << iface
	if g.irq[irq].model {
		cm = g.allCPUMask()
	}
	g.irq[irq].pending &^= cm
}

func (g *GIC) numAPRs() int {
	n := (1 << (7 - g.cfg.MinBPR)) / 32
	if n < 1 {
		n = 1
	}
	return n
}

func ctz32(v uint32) int      { return bits.TrailingZeros32(v) }
func ctz8(v uint8) int        { return bits.TrailingZeros8(v) }
func popcount64(v uint64) int { return bits.OnesCount64(v) }
