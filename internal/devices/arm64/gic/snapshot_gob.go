package gic

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/armgic/internal/hv"
)

var _ hv.DeviceSnapshotter = (*GIC)(nil)

func init() {
	gob.Register(&Snapshot{})
}

// InterruptState is the serialized form of one interrupt's distributor
// state.
type InterruptState struct {
	Enabled     uint8
	Pending     uint8
	Active      uint8
	Level       uint8
	Group       uint8
	Model       bool
	EdgeTrigger bool
}

// Snapshot captures the full architectural state of the controller. The
// derived state (residency cache, status registers, output line levels)
// is rebuilt on restore.
type Snapshot struct {
	Ctlr       uint32
	Interrupts []InterruptState
	Priority1  [][]uint8
	Priority2  []uint8
	Target     []uint8
	SGIPending [][]uint8

	CPUCtlr         []uint32
	PriorityMask    []uint8
	BPR             []uint8
	ABPR            []uint8
	RunningPriority []uint16
	CurrentPending  []uint16
	APR             [][]uint32
	NSAPR           [][]uint32

	HCR    []uint32
	APRHyp []uint32
	LR     [][]uint32
}

// DeviceId implements hv.DeviceSnapshotter.
func (g *GIC) DeviceId() string { return "arm64.gic" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (g *GIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		Ctlr:       g.ctlr,
		Interrupts: make([]InterruptState, len(g.irq)),
		Priority1:  copyMatrix8(g.priority1),
		Priority2:  append([]uint8(nil), g.priority2...),
		Target:     append([]uint8(nil), g.irqTarget...),

		CPUCtlr:         append([]uint32(nil), g.cpuCtlr...),
		PriorityMask:    append([]uint8(nil), g.priorityMask...),
		BPR:             append([]uint8(nil), g.bpr...),
		ABPR:            append([]uint8(nil), g.abpr...),
		RunningPriority: append([]uint16(nil), g.runningPriority...),
		CurrentPending:  append([]uint16(nil), g.currentPending...),
		APR:             copyMatrix32(g.apr),
		NSAPR:           copyMatrix32(g.nsapr),
	}
	for i, st := range g.irq {
		snap.Interrupts[i] = InterruptState{
			Enabled:     st.enabled,
			Pending:     st.pending,
			Active:      st.active,
			Level:       st.level,
			Group:       st.group,
			Model:       st.model,
			EdgeTrigger: st.edgeTrigger,
		}
	}
	snap.SGIPending = make([][]uint8, len(g.sgiPending))
	for i := range g.sgiPending {
		snap.SGIPending[i] = append([]uint8(nil), g.sgiPending[i]...)
	}

	if g.cfg.VirtExtn {
		snap.HCR = append([]uint32(nil), g.hHCR...)
		snap.APRHyp = append([]uint32(nil), g.hAPR...)
		snap.LR = copyMatrix32(g.hLR)
	}

	return snap, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (g *GIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	state, ok := snap.(*Snapshot)
	if !ok {
		return fmt.Errorf("gic: unexpected snapshot type %T", snap)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(state.Interrupts) != len(g.irq) {
		return fmt.Errorf("gic: snapshot has %d interrupts, controller has %d",
			len(state.Interrupts), len(g.irq))
	}
	if len(state.CPUCtlr) != len(g.cpuCtlr) {
		return fmt.Errorf("gic: snapshot has %d CPU interfaces, controller has %d",
			len(state.CPUCtlr), len(g.cpuCtlr))
	}
	if g.cfg.VirtExtn && len(state.LR) != len(g.hLR) {
		return fmt.Errorf("gic: snapshot has %d list registers, controller has %d",
			len(state.LR), len(g.hLR))
	}

	g.ctlr = state.Ctlr
	for i, st := range state.Interrupts {
		g.irq[i] = irqState{
			enabled:     st.Enabled,
			pending:     st.Pending,
			active:      st.Active,
			level:       st.Level,
			group:       st.Group,
			model:       st.Model,
			edgeTrigger: st.EdgeTrigger,
		}
	}
	restoreMatrix8(g.priority1, state.Priority1)
	copy(g.priority2, state.Priority2)
	copy(g.irqTarget, state.Target)
	for i := range g.sgiPending {
		if i < len(state.SGIPending) {
			copy(g.sgiPending[i], state.SGIPending[i])
		}
	}

	copy(g.cpuCtlr, state.CPUCtlr)
	copy(g.priorityMask, state.PriorityMask)
	copy(g.bpr, state.BPR)
	copy(g.abpr, state.ABPR)
	copy(g.runningPriority, state.RunningPriority)
	copy(g.currentPending, state.CurrentPending)
	restoreMatrix32(g.apr, state.APR)
	restoreMatrix32(g.nsapr, state.NSAPR)

	if g.cfg.VirtExtn {
		copy(g.hHCR, state.HCR)
		copy(g.hAPR, state.APRHyp)
		restoreMatrix32(g.hLR, state.LR)
		g.recomputeVirqCache()
	}

	g.update()
	return nil
}

func copyMatrix8(src [][]uint8) [][]uint8 {
	out := make([][]uint8, len(src))
	for i := range src {
		out[i] = append([]uint8(nil), src[i]...)
	}
	return out
}

func copyMatrix32(src [][]uint32) [][]uint32 {
	out := make([][]uint32, len(src))
	for i := range src {
		out[i] = append([]uint32(nil), src[i]...)
	}
	return out
}

func restoreMatrix8(dst [][]uint8, src [][]uint8) {
	for i := range dst {
		if i < len(src) {
			copy(dst[i], src[i])
		}
	}
}

func restoreMatrix32(dst [][]uint32, src [][]uint32) {
	for i := range dst {
		if i < len(src) {
			copy(dst[i], src[i])
		}
	}
}
