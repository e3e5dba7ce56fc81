//go:build !linux

package kvm

import (
	"github.com/tinyrange/armgic/internal/hv"
)

// VM is a stub on platforms without KVM.
type VM struct{}

var _ IRQLineSetter = (*VM)(nil)

func OpenVM(vmFd int) *VM { return &VM{} }

func (v *VM) IRQLine(encoded uint32, level bool) error {
	return hv.ErrHypervisorUnsupported
}

func (v *VM) PulseIRQLine(encoded uint32) error {
	return hv.ErrHypervisorUnsupported
}
