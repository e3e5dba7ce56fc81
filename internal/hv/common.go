// Package hv defines the contracts between the emulated interrupt
// controller and the host virtual machine monitor.
package hv

import (
	"errors"
	"fmt"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ExitContext describes the vCPU exit that produced an MMIO access. The
// host decodes both fields before calling into a device: Cpu is the index
// of the vCPU that is currently executing, Secure is the security
// attribute of the bus transaction.
type ExitContext struct {
	Cpu    int
	Secure bool
}

// VirtualMachine is the minimal host surface a device may query during
// initialization. Hosts typically implement much more; devices in this
// module only ever need the vCPU count.
type VirtualMachine interface {
	NumCPU() int
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// End returns the first address past the region.
func (r MMIORegion) End() uint64 { return r.Address + r.Size }

// Contains reports whether [addr, addr+size) falls inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	return addr >= r.Address && addr+size <= r.End() && addr+size >= addr
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// SimpleMMIODevice adapts plain functions to MemoryMappedIODevice.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(ctx ExitContext, addr uint64, data []byte) error
	WriteFunc func(ctx ExitContext, addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)
