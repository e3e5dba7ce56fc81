//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const kvmIrqLine = 0x4008ae61

type kvmIRQLevel struct {
	IRQOrStatus uint32
	Level       uint32
}

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

// VM drives interrupt lines on an existing KVM virtual machine file
// descriptor. The caller keeps ownership of the descriptor.
type VM struct {
	vmFd int
}

var _ IRQLineSetter = (*VM)(nil)

// OpenVM wraps a KVM VM file descriptor.
func OpenVM(vmFd int) *VM {
	return &VM{vmFd: vmFd}
}

// IRQLine implements IRQLineSetter via the KVM_IRQ_LINE ioctl.
func (v *VM) IRQLine(encoded uint32, level bool) error {
	line := kvmIRQLevel{IRQOrStatus: encoded}
	if level {
		line.Level = 1
	}
	_, err := ioctlWithRetry(uintptr(v.vmFd), kvmIrqLine,
		uintptr(unsafe.Pointer(&line)))
	return err
}

// PulseIRQLine raises then lowers an encoded line, for edge triggered
// interrupts.
func (v *VM) PulseIRQLine(encoded uint32) error {
	if err := v.IRQLine(encoded, true); err != nil {
		return err
	}
	return v.IRQLine(encoded, false)
}
