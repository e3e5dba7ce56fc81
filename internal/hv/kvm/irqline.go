// Package kvm bridges the emulated interrupt controller's output side to
// a KVM host: peripheral lines that should be driven into an in-kernel
// GIC are encoded and forwarded through the KVM_IRQ_LINE ioctl.
package kvm

import "fmt"

// KVM_IRQ_LINE encoding on arm64: the irq field carries the interrupt
// type in bits [31:24], the target vCPU in bits [23:16] and the GIC
// interrupt id in bits [15:0].
const (
	IRQTypeCPU = 0 // out-of-kernel GIC: per-CPU IRQ/FIQ lines
	IRQTypeSPI = 1 // in-kernel GIC: shared peripheral interrupt
	IRQTypePPI = 2 // in-kernel GIC: private peripheral interrupt

	irqTypeShift = 24
	vcpuShift    = 16

	spiBase = 32
	ppiBase = 16
)

// EncodeSPI encodes a shared peripheral interrupt line. intid is the GIC
// interrupt id, 32 or above.
func EncodeSPI(intid uint32) (uint32, error) {
	if intid < spiBase || intid > 0xffff {
		return 0, fmt.Errorf("kvm: SPI intid %d outside [32,65535]", intid)
	}
	return IRQTypeSPI<<irqTypeShift | intid, nil
}

// EncodePPI encodes a private peripheral interrupt line for one vCPU.
// intid is the GIC interrupt id, 16 to 31.
func EncodePPI(vcpu int, intid uint32) (uint32, error) {
	if vcpu < 0 || vcpu > 0xff {
		return 0, fmt.Errorf("kvm: vCPU index %d outside [0,255]", vcpu)
	}
	if intid < ppiBase || intid >= spiBase {
		return 0, fmt.Errorf("kvm: PPI intid %d outside [16,31]", intid)
	}
	return IRQTypePPI<<irqTypeShift | uint32(vcpu)<<vcpuShift | intid, nil
}

// DecodeIRQLine splits an encoded line back into its fields, validating
// the id range for the type.
func DecodeIRQLine(line uint32) (irqType int, vcpu int, intid uint32, err error) {
	irqType = int(line >> irqTypeShift & 0xff)
	vcpu = int(line >> vcpuShift & 0xff)
	intid = line & 0xffff

	switch irqType {
	case IRQTypeSPI:
		if intid < spiBase {
			return 0, 0, 0, fmt.Errorf("kvm: SPI intid %d below 32", intid)
		}
		if vcpu != 0 {
			return 0, 0, 0, fmt.Errorf("kvm: SPI line %#x names vCPU %d", line, vcpu)
		}
	case IRQTypePPI:
		if intid < ppiBase || intid >= spiBase {
			return 0, 0, 0, fmt.Errorf("kvm: PPI intid %d outside [16,31]", intid)
		}
	case IRQTypeCPU:
		if intid > 1 {
			return 0, 0, 0, fmt.Errorf("kvm: CPU line id %d outside [0,1]", intid)
		}
	default:
		return 0, 0, 0, fmt.Errorf("kvm: unknown interrupt type %d in line %#x", irqType, line)
	}
	return irqType, vcpu, intid, nil
}
