package kvm

import "testing"

func TestEncodeSPI(t *testing.T) {
	encoded, err := EncodeSPI(40)
	if err != nil {
		t.Fatalf("EncodeSPI: %v", err)
	}
	if encoded != IRQTypeSPI<<irqTypeShift|40 {
		t.Fatalf("encoded = %#x", encoded)
	}

	if _, err := EncodeSPI(16); err == nil {
		t.Fatalf("EncodeSPI accepted a PPI id")
	}
}

func TestEncodePPI(t *testing.T) {
	encoded, err := EncodePPI(3, 27)
	if err != nil {
		t.Fatalf("EncodePPI: %v", err)
	}
	if encoded != IRQTypePPI<<irqTypeShift|3<<vcpuShift|27 {
		t.Fatalf("encoded = %#x", encoded)
	}

	if _, err := EncodePPI(0, 32); err == nil {
		t.Fatalf("EncodePPI accepted an SPI id")
	}
	if _, err := EncodePPI(-1, 27); err == nil {
		t.Fatalf("EncodePPI accepted a negative vCPU")
	}
}

func TestDecodeIRQLineRoundTrip(t *testing.T) {
	spi, _ := EncodeSPI(75)
	irqType, vcpu, intid, err := DecodeIRQLine(spi)
	if err != nil {
		t.Fatalf("DecodeIRQLine: %v", err)
	}
	if irqType != IRQTypeSPI || vcpu != 0 || intid != 75 {
		t.Fatalf("decoded type=%d vcpu=%d intid=%d", irqType, vcpu, intid)
	}

	ppi, _ := EncodePPI(2, 30)
	irqType, vcpu, intid, err = DecodeIRQLine(ppi)
	if err != nil {
		t.Fatalf("DecodeIRQLine: %v", err)
	}
	if irqType != IRQTypePPI || vcpu != 2 || intid != 30 {
		t.Fatalf("decoded type=%d vcpu=%d intid=%d", irqType, vcpu, intid)
	}

	if _, _, _, err := DecodeIRQLine(7 << irqTypeShift); err == nil {
		t.Fatalf("DecodeIRQLine accepted an unknown type")
	}
	if _, _, _, err := DecodeIRQLine(IRQTypeSPI<<irqTypeShift | 8); err == nil {
		t.Fatalf("DecodeIRQLine accepted an SPI below 32")
	}
}

type recordedLine struct {
	encoded uint32
	level   bool
}

type recordingSetter struct {
	calls []recordedLine
}

func (r *recordingSetter) IRQLine(encoded uint32, level bool) error {
	r.calls = append(r.calls, recordedLine{encoded: encoded, level: level})
	return nil
}

func TestSinkMapsDenseLines(t *testing.T) {
	rec := &recordingSetter{}
	sink := &Sink{
		Map:    LineMap{NumSPI: 64, NumCPU: 2},
		Target: rec,
	}

	// Dense line 8 is SPI intid 40.
	sink.SetIRQ(8, true)
	// First private bank: PPI 27 on vCPU 0.
	sink.SetIRQ(64+27, true)
	// Second private bank: PPI 27 on vCPU 1.
	sink.SetIRQ(64+32+27, false)
	// SGI slots in the private banks have no KVM encoding and are
	// dropped.
	sink.SetIRQ(64+5, true)

	want := []recordedLine{
		{IRQTypeSPI<<irqTypeShift | 40, true},
		{IRQTypePPI<<irqTypeShift | 27, true},
		{IRQTypePPI<<irqTypeShift | 1<<vcpuShift | 27, false},
	}
	if len(rec.calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(rec.calls), len(want))
	}
	for i, call := range rec.calls {
		if call != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, call, want[i])
		}
	}
}
