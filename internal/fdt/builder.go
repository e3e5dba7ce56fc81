// Package fdt serializes flattened device tree blobs, used to describe
// the interrupt controller and the peripherals routed through it to a
// booting guest.
package fdt

import (
	"bytes"
	"encoding/binary"
)

// Format constants from the devicetree specification.
const (
	fdtMagic           = 0xd00dfeed
	fdtVersion         = 17
	fdtLastCompVersion = 16

	tokBeginNode = 1
	tokEndNode   = 2
	tokProp      = 3
	tokEnd       = 9

	headerLen = 40
	// An empty reservation block is one terminating zero entry.
	memReserveLen = 16
)

// Builder accumulates nodes and properties and serializes them into a
// device tree blob. Nodes nest between BeginNode and EndNode; the
// caller balances the calls.
type Builder struct {
	tree  bytes.Buffer
	names bytes.Buffer

	nameOffset map[string]uint32
}

func NewBuilder() *Builder {
	return &Builder{nameOffset: make(map[string]uint32)}
}

// BeginNode opens a node. The root node uses the empty name.
func (b *Builder) BeginNode(name string) {
	b.cell(tokBeginNode)
	b.tree.WriteString(name)
	b.tree.WriteByte(0)
	b.pad()
}

// EndNode closes the most recently opened node.
func (b *Builder) EndNode() {
	b.cell(tokEndNode)
}

// AddPropertyEmpty adds a property that is present with no value, like
// interrupt-controller.
func (b *Builder) AddPropertyEmpty(name string) {
	b.property(name, 0)
}

// AddPropertyString adds a NUL terminated string property.
func (b *Builder) AddPropertyString(name, value string) {
	b.property(name, uint32(len(value)+1))
	b.tree.WriteString(value)
	b.tree.WriteByte(0)
	b.pad()
}

// AddPropertyU32 adds a single-cell property.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.property(name, 4)
	b.cell(value)
}

// AddPropertyU32Array adds a multi-cell property such as reg or
// interrupts.
func (b *Builder) AddPropertyU32Array(name string, values []uint32) {
	b.property(name, uint32(4*len(values)))
	for _, v := range values {
		b.cell(v)
	}
}

// Build terminates the structure block and assembles the blob: header,
// empty memory reservation block, structure block, strings block.
func (b *Builder) Build() []byte {
	b.cell(tokEnd)

	treeOff := uint32(headerLen + memReserveLen)
	namesOff := treeOff + uint32(b.tree.Len())
	total := namesOff + uint32(b.names.Len())

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], fdtMagic)
	be.PutUint32(blob[4:], total)
	be.PutUint32(blob[8:], treeOff)
	be.PutUint32(blob[12:], namesOff)
	be.PutUint32(blob[16:], headerLen)
	be.PutUint32(blob[20:], fdtVersion)
	be.PutUint32(blob[24:], fdtLastCompVersion)
	// boot_cpuid_phys at offset 28 stays zero.
	be.PutUint32(blob[32:], uint32(b.names.Len()))
	be.PutUint32(blob[36:], uint32(b.tree.Len()))
	copy(blob[treeOff:], b.tree.Bytes())
	copy(blob[namesOff:], b.names.Bytes())
	return blob
}

// property writes the property token and header; the caller appends the
// padded value bytes.
func (b *Builder) property(name string, length uint32) {
	b.cell(tokProp)
	b.cell(length)
	b.cell(b.nameRef(name))
}

// nameRef interns a property name in the strings block.
func (b *Builder) nameRef(name string) uint32 {
	if off, ok := b.nameOffset[name]; ok {
		return off
	}
	off := uint32(b.names.Len())
	b.nameOffset[name] = off
	b.names.WriteString(name)
	b.names.WriteByte(0)
	return off
}

func (b *Builder) cell(v uint32) {
	var cell [4]byte
	binary.BigEndian.PutUint32(cell[:], v)
	b.tree.Write(cell[:])
}

func (b *Builder) pad() {
	for b.tree.Len()%4 != 0 {
		b.tree.WriteByte(0)
	}
}
