// Package pmem provides the simulated flat physical memory that backs
// the virtual-memory subsystem.
package pmem

// A Memory is a flat, byte-addressable physical memory.
//
// Addresses below AddrFloor are invalid. Every operation range-checks
// [addr, addr+n) against [AddrFloor, Capacity) and returns an error on
// violation, without partially applying the access.
type Memory interface {
	// Read returns n bytes starting at addr.
	Read(addr uint64, n uint64) ([]byte, error)

	// Write stores data starting at addr.
	Write(addr uint64, data []byte) error

	// WriteMasked stores data[i] at addr+i for every i with mask[i]
	// set. The mask must be as long as the data.
	WriteMasked(addr uint64, data []byte, mask []bool) error

	// Fill sets n bytes starting at addr to value.
	Fill(addr uint64, value byte, n uint64) error

	// Alloc and Free are advisory. Implementations may use them to
	// track which ranges the caller considers live; the simulator
	// only range-checks them.
	Alloc(addr uint64, n uint64) error
	Free(addr uint64, n uint64) error

	// Capacity returns the total number of bytes.
	Capacity() uint64

	// AddrFloor returns the lowest valid address.
	AddrFloor() uint64
}
