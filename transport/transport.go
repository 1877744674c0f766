// Package transport defines the capability the driver consumes to talk to
// a quad-capable serial flash part: one call per bus transaction, with the
// lane widths and dummy-cycle count either fixed at 1-1-1 (Command) or
// taken from whatever Format was last pushed with ConfigureFormat (Read,
// Write). Implementations of this capability (real hardware or a test
// double) live alongside the interface in this package; the decision
// logic that decides *which* instructions and widths to use lives in
// sfdp, negotiate and qspiflash.
package transport

// Width is the number of data lanes active during one phase of a
// transaction.
type Width uint8

const (
	Width1 Width = 1
	Width2 Width = 2
	Width4 Width = 4
)

// NoAddr marks a Command transaction that carries no address phase.
const NoAddr = ^uint32(0)

// Format is the sticky bus profile Read and Write operate under. The
// driver is responsible for leaving it at Default between operations that
// need something else, per the external interface contract.
type Format struct {
	InstWidth Width
	AddrWidth Width
	AddrSize  uint8 // 3 or 4 bytes
	AltWidth  Width
	AltSize   uint8 // bits; fixed at 8 per the external interface contract
	DataWidth Width

	// DummyAndMode is the combined dummy+mode cycle count between the
	// address/alt phase and the data phase.
	DummyAndMode uint8
}

// Default is the 1-1-1, 3-byte-address, zero-dummy profile the driver
// expects to be in effect whenever it is not actively performing a fast
// read.
var Default = Format{
	InstWidth: Width1,
	AddrWidth: Width1,
	AddrSize:  3,
	AltWidth:  Width1,
	AltSize:   8,
	DataWidth: Width1,
}

// Transport is the capability consumed by the driver. It is given, not
// implemented, by this module's core logic (component A, out of scope per
// the specification); this package carries two concrete implementations
// as supporting infrastructure: Mock for tests and the Linux spidev
// backend for real hardware.
type Transport interface {
	// Command issues inst, optionally followed by a 1-, 3- or 4-byte
	// address (addr, hasAddr), optionally followed by a write phase (tx)
	// or a read phase (rx) — never both. It always runs on a 1-1-1 bus
	// with zero dummy cycles, regardless of the currently configured
	// Format.
	Command(inst uint8, addr uint32, hasAddr bool, tx []byte, rx []byte) error

	// Read issues inst+addr+rx using the currently configured Format.
	Read(inst uint8, addr uint32, rx []byte) error

	// Write issues inst+addr+tx using the currently configured Format.
	Write(inst uint8, addr uint32, tx []byte) error

	// ConfigureFormat sets the bus profile used by Read and Write. It is
	// sticky until the next call.
	ConfigureFormat(f Format) error

	// SetFrequency sets the bus clock in Hz.
	SetFrequency(hz uint32) error
}
