// Package negotiate implements component D: given the raw bytes of a
// part's Basic Parameters sub-table, it decides the fastest interoperable
// read mode, page size, erase-type palette, and the procedures needed to
// reach 4-byte addressing, quad mode and QPI mode, plus how to soft-reset
// the part. It only decides; qspiflash's device-state orchestrator
// (component E) is the one that issues the resulting transactions.
//
// No teacher file decodes a discovery table (the teacher's spiflash
// package looks a 4-byte JEDEC ID up in a 2-entry static table,
// spiflash/types.go's deviceLookup); the shape of that lookup — a slice
// of candidates scanned in preference order, first match wins — grounds
// the erase-type and best-read-mode scans below, generalized from "match
// an ID" to "decode a bitfield".
package negotiate

import (
	"fmt"

	"github.com/kflash/qspinor/status"
	"github.com/kflash/qspinor/transport"
)

// EraseType is one (granularity, instruction) pair a part advertises.
type EraseType struct {
	Size uint32
	Inst uint8
}

// Valid reports whether this slot was actually populated (size > 2, i.e.
// an exponent greater than 1 was advertised).
func (e EraseType) Valid() bool { return e.Size > 2 }

// ReadMode is the negotiated bus profile for the read operation.
type ReadMode struct {
	Inst         uint8
	InstWidth    transport.Width
	AddrWidth    transport.Width
	DataWidth    transport.Width
	DummyAndMode uint8
}

// QPIMethod enumerates how to switch a part into device-wide 4-4-4 mode.
type QPIMethod int

const (
	QPINone QPIMethod = iota
	QPIInst38
	QPIInst35
	QPIConfigRegRMW
)

// QuadEnable describes how to set the part's quad-enable bit, if any read
// mode that was selected needs it.
type QuadEnable struct {
	Needed bool
	// Reg is 1 or 2: which status register carries the QE bit.
	Reg int
	Bit uint8
	// WriteInst/ReadInst are non-nil only for QER code 3, which uses
	// dedicated status-register-2 opcodes (0x3E/0x3F) instead of folding
	// the write into the status-1 WRSR and a conventional probe read.
	WriteInst *uint8
	ReadInst  *uint8
}

// QPIEnable describes how to switch the part into 4-4-4/QPI mode.
type QPIEnable struct {
	Needed       bool
	Method       QPIMethod
	ConfigRegBit uint8 // only meaningful for QPIConfigRegRMW
}

// FourByteMethod enumerates how a part reaches 4-byte addressing.
type FourByteMethod int

const (
	FourByteNone FourByteMethod = iota
	FourByteAlways
	FourByteInst
	FourByteInstWithWREN
	FourByteConfigReg
	FourByteBankReg
	FourByteExtAddrReg
)

// FourByteAddr describes how to move a part to 4-byte addressing, or that
// it should stay at 3 bytes (possibly with an extended-address register).
type FourByteAddr struct {
	Method              FourByteMethod
	AddressSize         uint8 // 3 or 4
	ExtAddrRegWriteInst *uint8
}

// SoftReset describes a part's soft-reset sequence.
type SoftReset struct {
	Single bool // true: Inst1 alone; false: Inst1 then Inst2
	Inst1  uint8
	Inst2  uint8
}

// Profile is everything component D decides from a Basic Parameters
// sub-table.
type Profile struct {
	DeviceSizeBytes uint32
	PageSize        uint32

	Read ReadMode

	EraseTypes         [4]EraseType
	DefaultEraseInst   uint8 // drives the default (no sector map) 4KiB erase
	DefaultEraseBitmap uint8 // bit i set => EraseTypes[i] is valid
	MinCommonEraseSize uint32

	QuadEnable   QuadEnable
	QPIEnable    QPIEnable
	FourByteAddr FourByteAddr
	SoftReset    SoftReset
}

// Decode runs all eight decision steps of the capability negotiator
// against the raw Basic Parameters bytes.
func Decode(basic []byte, log status.LogFunc) (*Profile, error) {
	if len(basic) < 8 {
		return nil, fmt.Errorf("negotiate: basic table too short (%d bytes): %w", len(basic), status.ErrParsingFailed)
	}

	p := &Profile{}

	// Step 1: density check.
	density := le32(basic, 4)
	if density&0x80000000 != 0 {
		return nil, fmt.Errorf("negotiate: density exceeds 4Gbit: %w", status.ErrParsingFailed)
	}
	p.DeviceSizeBytes = (density + 1) / 8

	// Step 2: page size.
	if len(basic) > 40 {
		n := basic[40] >> 4
		p.PageSize = 1 << n
	} else {
		p.PageSize = 256
	}

	// Step 3: soft reset protocol.
	if len(basic) > 61 {
		switch {
		case basic[61]&(1<<3) != 0:
			p.SoftReset = SoftReset{Single: true, Inst1: 0xF0}
		case basic[61]&(1<<4) != 0:
			p.SoftReset = SoftReset{Single: false, Inst1: 0x66, Inst2: 0x99}
		default:
			return nil, fmt.Errorf("negotiate: no supported soft reset protocol: %w", status.ErrParsingFailed)
		}
	} else {
		return nil, fmt.Errorf("negotiate: basic table too short for soft reset protocol: %w", status.ErrParsingFailed)
	}

	// Step 4: erase types.
	if len(basic) < 36 {
		return nil, fmt.Errorf("negotiate: basic table too short for erase types: %w", status.ErrParsingFailed)
	}
	var minSize uint32
	var fourKInst uint8
	var fourKFound bool
	for i := 0; i < 4; i++ {
		exp := basic[28+2*i]
		inst := basic[28+2*i+1]
		et := EraseType{}
		if exp > 1 {
			et.Size = 1 << exp
			et.Inst = inst
		}
		p.EraseTypes[i] = et
		if !et.Valid() {
			continue
		}
		p.DefaultEraseBitmap |= 1 << i
		if minSize == 0 || et.Size < minSize {
			minSize = et.Size
		}
		if et.Size == 4096 {
			fourKInst = et.Inst
			fourKFound = true
		}
	}
	p.MinCommonEraseSize = minSize

	legacy4K := basic[1]
	switch {
	case fourKFound:
		if legacy4K != 0xFF && legacy4K != fourKInst {
			status.Warnf(log, "negotiate: legacy 4KiB erase opcode %#02x does not match erase-type opcode %#02x, using the erase-type opcode", legacy4K, fourKInst)
		}
		p.DefaultEraseInst = fourKInst
	case legacy4K != 0xFF:
		p.DefaultEraseInst = legacy4K
	}

	// Step 5: best read mode.
	p.Read = bestReadMode(basic)

	// Step 6: quad enable procedure.
	p.QuadEnable = decodeQuadEnable(basic, log)

	// Step 7: QPI enable.
	p.QPIEnable = decodeQPIEnable(basic, log)

	// Step 8: 4-byte addressing.
	p.FourByteAddr = decodeFourByteAddr(basic)

	return p, nil
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// dummyAndMode decodes a byte packing mode_cycles (upper 3 bits) and
// dummy_cycles (lower 5 bits) into their sum, the figure
// transport.Format.DummyAndMode expects.
func dummyAndMode(b byte) uint8 {
	mode := (b >> 5) & 0x07
	dummy := b & 0x1F
	return mode + dummy
}

func bestReadMode(basic []byte) ReadMode {
	fallback := ReadMode{Inst: 0x03, InstWidth: transport.Width1, AddrWidth: transport.Width1, DataWidth: transport.Width1}

	if len(basic) <= 27 {
		return fallback
	}

	// 4-4-4 is terminal: a clean implementation does not fall through to
	// weaker modes after matching it (§9 open question, resolved).
	if len(basic) > 16 && basic[16]&(1<<4) != 0 {
		return ReadMode{
			Inst:         basic[27],
			InstWidth:    transport.Width4,
			AddrWidth:    transport.Width4,
			DataWidth:    transport.Width4,
			DummyAndMode: dummyAndMode(basic[26]),
		}
	}
	if basic[2]&(1<<5) != 0 { // 1-4-4
		return ReadMode{Inst: basic[9], InstWidth: transport.Width1, AddrWidth: transport.Width4, DataWidth: transport.Width4, DummyAndMode: dummyAndMode(basic[8])}
	}
	if basic[2]&(1<<6) != 0 { // 1-1-4
		return ReadMode{Inst: basic[11], InstWidth: transport.Width1, AddrWidth: transport.Width1, DataWidth: transport.Width4, DummyAndMode: dummyAndMode(basic[10])}
	}
	if len(basic) > 16 && basic[16]&(1<<0) != 0 { // 2-2-2
		return ReadMode{Inst: basic[23], InstWidth: transport.Width2, AddrWidth: transport.Width2, DataWidth: transport.Width2, DummyAndMode: dummyAndMode(basic[22])}
	}
	if basic[2]&(1<<4) != 0 { // 1-2-2
		return ReadMode{Inst: basic[15], InstWidth: transport.Width1, AddrWidth: transport.Width2, DataWidth: transport.Width2, DummyAndMode: dummyAndMode(basic[14])}
	}
	if basic[2]&(1<<0) != 0 { // 1-1-2
		return ReadMode{Inst: basic[13], InstWidth: transport.Width1, AddrWidth: transport.Width1, DataWidth: transport.Width2, DummyAndMode: dummyAndMode(basic[12])}
	}
	return fallback
}

func decodeQuadEnable(basic []byte, log status.LogFunc) QuadEnable {
	if len(basic) <= 58 {
		return QuadEnable{}
	}
	code := (basic[58] >> 4) & 0x7
	switch code {
	case 0:
		return QuadEnable{}
	case 1, 4, 5:
		return QuadEnable{Needed: true, Reg: 2, Bit: 1}
	case 2:
		return QuadEnable{Needed: true, Reg: 1, Bit: 6}
	case 3:
		w, r := uint8(0x3E), uint8(0x3F)
		return QuadEnable{Needed: true, Reg: 1, Bit: 7, WriteInst: &w, ReadInst: &r}
	default:
		status.Warnf(log, "negotiate: unrecognized quad-enable code %d", code)
		return QuadEnable{}
	}
}

// decodeQPIEnable decodes the 5-bit QPI-enable-sequence code. The exact
// bit packing of the underlying "Enable Sequences to Enter 4-4-4 Mode"
// field is only loosely specified; this takes the low nibble of byte 56
// as bits 0-3 of the code and bit 4 of byte 57 as bit 4, and treats each
// bit as independently selecting one enable method, lowest bit first.
// See DESIGN.md for the reasoning.
func decodeQPIEnable(basic []byte, log status.LogFunc) QPIEnable {
	if len(basic) <= 57 {
		return QPIEnable{}
	}
	code := (basic[56] & 0x0F) | ((basic[57] >> 4) & 0x01 << 4)
	switch {
	case code&0x01 != 0:
		return QPIEnable{Needed: true, Method: QPIInst38}
	case code&0x02 != 0:
		return QPIEnable{Needed: true, Method: QPIInst35}
	case code&0x04 != 0:
		return QPIEnable{Needed: true, Method: QPIConfigRegRMW, ConfigRegBit: 6}
	case code&0x08 != 0:
		return QPIEnable{Needed: true, Method: QPIConfigRegRMW, ConfigRegBit: 7}
	default:
		status.Warnf(log, "negotiate: unrecognized QPI-enable code %#02x", code)
		return QPIEnable{}
	}
}

func decodeFourByteAddr(basic []byte) FourByteAddr {
	if len(basic) <= 63 {
		return FourByteAddr{AddressSize: 3}
	}
	b := basic[63]
	switch {
	case b&(1<<6) != 0:
		return FourByteAddr{Method: FourByteAlways, AddressSize: 4}
	case b&(1<<0) != 0:
		return FourByteAddr{Method: FourByteInst, AddressSize: 4}
	case b&(1<<1) != 0:
		return FourByteAddr{Method: FourByteInstWithWREN, AddressSize: 4}
	case b&(1<<4) != 0:
		return FourByteAddr{Method: FourByteConfigReg, AddressSize: 4}
	case b&(1<<3) != 0:
		return FourByteAddr{Method: FourByteBankReg, AddressSize: 4}
	case b&(1<<2) != 0:
		inst := uint8(0xC5)
		return FourByteAddr{Method: FourByteExtAddrReg, AddressSize: 3, ExtAddrRegWriteInst: &inst}
	default:
		return FourByteAddr{Method: FourByteNone, AddressSize: 3}
	}
}
