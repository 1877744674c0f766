// Package sfdp implements component C: it reads the discovery table
// (industry name SFDP, Serial Flash Discoverable Parameters) from a part
// and hands back the raw bytes of its Basic Parameters and, if present,
// Sector Map sub-tables for the negotiate and qspiflash packages to
// decode.
//
// Grounded directly on rjoleary-u-root's pkg/spi/sfdp/sfdp.go
// (SFDPHeader/SFDPParameterHeader/ParseSFDP), adapted to read through a
// transport.Transport instead of a ReaderAt, and to the basic spec's
// exact byte layout (64-byte Basic-table clamp, fixed discovery read
// profile).
package sfdp

import (
	"fmt"

	"github.com/kflash/qspinor/status"
	"github.com/kflash/qspinor/transport"
)

const (
	// discoveryInst is the dedicated "read discovery table" instruction,
	// issued on a 1-1-1 bus with 8 dummy cycles and a 3-byte address
	// regardless of the part's negotiated mode.
	discoveryInst = 0x5A

	basicKindLSB = 0x00
	basicKindMSB = 0xFF

	sectorMapKindLSB = 0x81
	sectorMapKindMSB = 0xFF

	// MaxBasicBytes clamps the Basic Parameters sub-table to 16 DWORDs.
	MaxBasicBytes = 64
)

// discoveryFormat is fixed by the SFDP standard, independent of whatever
// mode the part was last negotiated into.
var discoveryFormat = transport.Format{
	InstWidth:    transport.Width1,
	AddrWidth:    transport.Width1,
	AddrSize:     3,
	AltWidth:     transport.Width1,
	AltSize:      8,
	DataWidth:    transport.Width1,
	DummyAndMode: 8,
}

// Table holds the raw sub-table bytes decoded from a part's discovery
// address space.
type Table struct {
	// Basic is the mandatory Basic Parameters sub-table, clamped to
	// MaxBasicBytes.
	Basic []byte
	// SectorMap is the optional Sector Map sub-table, nil if the part
	// did not advertise one.
	SectorMap []byte
}

// Read fetches and decodes the discovery table's header and parameter
// headers, then fetches the Basic Parameters (mandatory) and Sector Map
// (optional) sub-tables they point to. It leaves the transport's Format
// restored to transport.Default on every exit path.
func Read(t transport.Transport) (*Table, error) {
	if err := t.ConfigureFormat(discoveryFormat); err != nil {
		return nil, fmt.Errorf("sfdp: configure discovery format: %w", status.ErrDeviceError)
	}
	defer t.ConfigureFormat(transport.Default)

	header := make([]byte, 8)
	if err := t.Read(discoveryInst, 0, header); err != nil {
		return nil, fmt.Errorf("sfdp: read header: %w", status.ErrDeviceError)
	}
	if string(header[0:4]) != "SFDP" {
		return nil, fmt.Errorf("sfdp: bad signature %q: %w", header[0:4], status.ErrParsingFailed)
	}
	if header[5] != 1 {
		return nil, fmt.Errorf("sfdp: unsupported major version %d: %w", header[5], status.ErrParsingFailed)
	}
	numHeaders := int(header[6]) + 1

	out := &Table{}
	for i := 0; i < numHeaders; i++ {
		off := uint32(8 + i*8)
		ph := make([]byte, 8)
		if err := t.Read(discoveryInst, off, ph); err != nil {
			return nil, fmt.Errorf("sfdp: read parameter header %d: %w", i, status.ErrDeviceError)
		}

		idLSB := ph[0]
		major := ph[2]
		lengthWords := ph[3]
		addr := uint32(ph[4]) | uint32(ph[5])<<8 | uint32(ph[6])<<16
		idMSB := ph[7]

		switch {
		case idLSB == basicKindLSB && idMSB == basicKindMSB:
			if major != 1 {
				return nil, fmt.Errorf("sfdp: basic table major version %d: %w", major, status.ErrParsingFailed)
			}
			n := int(lengthWords) * 4
			if n > MaxBasicBytes {
				n = MaxBasicBytes
			}
			buf := make([]byte, n)
			if err := t.Read(discoveryInst, addr, buf); err != nil {
				return nil, fmt.Errorf("sfdp: read basic table: %w", status.ErrDeviceError)
			}
			out.Basic = buf

		case idLSB == sectorMapKindLSB && idMSB == sectorMapKindMSB:
			if major != 1 {
				return nil, fmt.Errorf("sfdp: sector map major version %d: %w", major, status.ErrParsingFailed)
			}
			buf := make([]byte, int(lengthWords)*4)
			if err := t.Read(discoveryInst, addr, buf); err != nil {
				return nil, fmt.Errorf("sfdp: read sector map: %w", status.ErrDeviceError)
			}
			out.SectorMap = buf

		default:
			// Unknown sub-table kind; ignore per the basic spec.
		}
	}

	if out.Basic == nil {
		return nil, fmt.Errorf("sfdp: no basic parameters table found: %w", status.ErrParsingFailed)
	}
	return out, nil
}
