// Package qspitest builds canned discovery tables for the rest of the
// module's tests: a Basic Parameters sub-table from an explicit set of
// fields mirroring the byte layout package negotiate decodes, and a full
// discovery address space image (header + parameter headers + sub-tables)
// for sfdp and qspiflash tests to feed through a transport.Mock.
package qspitest

import "encoding/binary"

// EraseTypeParam is one erase-type slot: exponent and opcode, as stored
// raw in the Basic Parameters table.
type EraseTypeParam struct {
	Exp  uint8
	Inst uint8
}

// BasicTableParams configures a canned Basic Parameters sub-table.
type BasicTableParams struct {
	DensityBits  uint32 // actual density in bits (not bits-1)
	PageSizeExp  uint8  // upper nibble of byte 40; 0 defaults to 8 (256 bytes)
	Legacy4KInst uint8  // byte 1; 0 means "none" (encoded as 0xFF)

	EraseTypes [4]EraseTypeParam

	Support144, Support114, Support122, Support112, Support222, Support444 bool
	Inst144, Inst114, Inst122, Inst112, Inst222, Inst444                   uint8
	Dummy144, Dummy114, Dummy122, Dummy112, Dummy222, Dummy444             uint8

	QERCode uint8 // 3-bit quad-enable-requirement code
	QPICode uint8 // 5-bit QPI-enable-sequence code

	SoftResetBits    uint8 // byte 61
	FourByteAddrBits uint8 // byte 63
}

// BasicTable renders p into a 64-byte Basic Parameters sub-table.
func BasicTable(p BasicTableParams) []byte {
	b := make([]byte, 64)

	b[1] = p.Legacy4KInst
	if p.Legacy4KInst == 0 {
		b[1] = 0xFF
	}

	if p.Support144 {
		b[2] |= 1 << 5
	}
	if p.Support114 {
		b[2] |= 1 << 6
	}
	if p.Support122 {
		b[2] |= 1 << 4
	}
	if p.Support112 {
		b[2] |= 1 << 0
	}

	binary.LittleEndian.PutUint32(b[4:], p.DensityBits-1)

	b[8], b[9] = p.Dummy144, p.Inst144
	b[10], b[11] = p.Dummy114, p.Inst114
	b[12], b[13] = p.Dummy112, p.Inst112
	b[14], b[15] = p.Dummy122, p.Inst122

	if p.Support222 {
		b[16] |= 1 << 0
	}
	if p.Support444 {
		b[16] |= 1 << 4
	}
	b[22], b[23] = p.Dummy222, p.Inst222
	b[26], b[27] = p.Dummy444, p.Inst444

	for i := 0; i < 4; i++ {
		b[28+2*i] = p.EraseTypes[i].Exp
		b[28+2*i+1] = p.EraseTypes[i].Inst
	}

	pageExp := p.PageSizeExp
	if pageExp == 0 {
		pageExp = 8
	}
	b[40] = pageExp << 4

	b[56] = p.QPICode & 0x0F
	b[57] = ((p.QPICode >> 4) & 0x01) << 4
	b[58] = (p.QERCode & 0x07) << 4

	resetBits := p.SoftResetBits
	if resetBits == 0 {
		resetBits = 1 << 3 // default to 0xF0 support so callers need not set this explicitly
	}
	b[61] = resetBits
	b[63] = p.FourByteAddrBits

	return b
}

// BuildSFDP assembles a full discovery address space image: an 8-byte
// header, one parameter header for the Basic Parameters sub-table, an
// optional second one for the Sector Map sub-table, then the sub-tables
// themselves, laid out the way a real part's discovery address space is.
func BuildSFDP(basic []byte, sectorMap []byte) []byte {
	numHeaders := 1
	if sectorMap != nil {
		numHeaders = 2
	}

	basicAddr := uint32(8 + numHeaders*8)
	total := basicAddr + uint32(len(basic))
	var smAddr uint32
	if sectorMap != nil {
		smAddr = total
		total += uint32(len(sectorMap))
	}

	buf := make([]byte, total)
	copy(buf[0:4], "SFDP")
	buf[5] = 1
	buf[6] = uint8(numHeaders - 1)

	writeParamHeader := func(off int, idLSB uint8, length uint8, addr uint32) {
		buf[off+0] = idLSB
		buf[off+2] = 1
		buf[off+3] = length
		buf[off+4] = byte(addr)
		buf[off+5] = byte(addr >> 8)
		buf[off+6] = byte(addr >> 16)
		buf[off+7] = 0xFF
	}

	writeParamHeader(8, 0x00, uint8(len(basic)/4), basicAddr)
	copy(buf[basicAddr:], basic)

	if sectorMap != nil {
		writeParamHeader(16, 0x81, uint8(len(sectorMap)/4), smAddr)
		copy(buf[smAddr:], sectorMap)
	}

	return buf
}
