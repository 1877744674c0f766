package qspiflash

import (
	"fmt"

	"github.com/kflash/qspinor/negotiate"
	"github.com/kflash/qspinor/status"
)

// Region is a contiguous address range sharing one erase-type palette
// (component F). High is the exclusive upper boundary of the region;
// regions are contiguous starting at 0.
type Region struct {
	Size        uint32
	High        uint32
	EraseBitmap uint8
}

const maxRegions = 4

// defaultGeometry builds the single-region geometry used when a part has
// no Sector Map sub-table: one region spanning the whole device, with the
// erase-type palette decided by the negotiator.
func defaultGeometry(deviceSize uint32, bitmap uint8) []Region {
	return []Region{{Size: deviceSize, High: deviceSize, EraseBitmap: bitmap}}
}

// parseSectorMap decodes the Sector Map sub-table per the basic spec:
// only single-map-descriptor tables are supported. The first DWORD is a
// descriptor header (valid iff its low two bits equal 3 and its second
// byte is 0); each subsequent DWORD is one region descriptor, low nibble
// an erase-type bitmap, bits 9..31 encoding (size/256)-1.
func parseSectorMap(raw []byte) ([]Region, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("qspiflash: sector map too short: %w", status.ErrParsingFailed)
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
	}

	header := words[0]
	if header&0x3 != 3 || (header>>8)&0xFF != 0 {
		return nil, fmt.Errorf("qspiflash: unsupported sector map form: %w", status.ErrParsingFailed)
	}

	var regions []Region
	var offset uint32
	for _, w := range words[1:] {
		if len(regions) >= maxRegions {
			break
		}
		bitmap := uint8(w & 0xF)
		size := ((w >> 9) + 1) * 256
		offset += size
		regions = append(regions, Region{Size: size, High: offset, EraseBitmap: bitmap})
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("qspiflash: sector map has no region descriptors: %w", status.ErrParsingFailed)
	}
	return regions, nil
}

// regionOf returns the index of the region containing addr.
func regionOf(regions []Region, addr uint32) (int, error) {
	var low uint32
	for i, r := range regions {
		if addr >= low && addr < r.High {
			return i, nil
		}
		low = r.High
	}
	return -1, fmt.Errorf("qspiflash: address %#x not found in any region: %w", addr, status.ErrDeviceError)
}

// eraseSizeInRegion returns the smallest granularity advertised in the
// region's erase-type bitmap (erase type index is, by SFDP convention,
// ordered smallest to largest), consulting the full erase-type table
// decided by the negotiator. 0 means the region supports no erase.
func eraseSizeInRegion(eraseTypes [4]negotiate.EraseType, bitmap uint8) uint32 {
	for i := 0; i < 4; i++ {
		if bitmap&(1<<i) != 0 {
			return eraseTypes[i].Size
		}
	}
	return 0
}

// minCommonEraseSize is the size of the lowest-indexed erase type whose
// bit is set in the AND of every region's bitmap (0 if that intersection
// is empty).
func minCommonEraseSize(eraseTypes [4]negotiate.EraseType, regions []Region) uint32 {
	common := uint8(0xF)
	for _, r := range regions {
		common &= r.EraseBitmap
	}
	return eraseSizeInRegion(eraseTypes, common)
}

// chooseEraseStep picks the largest erase type that (a) is advertised in
// the region's bitmap, (b) fits within maxSize (the lesser of the
// remaining span and the distance to the region's high boundary), and
// (c) divides addr — issuing a larger-than-fits-the-alignment erase at
// addr would erase data before addr that wasn't requested. Erase types
// are tried from index 3 down to 0, the SFDP convention for
// largest-to-smallest.
func chooseEraseStep(eraseTypes [4]negotiate.EraseType, bitmap uint8, addr uint32, maxSize uint32) (negotiate.EraseType, bool) {
	for i := 3; i >= 0; i-- {
		if bitmap&(1<<i) == 0 {
			continue
		}
		et := eraseTypes[i]
		if !et.Valid() {
			continue
		}
		if et.Size <= maxSize && addr%et.Size == 0 {
			return et, true
		}
	}
	return negotiate.EraseType{}, false
}
