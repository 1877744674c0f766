package sfdp

import (
	"errors"
	"testing"

	"github.com/kflash/qspinor/qspitest"
	"github.com/kflash/qspinor/status"
	"github.com/kflash/qspinor/transport"
)

func TestReadBasicTableOnly(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024})
	mock := transport.NewMock(1024)
	mock.SFDP = qspitest.BuildSFDP(basic, nil)

	table, err := Read(mock)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(table.Basic) != 64 {
		t.Errorf("len(Basic) = %d, want 64", len(table.Basic))
	}
	if table.SectorMap != nil {
		t.Errorf("SectorMap = %v, want nil", table.SectorMap)
	}
	if mock.Format != transport.Default {
		t.Errorf("transport left in %+v, want Default restored", mock.Format)
	}
}

func TestReadWithSectorMap(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024})
	sectorMap := []byte{0x03, 0x00, 0x00, 0x00}
	mock := transport.NewMock(1024)
	mock.SFDP = qspitest.BuildSFDP(basic, sectorMap)

	table, err := Read(mock)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(table.SectorMap) != 4 {
		t.Errorf("len(SectorMap) = %d, want 4", len(table.SectorMap))
	}
}

func TestReadBadSignature(t *testing.T) {
	mock := transport.NewMock(1024)
	mock.SFDP = make([]byte, 64)
	copy(mock.SFDP, "XXXX")

	_, err := Read(mock)
	if !errors.Is(err, status.ErrParsingFailed) {
		t.Fatalf("Read: err = %v, want ErrParsingFailed", err)
	}
}

func TestReadClampsBasicTableTo64Bytes(t *testing.T) {
	// A part advertising a 20-DWORD (80-byte) Basic table; only the first
	// 16 DWORDs (64 bytes) are read.
	basic := make([]byte, 80)
	copy(basic, qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024}))
	mock := transport.NewMock(1024)

	numHeaders := 1
	basicAddr := uint32(8 + numHeaders*8)
	hdr := make([]byte, basicAddr)
	copy(hdr[0:4], "SFDP")
	hdr[5] = 1
	hdr[6] = 0
	hdr[8+0] = 0x00
	hdr[8+2] = 1
	hdr[8+3] = 20 // 20 dwords = 80 bytes, should clamp to 64
	hdr[8+4] = byte(basicAddr)
	hdr[8+7] = 0xFF
	mock.SFDP = append(hdr, basic...)

	table, err := Read(mock)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(table.Basic) != MaxBasicBytes {
		t.Errorf("len(Basic) = %d, want %d", len(table.Basic), MaxBasicBytes)
	}
}

func TestReadMissingBasicTableFails(t *testing.T) {
	mock := transport.NewMock(1024)
	hdr := make([]byte, 8)
	copy(hdr[0:4], "SFDP")
	hdr[5] = 1
	hdr[6] = 0xFF // NumberOfParameterHeaders is a uint8; header count will be huge but we keep SFDP short so reads past it come back zero and never match the Basic kind
	mock.SFDP = hdr

	_, err := Read(mock)
	if !errors.Is(err, status.ErrParsingFailed) {
		t.Fatalf("Read: err = %v, want ErrParsingFailed", err)
	}
}
