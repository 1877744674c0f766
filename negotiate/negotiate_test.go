package negotiate

import (
	"strings"
	"testing"

	"github.com/kflash/qspinor/qspitest"
	"github.com/kflash/qspinor/transport"
)

func TestDecodeHappyPath(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{
		DensityBits: 128 * 1024 * 1024, // 16 MiB part
		EraseTypes: [4]qspitest.EraseTypeParam{
			{Exp: 12, Inst: 0x20}, // 4 KiB
		},
		Support114: true,
		Inst114:    0x6B,
		Dummy114:   8, // dummy=8, mode=0
		QERCode:    1,
	})

	p, err := Decode(basic, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if want := uint32(16 * 1024 * 1024); p.DeviceSizeBytes != want {
		t.Errorf("DeviceSizeBytes = %d, want %d", p.DeviceSizeBytes, want)
	}
	if p.Read.Inst != 0x6B || p.Read.DataWidth != transport.Width4 || p.Read.AddrWidth != transport.Width1 {
		t.Errorf("Read = %+v, want 1-1-4 @ 0x6B", p.Read)
	}
	if p.Read.DummyAndMode != 8 {
		t.Errorf("DummyAndMode = %d, want 8", p.Read.DummyAndMode)
	}
	if p.DefaultEraseInst != 0x20 {
		t.Errorf("DefaultEraseInst = %#02x, want 0x20", p.DefaultEraseInst)
	}
	if p.MinCommonEraseSize != 4096 {
		t.Errorf("MinCommonEraseSize = %d, want 4096", p.MinCommonEraseSize)
	}
	if !p.QuadEnable.Needed || p.QuadEnable.Reg != 2 || p.QuadEnable.Bit != 1 {
		t.Errorf("QuadEnable = %+v, want reg2 bit1", p.QuadEnable)
	}
	if p.QuadEnable.WriteInst != nil {
		t.Errorf("QuadEnable.WriteInst = %v, want nil for QER code 1", p.QuadEnable.WriteInst)
	}
}

func TestDecode444Terminal(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{
		DensityBits: 32 * 1024 * 1024,
		Support114:  true,
		Inst114:     0x6B,
		Support444:  true,
		Inst444:     0x0B,
		Dummy444:    4,
	})

	p, err := Decode(basic, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Read.Inst != 0x0B {
		t.Errorf("Read.Inst = %#02x, want 0x0B (4-4-4 must win over 1-1-4)", p.Read.Inst)
	}
	if p.Read.InstWidth != transport.Width4 {
		t.Errorf("Read.InstWidth = %d, want 4 (instruction width must follow 4-4-4, not stay single)", p.Read.InstWidth)
	}
}

func TestDecodeFallbackReadMode(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024})

	p, err := Decode(basic, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Read.Inst != 0x03 || p.Read.DummyAndMode != 0 {
		t.Errorf("Read = %+v, want fallback 0x03/0 dummy", p.Read)
	}
}

func TestDecodeDensityTooLarge(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024})
	basic[7] |= 0x80 // set bit 31 of the density dword

	if _, err := Decode(basic, nil); err == nil {
		t.Fatal("Decode: want error for density > 4Gbit")
	}
}

func TestDecodeLegacyEraseMismatchWarns(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{
		DensityBits:  8 * 1024 * 1024,
		Legacy4KInst: 0xD7,
		EraseTypes:   [4]qspitest.EraseTypeParam{{Exp: 12, Inst: 0x20}},
	})

	var warned bool
	log := func(format string, args ...any) {
		if strings.Contains(format, "legacy") {
			warned = true
		}
	}

	p, err := Decode(basic, log)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !warned {
		t.Error("expected a warning about the legacy/erase-type opcode mismatch")
	}
	if p.DefaultEraseInst != 0x20 {
		t.Errorf("DefaultEraseInst = %#02x, want the erase-type opcode 0x20 to win", p.DefaultEraseInst)
	}
}

func TestDecodeQER3UsesDedicatedOpcodes(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024, QERCode: 3})

	p, err := Decode(basic, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.QuadEnable.WriteInst == nil || *p.QuadEnable.WriteInst != 0x3E {
		t.Errorf("QuadEnable.WriteInst = %v, want 0x3E", p.QuadEnable.WriteInst)
	}
	if p.QuadEnable.ReadInst == nil || *p.QuadEnable.ReadInst != 0x3F {
		t.Errorf("QuadEnable.ReadInst = %v, want 0x3F", p.QuadEnable.ReadInst)
	}
	if p.QuadEnable.Reg != 1 || p.QuadEnable.Bit != 7 {
		t.Errorf("QuadEnable = %+v, want reg1 bit7", p.QuadEnable)
	}
}

func TestDecodeFourByteAddrExtAddrReg(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 256 * 1024 * 1024, FourByteAddrBits: 1 << 2})

	p, err := Decode(basic, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.FourByteAddr.Method != FourByteExtAddrReg {
		t.Errorf("FourByteAddr.Method = %v, want FourByteExtAddrReg", p.FourByteAddr.Method)
	}
	if p.FourByteAddr.AddressSize != 3 {
		t.Errorf("AddressSize = %d, want 3 (stays 3 with an extended register)", p.FourByteAddr.AddressSize)
	}
	if p.FourByteAddr.ExtAddrRegWriteInst == nil || *p.FourByteAddr.ExtAddrRegWriteInst != 0xC5 {
		t.Errorf("ExtAddrRegWriteInst = %v, want 0xC5", p.FourByteAddr.ExtAddrRegWriteInst)
	}
}

func TestDecodeSoftResetMissingFails(t *testing.T) {
	basic := qspitest.BasicTable(qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024})
	basic[61] = 0

	if _, err := Decode(basic, nil); err == nil {
		t.Fatal("Decode: want error when no soft reset protocol is supported")
	}
}
