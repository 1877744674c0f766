package qspiflash

import (
	"errors"
	"testing"
	"time"

	"github.com/kflash/qspinor/qspitest"
	"github.com/kflash/qspinor/status"
	"github.com/kflash/qspinor/transport"
)

// setup builds a Mock wired from basicParams, runs it through New/Init
// with a zero-delay busy-poll sleep, and returns both so the test can
// inspect mock.Calls.
func setup(t *testing.T, basicParams qspitest.BasicTableParams, configureMock func(*transport.Mock)) (*Device, *transport.Mock) {
	t.Helper()

	basic := qspitest.BasicTable(basicParams)
	mock := transport.NewMock(int(basicParams.DensityBits / 8))
	mock.SFDP = qspitest.BuildSFDP(basic, nil)
	mock.ProgramInst = 0x02
	for _, et := range basicParams.EraseTypes {
		if et.Exp > 1 {
			mock.EraseInsts[et.Inst] = 1 << et.Exp
		}
	}
	if configureMock != nil {
		configureMock(mock)
	}

	d, err := New(Config{ChipSelect: t.Name()}, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.sleep = func(time.Duration) {}
	t.Cleanup(d.Close)

	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d, mock
}

func TestInitHappyPath(t *testing.T) {
	d, _ := setup(t, qspitest.BasicTableParams{
		DensityBits: 8 * 1024 * 1024, // 1 MiB
		EraseTypes:  [4]qspitest.EraseTypeParam{{Exp: 12, Inst: 0x20}},
	}, nil)

	if got, want := d.Size(), uint32(1024*1024); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
	if got, want := d.PageSize(), uint32(256); got != want {
		t.Errorf("PageSize() = %d, want %d", got, want)
	}
}

func TestEraseMisalignedFails(t *testing.T) {
	d, _ := setup(t, qspitest.BasicTableParams{
		DensityBits: 8 * 1024 * 1024,
		EraseTypes:  [4]qspitest.EraseTypeParam{{Exp: 12, Inst: 0x20}},
	}, nil)

	err := d.Erase(0x1001, 4096)
	if !errors.Is(err, status.ErrInvalidEraseParams) {
		t.Fatalf("Erase: err = %v, want ErrInvalidEraseParams", err)
	}
}

func TestEraseMixedSizeDecomposition(t *testing.T) {
	d, mock := setup(t, qspitest.BasicTableParams{
		DensityBits: 8 * 1024 * 1024,
		EraseTypes: [4]qspitest.EraseTypeParam{
			{Exp: 12, Inst: 0x20}, // 4 KiB
			{Exp: 15, Inst: 0x52}, // 32 KiB
			{Exp: 16, Inst: 0xD8}, // 64 KiB
		},
	}, nil)

	if err := d.Erase(0, 102400); err != nil { // 64K + 32K + 4K
		t.Fatalf("Erase: %v", err)
	}

	var erases []transport.Call
	for _, c := range mock.Calls {
		if c.Kind == "command" && (c.Inst == 0x20 || c.Inst == 0x52 || c.Inst == 0xD8) {
			erases = append(erases, c)
		}
	}

	wantInsts := []uint8{0xD8, 0x52, 0x20}
	wantAddrs := []uint32{0, 0x10000, 0x18000}
	if len(erases) != len(wantInsts) {
		t.Fatalf("erase steps = %d, want %d (%+v)", len(erases), len(wantInsts), erases)
	}
	for i, c := range erases {
		if c.Inst != wantInsts[i] || c.Addr != wantAddrs[i] {
			t.Errorf("step %d = {inst %#02x, addr %#x}, want {%#02x, %#x}", i, c.Inst, c.Addr, wantInsts[i], wantAddrs[i])
		}
	}
}

func TestProgramSplitsAtPageBoundary(t *testing.T) {
	d, mock := setup(t, qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024}, nil)

	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := d.Program(0x1F0, buf); err != nil {
		t.Fatalf("Program: %v", err)
	}

	var programs []transport.Call
	for _, c := range mock.Calls {
		if c.Kind == "command" && c.Inst == 0x02 {
			programs = append(programs, c)
		}
	}
	if len(programs) != 2 {
		t.Fatalf("program chunks = %d, want 2 (%+v)", len(programs), programs)
	}
	if programs[0].Addr != 0x1F0 || len(programs[0].Tx) != 0x10 {
		t.Errorf("chunk 0 = {addr %#x, len %d}, want {0x1f0, 16}", programs[0].Addr, len(programs[0].Tx))
	}
	if programs[1].Addr != 0x200 || len(programs[1].Tx) != 0x10 {
		t.Errorf("chunk 1 = {addr %#x, len %d}, want {0x200, 16}", programs[1].Addr, len(programs[1].Tx))
	}

	for i, b := range buf {
		if got := mock.Memory[0x1F0+i]; got != b {
			t.Errorf("Memory[%#x] = %#02x, want %#02x", 0x1F0+i, got, b)
		}
	}
}

func TestProgramUsesExtendedAddressRegister(t *testing.T) {
	d, mock := setup(t, qspitest.BasicTableParams{
		DensityBits:      256 * 1024 * 1024, // 32 MiB
		FourByteAddrBits: 1 << 2,            // extended-address-register method
	}, nil)

	buf := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	addr := uint32(0x01000000)
	if err := d.Program(addr, buf); err != nil {
		t.Fatalf("Program: %v", err)
	}

	var sawExtAddr, sawProgram bool
	var programAddr uint32
	for _, c := range mock.Calls {
		if c.Kind != "command" {
			continue
		}
		if c.Inst == 0xC5 && len(c.Tx) == 1 && c.Tx[0] == 0x01 {
			sawExtAddr = true
		}
		if c.Inst == 0x02 {
			sawProgram = true
			programAddr = c.Addr
		}
	}
	if !sawExtAddr {
		t.Error("expected a 0xC5 extended-address-register write with top byte 0x01")
	}
	if !sawProgram || programAddr != 0 {
		t.Errorf("program command addr = %#x, want 0 (low 24 bits of %#x)", programAddr, addr)
	}
	for i, b := range buf {
		if got := mock.Memory[int(addr)+i]; got != b {
			t.Errorf("Memory[%#x] = %#02x, want %#02x", int(addr)+i, got, b)
		}
	}
}

func TestInitClearsSSTBlockProtectionViaGlobalUnlock(t *testing.T) {
	_, mock := setup(t, qspitest.BasicTableParams{DensityBits: 8 * 1024 * 1024}, func(m *transport.Mock) {
		m.JEDECID[0] = 0xBF // SST manufacturer byte
		m.Status1 = 0b0111_1100 // all BP bits set
	})

	var sawGlobalUnlock, sawStatusRMW bool
	for _, c := range mock.Calls {
		if c.Kind != "command" {
			continue
		}
		if c.Inst == 0x98 {
			sawGlobalUnlock = true
		}
		if c.Inst == 0x01 {
			sawStatusRMW = true
		}
	}
	if !sawGlobalUnlock {
		t.Error("expected a 0x98 global-unprotect command for an SST part")
	}
	if sawStatusRMW {
		t.Error("did not expect a status-register read-modify-write for an SST part")
	}
}
