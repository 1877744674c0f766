package transport

import "fmt"

// Call records one bus transaction observed by Mock, so tests can assert
// on exactly what the driver sent without a hardware analyzer. Grounded
// on rjoleary-u-root's sfdp.Buffer (a byte-slice standing in for a real
// chip's discovery address space), generalized here into a full
// command/read/write simulator.
type Call struct {
	Kind    string // "command", "read" or "write"
	Inst    uint8
	Addr    uint32
	HasAddr bool
	Tx      []byte
	Rx      int // length of the rx phase, if any
}

// Mock simulates a NOR flash part behind the Transport capability: a
// backing memory array, status/config registers, and a canned discovery
// table. It exists purely as test infrastructure; every qspiflash and
// sfdp test drives the package under test through one of these.
type Mock struct {
	Memory []byte
	SFDP   []byte

	JEDECID [3]byte

	Status1   uint8
	Status2   uint8
	ConfigReg uint8 // written via {0x65 read, 0x71/0x61 write} during QPI enable
	NVConfig  uint8 // written via {0xB5 read, 0xB1 write} during 4-byte-addr enable
	BankReg   uint8 // written via 0x17 during 4-byte-addr enable
	ExtAddr   uint8 // written via 0xC5

	AddrSize4 bool
	QPIMode   bool
	resetArm  bool

	WriteEnabled bool

	// ProgramInst is the opcode Write should treat as a page program.
	ProgramInst uint8
	// ReadInst is the opcode Read should treat as the negotiated fast
	// read, in addition to the fixed discovery-read opcode 0x5A.
	ReadInst uint8
	// EraseInsts maps an erase opcode to the number of bytes it erases.
	EraseInsts map[uint8]uint32

	// BusyCycles, when non-zero, makes the device report WIP (status
	// bit 0) for this many RDSR reads after a program or erase before
	// reporting ready.
	BusyCycles int
	busyLeft   int

	Format Format
	Calls  []Call
}

// NewMock returns a Mock with memory of the given size, filled with the
// flash erase value (0xFF).
func NewMock(size int) *Mock {
	m := &Mock{
		Memory:     make([]byte, size),
		EraseInsts: map[uint8]uint32{},
		Format:     Default,
	}
	for i := range m.Memory {
		m.Memory[i] = 0xFF
	}
	return m
}

func (m *Mock) addr32() uint32 {
	return uint32(m.ExtAddr) << 24
}

func (m *Mock) record(c Call) {
	m.Calls = append(m.Calls, c)
}

func (m *Mock) tickBusy() {
	if m.busyLeft > 0 {
		m.busyLeft--
	}
}

func (m *Mock) Command(inst uint8, addr uint32, hasAddr bool, tx []byte, rx []byte) error {
	m.record(Call{Kind: "command", Inst: inst, Addr: addr, HasAddr: hasAddr, Tx: append([]byte{}, tx...), Rx: len(rx)})

	switch inst {
	case 0x9F: // read JEDEC ID
		copy(rx, m.JEDECID[:])

	case 0x06: // WREN
		m.WriteEnabled = true
		m.Status1 |= 1 << 1
	case 0x04: // WRDI
		m.WriteEnabled = false
		m.Status1 &^= 1 << 1

	case 0x05: // RDSR1
		status := m.Status1
		if m.busyLeft > 0 {
			status |= 1
			m.tickBusy()
		} else {
			status &^= 1
		}
		rx[0] = status

	case 0x35, 0x3F: // RDSR2 (two conventional opcodes)
		if len(rx) > 0 {
			rx[0] = m.Status2
			break
		}
		// Naked 0x35 with no data phase is the Macronix-style QPI-enable.
		m.QPIMode = true

	case 0x01: // WRSR; tx[0]=status1, optional tx[1]=status2
		if len(tx) > 0 {
			m.Status1 = tx[0]
		}
		if len(tx) > 1 {
			m.Status2 = tx[1]
		}

	case 0x3E: // WRSR2 (QER=3)
		if len(tx) > 0 {
			m.Status2 = tx[0]
		}

	case 0x38: // enable QPI
		m.QPIMode = true

	case 0x65: // read configuration register
		rx[0] = m.ConfigReg
	case 0x71, 0x61: // write configuration register
		if len(tx) > 0 {
			m.ConfigReg = tx[0]
		}

	case 0xB7: // enter 4-byte address mode
		m.AddrSize4 = true
	case 0xE9: // exit 4-byte address mode
		m.AddrSize4 = false

	case 0xB5: // read (non-volatile) config register
		rx[0] = m.NVConfig
	case 0xB1: // write (non-volatile) config register
		if len(tx) > 0 {
			m.NVConfig = tx[0]
			m.AddrSize4 = true
		}

	case 0x17: // write bank address register
		if len(tx) > 0 {
			m.BankReg = tx[0]
			m.AddrSize4 = tx[0]&0x80 != 0
		}

	case 0xC5: // write extended address register
		if len(tx) > 0 {
			m.ExtAddr = tx[0]
		}

	case 0x98: // SST global block unprotect
		m.Status1 &^= 0b0111_1100 // clear BP bits, keep WIP/WEL

	case 0x66: // reset enable
		m.resetArm = true
	case 0x99: // reset
		if m.resetArm {
			m.resetArm = false
			m.busyLeft = 0
		}
	case 0xF0: // single-instruction reset
		m.busyLeft = 0

	default:
		if inst == m.ProgramInst {
			return m.doProgram(addr, tx)
		}
		granularity, ok := m.EraseInsts[inst]
		if !ok {
			return fmt.Errorf("mock: unrecognized command opcode %#02x", inst)
		}
		if !m.WriteEnabled {
			return fmt.Errorf("mock: erase issued without write-enable")
		}
		full := m.addr32() | addr
		if int(full)+int(granularity) > len(m.Memory) {
			return fmt.Errorf("mock: erase out of range")
		}
		for i := uint32(0); i < granularity; i++ {
			m.Memory[full+i] = 0xFF
		}
		m.WriteEnabled = false
		m.Status1 &^= 1 << 1
		m.busyLeft = m.BusyCycles
	}
	return nil
}

// doProgram backs both Command (the shape the driver actually uses for
// page program, since it needs an address and a data phase but no
// negotiated bus width) and Write (kept symmetric with Read for whatever
// future caller wants the full-bus-width shape).
func (m *Mock) doProgram(addr uint32, tx []byte) error {
	if !m.WriteEnabled {
		return fmt.Errorf("mock: program issued without write-enable")
	}
	full := m.addr32() | addr
	if int(full)+len(tx) > len(m.Memory) {
		return fmt.Errorf("mock: program out of range")
	}
	copy(m.Memory[full:], tx)
	m.WriteEnabled = false
	m.Status1 &^= 1 << 1
	m.busyLeft = m.BusyCycles
	return nil
}

func (m *Mock) Read(inst uint8, addr uint32, rx []byte) error {
	m.record(Call{Kind: "read", Inst: inst, Addr: addr, HasAddr: true, Rx: len(rx)})

	if inst == 0x5A { // dedicated discovery-table read
		off := int(addr & 0x00FFFFFF)
		if off >= len(m.SFDP) {
			for i := range rx {
				rx[i] = 0
			}
			return nil
		}
		n := copy(rx, m.SFDP[off:])
		for i := n; i < len(rx); i++ {
			rx[i] = 0
		}
		return nil
	}

	if inst != m.ReadInst {
		return fmt.Errorf("mock: unrecognized read opcode %#02x", inst)
	}
	full := m.addr32() | addr
	if int(full)+len(rx) > len(m.Memory) {
		return fmt.Errorf("mock: read out of range")
	}
	copy(rx, m.Memory[full:])
	return nil
}

func (m *Mock) Write(inst uint8, addr uint32, tx []byte) error {
	m.record(Call{Kind: "write", Inst: inst, Addr: addr, HasAddr: true, Tx: append([]byte{}, tx...)})

	if inst != m.ProgramInst {
		return fmt.Errorf("mock: unrecognized write opcode %#02x", inst)
	}
	return m.doProgram(addr, tx)
}

func (m *Mock) ConfigureFormat(f Format) error {
	m.Format = f
	return nil
}

func (m *Mock) SetFrequency(hz uint32) error {
	return nil
}
