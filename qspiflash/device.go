// Package qspiflash is the root package: a QSPI/SFDP NOR flash driver that
// auto-discovers a part's capabilities over a Transport, negotiates the
// fastest interoperable bus profile, models its erase geometry, and runs a
// mixed-erase-size I/O engine on top. It plays the role the teacher's
// spiflash package played for a fixed-function device, generalized to
// handle whatever a part's discovery table advertises.
package qspiflash

import (
	"fmt"
	"sync"
	"time"

	"github.com/kflash/qspinor/negotiate"
	"github.com/kflash/qspinor/registry"
	"github.com/kflash/qspinor/sfdp"
	"github.com/kflash/qspinor/status"
	"github.com/kflash/qspinor/transport"
)

const (
	instReadJEDECID      = 0x9F
	instWriteEnable      = 0x06
	instWriteDisable     = 0x04
	instReadStatus1      = 0x05
	instReadStatus2      = 0x35
	instWriteStatus1     = 0x01
	instGlobalUnlock     = 0x98 // SST-style global block-protection unlock
	instEnter4ByteAddr   = 0xB7
	instReadConfigReg    = 0x65
	instWriteConfigReg   = 0x71
	instReadNVConfigReg  = 0xB5
	instWriteNVConfigReg = 0xB1
	instWriteBankReg     = 0x17
	statusBitWIP         = 1 << 0
	statusBitWEL         = 1 << 1
	jedecManufacturerSST = 0xBF

	maxBusyPollIterations = 10000
)

// Config carries everything needed to construct a Device: which chip
// select it lives on (an opaque handle, compared for registry uniqueness
// the way the teacher's scsi layer keyed off a USB device path) and the
// target SPI clock.
type Config struct {
	ChipSelect  any
	FrequencyHz uint32
	Log         status.LogFunc
}

// Device is a single negotiated, initialized flash part. The zero value
// is not usable; construct with New.
type Device struct {
	mu sync.Mutex

	cs        any
	transport transport.Transport
	log       status.LogFunc
	sleep     func(time.Duration)

	closed bool

	initRefCount int
	initialized  bool

	frequencyHz uint32

	readMode     negotiate.ReadMode
	programInst  uint8
	eraseTypes   [4]negotiate.EraseType
	quadEnable   negotiate.QuadEnable
	qpiEnable    negotiate.QPIEnable
	fourByteAddr negotiate.FourByteAddr
	softReset    negotiate.SoftReset

	deviceSize uint32
	pageSize   uint32
	regions    []Region
	minCommon  uint32
}

// New reserves cs in the process-wide registry and returns an
// uninitialized Device bound to t. Call Init before any I/O.
func New(cfg Config, t transport.Transport) (*Device, error) {
	if err := registry.Add(cfg.ChipSelect); err != nil {
		return nil, fmt.Errorf("qspiflash: %w", err)
	}
	d := &Device{
		cs:          cfg.ChipSelect,
		transport:   t,
		log:         cfg.Log,
		sleep:       time.Sleep,
		frequencyHz: cfg.FrequencyHz,
		// Until discovery has run, reset with the common 0x66/0x99 pair.
		softReset: negotiate.SoftReset{Inst1: 0x66, Inst2: 0x99},
	}
	return d, nil
}

// Close releases the device's chip-select reservation. It is idempotent
// and safe to call regardless of initialization state.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	registry.Remove(d.cs)
}

// Init runs the device-state orchestration sequence once per matching
// Deinit call: soft-reset, restore the transport to its default bus
// profile, set the target frequency, wait for the part to be ready,
// read and parse its discovery table, run the capability negotiator,
// parse a Sector Map if one was present, and clear any factory block
// protection. Nested Init calls past the first only bump a reference
// count.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		d.initRefCount++
		return nil
	}

	if err := d.softResetLocked(); err != nil {
		return wrapf(status.ErrDeviceError, "soft reset: %v", err)
	}
	if err := d.transport.ConfigureFormat(transport.Default); err != nil {
		return wrapf(status.ErrDeviceError, "configuring default bus profile: %v", err)
	}
	if d.frequencyHz != 0 {
		if err := d.transport.SetFrequency(d.frequencyHz); err != nil {
			return wrapf(status.ErrDeviceError, "setting frequency: %v", err)
		}
	}
	if err := d.waitReadyLocked(); err != nil {
		return err
	}

	table, err := sfdp.Read(d.transport)
	if err != nil {
		return fmt.Errorf("qspiflash: %w", err)
	}

	profile, err := negotiate.Decode(table.Basic, d.log)
	if err != nil {
		return fmt.Errorf("qspiflash: %w", err)
	}

	d.readMode = profile.Read
	d.programInst = 0x02
	d.eraseTypes = profile.EraseTypes
	d.quadEnable = profile.QuadEnable
	d.qpiEnable = profile.QPIEnable
	d.fourByteAddr = profile.FourByteAddr
	d.softReset = profile.SoftReset
	d.deviceSize = profile.DeviceSizeBytes
	d.pageSize = profile.PageSize

	if table.SectorMap != nil {
		regions, err := parseSectorMap(table.SectorMap)
		if err != nil {
			status.Warnf(d.log, "qspiflash: sector map unusable, falling back to a single region: %v", err)
			d.regions = defaultGeometry(d.deviceSize, profile.DefaultEraseBitmap)
		} else {
			d.regions = regions
		}
	} else {
		d.regions = defaultGeometry(d.deviceSize, profile.DefaultEraseBitmap)
	}
	d.minCommon = minCommonEraseSize(d.eraseTypes, d.regions)

	if err := d.negotiateQuadAndQPILocked(); err != nil {
		return err
	}
	if err := d.enterFourByteModeLocked(); err != nil {
		return err
	}
	if err := d.clearBlockProtectionLocked(); err != nil {
		return err
	}

	d.initialized = true
	d.initRefCount = 1
	return nil
}

// Deinit reverses one Init call. The device's negotiated state is kept
// around (cheap, and harmless) after the reference count reaches zero;
// a subsequent Init re-runs full discovery.
func (d *Device) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return wrapf(status.ErrDeviceError, "deinit called on an uninitialized device")
	}
	d.initRefCount--
	if d.initRefCount <= 0 {
		d.initialized = false
		d.initRefCount = 0
	}
	return nil
}

// Size returns the device's total addressable byte size. Init must have
// run first.
func (d *Device) Size() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceSize
}

// PageSize returns the negotiated program page size.
func (d *Device) PageSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageSize
}

// MinCommonEraseSize returns the size of the smallest erase type every
// region on the device shares, or 0 if no region has anything in common.
func (d *Device) MinCommonEraseSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minCommon
}

// ReadSize returns the smallest unit a Read call may address, matching the
// block-device convention that read granularity is always a single byte.
func (d *Device) ReadSize() uint32 {
	return 1
}

// EraseValue returns the byte value an erased cell reads back as on every
// NOR flash part this package has been grounded against.
func (d *Device) EraseValue() uint8 {
	return 0xFF
}

// Type identifies the block-device driver family, the way a caller
// enumerating several backends would distinguish this one from, say, a
// SPIF or OSPIF driver.
func (d *Device) Type() string {
	return "QSPIF"
}

// EraseSizeAt returns the erase granularity that applies at addr, or 0 if
// addr is out of range.
func (d *Device) EraseSizeAt(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, err := regionOf(d.regions, addr)
	if err != nil {
		return 0
	}
	return eraseSizeInRegion(d.eraseTypes, d.regions[idx].EraseBitmap)
}

func (d *Device) softResetLocked() error {
	if d.softReset.Single {
		return d.transport.Command(d.softReset.Inst1, 0, false, nil, nil)
	}
	if err := d.transport.Command(d.softReset.Inst1, 0, false, nil, nil); err != nil {
		return err
	}
	return d.transport.Command(d.softReset.Inst2, 0, false, nil, nil)
}

func (d *Device) waitReadyLocked() error {
	for i := 0; i < maxBusyPollIterations; i++ {
		status1 := make([]byte, 1)
		if err := d.transport.Command(instReadStatus1, 0, false, nil, status1); err != nil {
			return wrapf(status.ErrDeviceError, "reading status register 1: %v", err)
		}
		if status1[0]&statusBitWIP == 0 {
			return nil
		}
		d.sleep(time.Millisecond)
	}
	return wrapf(status.ErrReadyFailed, "device still busy after %d poll iterations", maxBusyPollIterations)
}

func (d *Device) writeEnableLocked() error {
	if err := d.transport.Command(instWriteEnable, 0, false, nil, nil); err != nil {
		return wrapf(status.ErrWriteEnableFailed, "issuing write-enable: %v", err)
	}
	status1 := make([]byte, 1)
	if err := d.transport.Command(instReadStatus1, 0, false, nil, status1); err != nil {
		return wrapf(status.ErrWriteEnableFailed, "confirming write-enable: %v", err)
	}
	if status1[0]&statusBitWEL == 0 {
		return wrapf(status.ErrWriteEnableFailed, "write-enable latch did not set")
	}
	return nil
}

// negotiateQuadAndQPILocked issues whatever status-register writes or
// dedicated instructions are needed to actually reach the bus mode
// component D decided on, before the device is declared ready for I/O.
func (d *Device) negotiateQuadAndQPILocked() error {
	if d.quadEnable.Needed {
		if err := d.setStatusBitLocked(d.quadEnable.Reg, d.quadEnable.Bit, d.quadEnable.WriteInst, d.quadEnable.ReadInst); err != nil {
			return wrapf(status.ErrDeviceError, "setting quad-enable bit: %v", err)
		}
	}
	if d.qpiEnable.Needed {
		switch d.qpiEnable.Method {
		case negotiate.QPIInst38:
			if err := d.transport.Command(0x38, 0, false, nil, nil); err != nil {
				return wrapf(status.ErrDeviceError, "issuing QPI-enable instruction: %v", err)
			}
		case negotiate.QPIInst35:
			if err := d.transport.Command(0x35, 0, false, nil, nil); err != nil {
				return wrapf(status.ErrDeviceError, "issuing QPI-enable instruction: %v", err)
			}
		case negotiate.QPIConfigRegRMW:
			writeOp := uint8(instWriteConfigReg)
			if d.qpiEnable.ConfigRegBit == 7 {
				writeOp = 0x61
			}
			cfg := make([]byte, 1)
			if err := d.transport.Command(instReadConfigReg, 0, false, nil, cfg); err != nil {
				return wrapf(status.ErrDeviceError, "reading configuration register: %v", err)
			}
			if err := d.writeEnableLocked(); err != nil {
				return err
			}
			if err := d.transport.Command(writeOp, 0, false, []byte{cfg[0] | 1<<d.qpiEnable.ConfigRegBit}, nil); err != nil {
				return wrapf(status.ErrDeviceError, "setting QPI-enable configuration bit: %v", err)
			}
		}
	}
	return nil
}

// enterFourByteModeLocked runs whatever one-time sequence switches the
// part from 3-byte to device-wide 4-byte addressing. FourByteExtAddrReg
// and FourByteNone need nothing here: the former stays in 3-byte mode and
// pays the extended-address-register cost per transaction instead (see
// extAddrPreambleLocked), the latter never needed 4-byte addressing at
// all. The config-register and bank-register bit positions used below
// are not standardized by the discovery table; see DESIGN.md.
func (d *Device) enterFourByteModeLocked() error {
	switch d.fourByteAddr.Method {
	case negotiate.FourByteInst:
		if err := d.transport.Command(instEnter4ByteAddr, 0, false, nil, nil); err != nil {
			return wrapf(status.ErrDeviceError, "entering 4-byte address mode: %v", err)
		}
	case negotiate.FourByteInstWithWREN:
		if err := d.writeEnableLocked(); err != nil {
			return err
		}
		if err := d.transport.Command(instEnter4ByteAddr, 0, false, nil, nil); err != nil {
			return wrapf(status.ErrDeviceError, "entering 4-byte address mode: %v", err)
		}
	case negotiate.FourByteConfigReg:
		cfg := make([]byte, 1)
		if err := d.transport.Command(instReadNVConfigReg, 0, false, nil, cfg); err != nil {
			return wrapf(status.ErrDeviceError, "reading configuration register: %v", err)
		}
		if err := d.writeEnableLocked(); err != nil {
			return err
		}
		if err := d.transport.Command(instWriteNVConfigReg, 0, false, []byte{cfg[0] | 1}, nil); err != nil {
			return wrapf(status.ErrDeviceError, "setting 4-byte address mode bit in configuration register: %v", err)
		}
	case negotiate.FourByteBankReg:
		if err := d.writeEnableLocked(); err != nil {
			return err
		}
		if err := d.transport.Command(instWriteBankReg, 0, false, []byte{0x80}, nil); err != nil {
			return wrapf(status.ErrDeviceError, "setting 4-byte address mode bit in bank register: %v", err)
		}
	}
	return nil
}

// setStatusBitLocked sets one bit of status register 1 or 2 via a
// read-modify-write, unless dedicated write/read instructions were given
// (QER code 3's 0x3E/0x3F pair).
func (d *Device) setStatusBitLocked(reg int, bit uint8, writeInst, readInst *uint8) error {
	readOp := uint8(instReadStatus1)
	if reg == 2 {
		readOp = instReadStatus2
	}
	if readInst != nil {
		readOp = *readInst
	}
	cur := make([]byte, 1)
	if err := d.transport.Command(readOp, 0, false, nil, cur); err != nil {
		return err
	}
	if cur[0]&(1<<bit) != 0 {
		return nil
	}
	if err := d.writeEnableLocked(); err != nil {
		return err
	}
	newVal := cur[0] | (1 << bit)

	var writeErr error
	switch {
	case writeInst != nil:
		writeErr = d.transport.Command(*writeInst, 0, false, []byte{newVal}, nil)
	case reg == 1:
		status2 := make([]byte, 1)
		if err := d.transport.Command(instReadStatus2, 0, false, nil, status2); err != nil {
			return err
		}
		writeErr = d.transport.Command(instWriteStatus1, 0, false, []byte{newVal, status2[0]}, nil)
	default:
		status1 := make([]byte, 1)
		if err := d.transport.Command(instReadStatus1, 0, false, nil, status1); err != nil {
			return err
		}
		writeErr = d.transport.Command(instWriteStatus1, 0, false, []byte{status1[0], newVal}, nil)
	}
	if writeErr != nil {
		return writeErr
	}

	if err := d.waitReadyLocked(); err != nil {
		return err
	}
	verify := make([]byte, 1)
	if err := d.transport.Command(readOp, 0, false, nil, verify); err != nil {
		return err
	}
	if verify[0]&(1<<bit) == 0 {
		return wrapf(status.ErrDeviceError, "status register bit %d did not take effect after write", bit)
	}
	return nil
}

// clearBlockProtectionLocked implements the factory block-protection
// quirk: SST parts (JEDEC manufacturer byte 0xBF) need a dedicated global
// unprotect instruction; everything else gets status register 1 masked
// down to WIP/WEL and written back, clearing any BP bits.
func (d *Device) clearBlockProtectionLocked() error {
	id := make([]byte, 3)
	if err := d.transport.Command(instReadJEDECID, 0, false, nil, id); err != nil {
		return wrapf(status.ErrDeviceError, "reading JEDEC ID: %v", err)
	}

	if id[0] == jedecManufacturerSST {
		if err := d.writeEnableLocked(); err != nil {
			return err
		}
		return d.transport.Command(instGlobalUnlock, 0, false, nil, nil)
	}

	status1 := make([]byte, 1)
	if err := d.transport.Command(instReadStatus1, 0, false, nil, status1); err != nil {
		return wrapf(status.ErrDeviceError, "reading status register 1: %v", err)
	}
	status2 := make([]byte, 1)
	if err := d.transport.Command(instReadStatus2, 0, false, nil, status2); err != nil {
		return wrapf(status.ErrDeviceError, "reading status register 2: %v", err)
	}

	masked := status1[0] & (statusBitWIP | statusBitWEL)
	if masked == status1[0] {
		return nil
	}
	if err := d.writeEnableLocked(); err != nil {
		return err
	}
	return d.transport.Command(instWriteStatus1, 0, false, []byte{masked, status2[0]}, nil)
}
