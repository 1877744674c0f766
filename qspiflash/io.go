package qspiflash

import (
	"github.com/kflash/qspinor/status"
	"github.com/kflash/qspinor/transport"
)

const instByte4Mask = 0x00FFFFFF

// extAddrPreambleLocked is run before every transaction that carries an
// address: if the part needs an extended-address register to reach
// beyond 3-byte addressing, write it from addr's top byte and return the
// low 24 bits to send on the wire; otherwise addr is used as-is, unless
// it needs a 4th byte the part's negotiated address size can't carry.
func (d *Device) extAddrPreambleLocked(addr uint32) (uint32, error) {
	if d.fourByteAddr.ExtAddrRegWriteInst != nil {
		if err := d.writeEnableLocked(); err != nil {
			return 0, err
		}
		top := byte(addr >> 24)
		if err := d.transport.Command(*d.fourByteAddr.ExtAddrRegWriteInst, 0, false, []byte{top}, nil); err != nil {
			return 0, wrapf(status.ErrDeviceError, "writing extended address register: %v", err)
		}
		return addr & instByte4Mask, nil
	}
	if d.fourByteAddr.AddressSize == 3 && addr >= 1<<24 {
		return 0, wrapf(status.ErrDeviceError, "address %#x needs 4-byte addressing, part negotiated 3", addr)
	}
	return addr, nil
}

// Read fills buf from addr using the negotiated read bus profile,
// restoring the transport to its default profile afterward. It performs
// no busy-wait: a read is never issued while the part is mid-erase or
// mid-program because every other operation on this Device holds the
// same mutex.
func (d *Device) Read(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return wrapf(status.ErrDeviceError, "read on an uninitialized device")
	}
	if uint64(addr)+uint64(len(buf)) > uint64(d.deviceSize) {
		return wrapf(status.ErrDeviceError, "read [%#x, %#x) exceeds device size %#x", addr, addr+uint32(len(buf)), d.deviceSize)
	}
	if len(buf) == 0 {
		return nil
	}

	wireAddr, err := d.extAddrPreambleLocked(addr)
	if err != nil {
		return err
	}

	f := transport.Format{
		InstWidth:    d.readMode.InstWidth,
		AddrWidth:    d.readMode.AddrWidth,
		AddrSize:     d.fourByteAddr.AddressSize,
		DataWidth:    d.readMode.DataWidth,
		DummyAndMode: d.readMode.DummyAndMode,
	}
	if err := d.transport.ConfigureFormat(f); err != nil {
		return wrapf(status.ErrDeviceError, "configuring read bus profile: %v", err)
	}
	defer d.transport.ConfigureFormat(transport.Default)

	if err := d.transport.Read(d.readMode.Inst, wireAddr, buf); err != nil {
		return wrapf(status.ErrDeviceError, "read: %v", err)
	}
	return nil
}

// Program writes buf to addr, splitting at page boundaries the way any
// flash part's program buffer requires: a write-enable precedes every
// chunk, and each chunk is busy-polled to completion before the next one
// starts.
func (d *Device) Program(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return wrapf(status.ErrDeviceError, "program on an uninitialized device")
	}
	if uint64(addr)+uint64(len(buf)) > uint64(d.deviceSize) {
		return wrapf(status.ErrDeviceError, "program [%#x, %#x) exceeds device size %#x", addr, addr+uint32(len(buf)), d.deviceSize)
	}

	remaining := buf
	for len(remaining) > 0 {
		pageOff := addr % d.pageSize
		chunkLen := d.pageSize - pageOff
		if chunkLen > uint32(len(remaining)) {
			chunkLen = uint32(len(remaining))
		}
		chunk := remaining[:chunkLen]

		wireAddr, err := d.extAddrPreambleLocked(addr)
		if err != nil {
			return err
		}
		if err := d.writeEnableLocked(); err != nil {
			return err
		}
		hasAddr := true
		if err := d.transport.Command(d.programInst, wireAddr, hasAddr, chunk, nil); err != nil {
			return wrapf(status.ErrDeviceError, "program at %#x: %v", addr, err)
		}
		if err := d.waitReadyLocked(); err != nil {
			return err
		}

		addr += chunkLen
		remaining = remaining[chunkLen:]
	}
	return nil
}

// eraseAlignment4K masks the low 12 bits of an erase address before
// issuing the instruction, a fixed property of how erase opcodes address
// their target on every part this package has been grounded against:
// any valid erase address is already a multiple of its own (>=4KiB)
// granularity, so this mask is idempotent in practice.
const eraseAlignment4K = ^uint32(0xFFF)

// Erase erases [addr, addr+size), decomposing the span into the largest
// erase steps each region's palette allows, never crossing a region
// boundary within a single step.
func (d *Device) Erase(addr uint32, size uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return wrapf(status.ErrDeviceError, "erase on an uninitialized device")
	}
	if uint64(addr)+uint64(size) > uint64(d.deviceSize) {
		return wrapf(status.ErrInvalidEraseParams, "erase [%#x, %#x) exceeds device size %#x", addr, addr+size, d.deviceSize)
	}

	startIdx, err := regionOf(d.regions, addr)
	if err != nil {
		return wrapf(status.ErrInvalidEraseParams, "%v", err)
	}
	g := eraseSizeInRegion(d.eraseTypes, d.regions[startIdx].EraseBitmap)
	if g == 0 || addr%g != 0 || size%g != 0 {
		return wrapf(status.ErrInvalidEraseParams, "erase [%#x, %#x) is not aligned to the %d-byte granularity of its region", addr, addr+size, g)
	}

	regionIdx := startIdx
	for size > 0 {
		for addr >= d.regions[regionIdx].High {
			regionIdx++
		}
		boundaryDistance := d.regions[regionIdx].High - addr
		maxStep := size
		if boundaryDistance < maxStep {
			maxStep = boundaryDistance
		}

		step, ok := chooseEraseStep(d.eraseTypes, d.regions[regionIdx].EraseBitmap, addr, maxStep)
		if !ok {
			return wrapf(status.ErrInvalidEraseParams, "no erase type fits the remaining %d bytes at %#x", maxStep, addr)
		}

		wireAddr, err := d.extAddrPreambleLocked(addr)
		if err != nil {
			return err
		}
		if err := d.writeEnableLocked(); err != nil {
			return err
		}
		maskedAddr := wireAddr & eraseAlignment4K
		if err := d.transport.Command(step.Inst, maskedAddr, true, nil, nil); err != nil {
			return wrapf(status.ErrDeviceError, "erase at %#x: %v", addr, err)
		}
		if err := d.waitReadyLocked(); err != nil {
			return err
		}

		addr += step.Size
		size -= step.Size
	}
	return nil
}
