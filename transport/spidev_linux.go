//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// See Linux "include/uapi/linux/spi/spidev.h" and
// "Documentation/spi/spidev.rst".
const (
	iocWrMode32     = 0x40046b05
	iocWrMaxSpeedHz = 0x40046b04
	iocWrBits       = 0x40016b03
)

type iocTransfer struct {
	TxBuf          uint64
	RxBuf          uint64
	Length         uint32
	SpeedHz        uint32
	DelayUsecs     uint16
	BitsPerWord    uint8
	CSChange       uint8
	TxNBits        uint8
	RxNBits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

func iocMessage(n int) uintptr {
	const (
		sizeBits  = 14
		sizeShift = 16
	)
	size := uint32(n * binary.Size(iocTransfer{}))
	if size > (1 << sizeBits) {
		panic("spidev: too many chained transfers")
	}
	return uintptr(0x40006b00 | (size << sizeShift))
}

// modeBits, one per transport.Width, matching spidev's TX_DUAL/TX_QUAD and
// RX_DUAL/RX_QUAD mode flags.
const (
	modeTxDual = 1 << 8
	modeTxQuad = 1 << 9
	modeRxDual = 1 << 10
	modeRxQuad = 1 << 11
)

// Spidev drives a real part over Linux's /dev/spidevX.Y, mirroring the
// teacher's scsi.SCSI (an mmap'd, ioctl-driven SG_IO transport) and
// rjoleary-u-root's spi.SPI.Transfer (chained iocTransfer structs sent
// through SPI_IOC_MESSAGE).
type Spidev struct {
	f      *os.File
	format Format
}

// OpenSpidev opens dev (e.g. "/dev/spidev0.0") as a Transport.
func OpenSpidev(dev string) (*Spidev, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s := &Spidev{f: f, format: Default}

	var mode uint32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), iocWrMode32, uintptr(unsafe.Pointer(&mode))); errno != 0 {
		f.Close()
		return nil, errno
	}
	return s, nil
}

// Close closes the underlying device file.
func (s *Spidev) Close() error {
	return s.f.Close()
}

func widthModeBits(w Width, tx bool) uint32 {
	switch {
	case w == Width4 && tx:
		return modeTxQuad
	case w == Width2 && tx:
		return modeTxDual
	case w == Width4 && !tx:
		return modeRxQuad
	case w == Width2 && !tx:
		return modeRxDual
	default:
		return 0
	}
}

func nBits(w Width) uint8 {
	if w == 0 {
		return 1
	}
	return uint8(w)
}

// xfer chains up to three spidev transfers (instruction+address with any
// dummy padding, write data, read data) in a single SPI_IOC_MESSAGE
// ioctl, the same way the
// teacher issues one SG_IO per SCSI command and rjoleary-u-root chains
// Transfer structs for WriteThenRead.
func (s *Spidev) xfer(header []byte, dummy int, tx []byte, rx []byte, headerWidth, dataWidth Width) error {
	bufSize := len(header) + dummy + len(tx) + len(rx)
	buf, err := unix.Mmap(-1, 0, bufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	defer unix.Munmap(buf)

	off := copy(buf, header)
	for i := 0; i < dummy; i++ {
		buf[off+i] = 0
	}
	off += dummy
	copy(buf[off:], tx)
	txOff := off
	off += len(tx)
	rxOff := off

	var it []iocTransfer
	headerLen := len(header) + dummy
	if headerLen > 0 {
		it = append(it, iocTransfer{
			TxBuf:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
			Length:  uint32(headerLen),
			TxNBits: nBits(headerWidth),
			RxNBits: nBits(headerWidth),
		})
	}
	if len(tx) > 0 {
		it = append(it, iocTransfer{
			TxBuf:   uint64(uintptr(unsafe.Pointer(&buf[txOff]))),
			Length:  uint32(len(tx)),
			TxNBits: nBits(dataWidth),
			RxNBits: nBits(dataWidth),
		})
	}
	if len(rx) > 0 {
		it = append(it, iocTransfer{
			RxBuf:   uint64(uintptr(unsafe.Pointer(&buf[rxOff]))),
			Length:  uint32(len(rx)),
			TxNBits: nBits(dataWidth),
			RxNBits: nBits(dataWidth),
		})
	}
	if len(it) == 0 {
		return nil
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), iocMessage(len(it)), uintptr(unsafe.Pointer(&it[0]))); errno != 0 {
		return errno
	}

	copy(rx, buf[rxOff:])
	return nil
}

func encodeHeader(inst uint8, addr uint32, hasAddr bool, addrSize uint8) []byte {
	header := []byte{inst}
	if hasAddr {
		full := make([]byte, 4)
		binary.BigEndian.PutUint32(full, addr)
		header = append(header, full[4-int(addrSize):]...)
	}
	return header
}

func (s *Spidev) Command(inst uint8, addr uint32, hasAddr bool, tx []byte, rx []byte) error {
	header := encodeHeader(inst, addr, hasAddr, 3)
	return s.xfer(header, 0, tx, rx, Width1, Width1)
}

func (s *Spidev) Read(inst uint8, addr uint32, rx []byte) error {
	header := encodeHeader(inst, addr, true, s.format.AddrSize)
	dummy := int(s.format.DummyAndMode+7) / 8
	return s.xfer(header, dummy, nil, rx, s.format.InstWidth, s.format.DataWidth)
}

func (s *Spidev) Write(inst uint8, addr uint32, tx []byte) error {
	header := encodeHeader(inst, addr, true, s.format.AddrSize)
	return s.xfer(header, 0, tx, nil, s.format.InstWidth, s.format.DataWidth)
}

func (s *Spidev) ConfigureFormat(f Format) error {
	s.format = f
	return nil
}

func (s *Spidev) SetFrequency(hz uint32) error {
	speed := hz
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), iocWrMaxSpeedHz, uintptr(unsafe.Pointer(&speed))); errno != 0 {
		return fmt.Errorf("spidev: set frequency: %w", errno)
	}
	return nil
}
