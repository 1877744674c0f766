// Package status holds the stable error surface shared by every layer of
// the driver (registry, sfdp, negotiate, qspiflash). Callers that only
// care about the outcome of an operation can compare against these
// sentinels with errors.Is; the wrapping layer adds the human-readable
// context.
package status

import "errors"

var (
	// ErrDeviceError covers any failed transport transaction.
	ErrDeviceError = errors.New("device error")

	// ErrParsingFailed covers a malformed or unsupported discovery table.
	ErrParsingFailed = errors.New("parsing failed")

	// ErrWriteEnableFailed means the write-enable latch did not take.
	ErrWriteEnableFailed = errors.New("write-enable failed")

	// ErrInvalidEraseParams means addr/size do not align to an eligible
	// erase granularity.
	ErrInvalidEraseParams = errors.New("invalid erase params")

	// ErrDeviceNotUnique means the chip-select handle is already owned by
	// another device descriptor.
	ErrDeviceNotUnique = errors.New("device not unique")

	// ErrDeviceMaxExceeded means the registry is at capacity.
	ErrDeviceMaxExceeded = errors.New("device max exceeded")

	// ErrReadyFailed means a busy-poll loop exhausted its retry budget.
	ErrReadyFailed = errors.New("ready failed")
)
