// Package registry enforces that at most one device descriptor exists per
// chip-select identity at any time (component B). Grounded on
// jangala-dev-devicecode-go's services/hal/internal/registry: a
// package-level mutex-guarded map with an explicit duplicate-registration
// failure path.
package registry

import (
	"fmt"
	"sync"

	"github.com/kflash/qspinor/status"
)

// Capacity bounds the number of chip-selects that may be registered at
// once.
const Capacity = 4

var (
	mu     sync.Mutex
	active = map[any]struct{}{}
)

// Add reserves handle for a new device descriptor. It returns
// status.ErrDeviceNotUnique if handle is already registered, or
// status.ErrDeviceMaxExceeded if the registry is already at Capacity.
func Add(handle any) error {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := active[handle]; ok {
		return fmt.Errorf("chip-select %v already in use: %w", handle, status.ErrDeviceNotUnique)
	}
	if len(active) >= Capacity {
		return fmt.Errorf("registry full at %d devices: %w", Capacity, status.ErrDeviceMaxExceeded)
	}
	active[handle] = struct{}{}
	return nil
}

// Remove releases handle. It is a no-op if handle is not registered.
func Remove(handle any) {
	mu.Lock()
	defer mu.Unlock()
	delete(active, handle)
}

// Count reports how many chip-selects are currently registered.
func Count() int {
	mu.Lock()
	defer mu.Unlock()
	return len(active)
}
