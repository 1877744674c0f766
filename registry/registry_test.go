package registry

import (
	"errors"
	"testing"

	"github.com/kflash/qspinor/status"
)

func resetForTest() {
	mu.Lock()
	active = map[any]struct{}{}
	mu.Unlock()
}

func TestAddRemove(t *testing.T) {
	resetForTest()

	if err := Add("cs0"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if Count() != 1 {
		t.Fatalf("Count = %d, want 1", Count())
	}

	Remove("cs0")
	if Count() != 0 {
		t.Fatalf("Count = %d, want 0 after Remove", Count())
	}

	// Idempotent.
	Remove("cs0")
}

func TestAddDuplicate(t *testing.T) {
	resetForTest()

	if err := Add("cs0"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	defer Remove("cs0")

	err := Add("cs0")
	if !errors.Is(err, status.ErrDeviceNotUnique) {
		t.Fatalf("Add duplicate: err = %v, want ErrDeviceNotUnique", err)
	}
}

func TestAddExhausted(t *testing.T) {
	resetForTest()

	for i := 0; i < Capacity; i++ {
		if err := Add(i); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	defer func() {
		for i := 0; i < Capacity; i++ {
			Remove(i)
		}
	}()

	err := Add("one-too-many")
	if !errors.Is(err, status.ErrDeviceMaxExceeded) {
		t.Fatalf("Add over capacity: err = %v, want ErrDeviceMaxExceeded", err)
	}
}
