package qspiflash

import "fmt"

// wrapf is a small helper kept consistent with the rest of the module's
// "context: %w"-wrapped sentinel style.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("qspiflash: "+format+": %w", append(args, sentinel)...)
}
