package flash

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBusyTimeout is returned when the status register still reports busy
	// after the ready timeout. The part is either wedged or missing.
	ErrBusyTimeout = errors.New("flash: device busy timeout")

	// ErrUnaligned is the cause of an AddressError for a sector erase that
	// does not start on a sector boundary.
	ErrUnaligned = errors.New("flash: address not sector aligned")

	// ErrOutOfRange is the cause of an AddressError for an address that does
	// not fit in 3 bytes.
	ErrOutOfRange = errors.New("flash: address out of range")

	// ErrPageOverflow is returned for a program operation longer than a page.
	ErrPageOverflow = errors.New("flash: data exceeds page size")
)

// AddressError describes a rejected address.
type AddressError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s 0x%06X: %v", e.Op, e.Addr, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the sentinel.
func (e *AddressError) Cause() error { return e.Err }
