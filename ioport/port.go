// Package ioport gives byte-wide access to hardware I/O registers. Three backends exist:
// the Linux /dev/port device, a register whose bits are wired to GPIO lines, and an
// in-memory fake used in tests and dry runs.
package ioport

import (
	"fmt"

	"github.com/pkg/errors"
)

// Address is a byte-addressed location in I/O port space.
type Address uint16

func (a Address) String() string {
	return fmt.Sprintf("0x%02x", uint16(a))
}

// DefaultDevPortPath is where Linux exposes raw I/O port space.
const DefaultDevPortPath = "/dev/port"

var (
	// ErrClosed is returned for any access after Close.
	ErrClosed = errors.New("port is closed")
	// ErrUnmappedAddress is returned when a backend has no register at the given address.
	ErrUnmappedAddress = errors.New("no register at address")
)

// Port reads and writes single registers. Implementations must be safe for use from
// multiple goroutines, although rtsound only touches a register from one at a time.
type Port interface {
	ReadRegister(addr Address) (byte, error)
	WriteRegister(addr Address, value byte) error
	Close() error
}

func unmapped(addr Address) error {
	return errors.Wrapf(ErrUnmappedAddress, "address %s", addr)
}
