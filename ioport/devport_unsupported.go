//go:build !linux

package ioport

import "github.com/pkg/errors"

// DevPort is only implemented on Linux. The type exists so callers compile elsewhere.
type DevPort struct{}

// OpenDevPort always fails outside Linux.
func OpenDevPort(path string) (*DevPort, error) {
	return nil, errors.Errorf("%s is only available on linux", path)
}

// ReadRegister always fails.
func (p *DevPort) ReadRegister(addr Address) (byte, error) {
	return 0, ErrClosed
}

// WriteRegister always fails.
func (p *DevPort) WriteRegister(addr Address, value byte) error {
	return ErrClosed
}

// Close is a no-op.
func (p *DevPort) Close() error {
	return nil
}
