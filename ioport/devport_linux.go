//go:build linux

package ioport

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DevPort accesses I/O port space through a character device where the file offset is
// the port address. Opening /dev/port needs CAP_SYS_RAWIO.
type DevPort struct {
	path string

	mu sync.Mutex
	fd int
}

// OpenDevPort opens the given port device (usually DefaultDevPortPath) for reading and
// writing.
func OpenDevPort(path string) (*DevPort, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return &DevPort{path: path, fd: fd}, nil
}

// ReadRegister reads one byte at addr.
func (p *DevPort) ReadRegister(addr Address) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return 0, ErrClosed
	}

	var buf [1]byte
	n, err := unix.Pread(p.fd, buf[:], int64(addr))
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s from %s", addr, p.path)
	}
	if n != 1 {
		return 0, unmapped(addr)
	}
	return buf[0], nil
}

// WriteRegister writes one byte at addr.
func (p *DevPort) WriteRegister(addr Address, value byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return ErrClosed
	}

	n, err := unix.Pwrite(p.fd, []byte{value}, int64(addr))
	if err != nil {
		return errors.Wrapf(err, "writing %s to %s", addr, p.path)
	}
	if n != 1 {
		return unmapped(addr)
	}
	return nil
}

// Close releases the device. Closing twice is a no-op.
func (p *DevPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
