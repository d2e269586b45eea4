package ioport

import (
	"sync"

	"go.viam.com/rtsound/logging"
)

// Write records one WriteRegister call on a FakePort.
type Write struct {
	Addr  Address
	Value byte
}

// FakePort is an in-memory register file. Only addresses given to NewFakePort exist.
type FakePort struct {
	logger logging.Logger

	mu        sync.Mutex
	registers map[Address]byte
	writes    []Write
	closed    bool

	// Returned by every access instead of touching the register, when set.
	readErr  error
	writeErr error
}

// NewFakePort returns a fake with the given registers and initial values. logger may be
// nil.
func NewFakePort(initial map[Address]byte, logger logging.Logger) *FakePort {
	registers := make(map[Address]byte, len(initial))
	for addr, v := range initial {
		registers[addr] = v
	}
	return &FakePort{logger: logger, registers: registers}
}

// ReadRegister returns the current value at addr.
func (p *FakePort) ReadRegister(addr Address) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	v, ok := p.registers[addr]
	if !ok {
		return 0, unmapped(addr)
	}
	return v, nil
}

// WriteRegister stores value at addr and appends it to the write history.
func (p *FakePort) WriteRegister(addr Address, value byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	if _, ok := p.registers[addr]; !ok {
		return unmapped(addr)
	}
	p.registers[addr] = value
	p.writes = append(p.writes, Write{Addr: addr, Value: value})
	if p.logger != nil {
		p.logger.Debugw("register write", "addr", addr.String(), "value", value)
	}
	return nil
}

// Close marks the fake closed.
func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Value returns the register at addr without going through the error injection.
func (p *FakePort) Value(addr Address) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registers[addr]
}

// Set overwrites the register at addr, creating it if needed. It is not recorded as a
// write, so tests can use it to simulate other users of the register.
func (p *FakePort) Set(addr Address, value byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registers[addr] = value
}

// Writes returns a copy of the write history.
func (p *FakePort) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// SetErrors changes the injected read and write errors under the lock.
func (p *FakePort) SetErrors(readErr, writeErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = readErr
	p.writeErr = writeErr
}
