package ioport

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIOPort emulates a single byte-wide register on boards without x86 port I/O. Each
// mapped bit drives one GPIO line; unmapped bits live in a shadow byte so read-modify-write
// callers still see every bit they wrote.
type GPIOPort struct {
	addr Address
	bits []uint
	pins map[uint]gpio.PinIO

	mu     sync.Mutex
	shadow byte
	closed bool
}

// NewGPIOPort builds a register at addr from already resolved pins keyed by bit index.
func NewGPIOPort(addr Address, pins map[uint]gpio.PinIO) (*GPIOPort, error) {
	if len(pins) == 0 {
		return nil, errors.New("gpio register needs at least one pin")
	}
	bits := make([]uint, 0, len(pins))
	for bit, pin := range pins {
		if bit > 7 {
			return nil, errors.Errorf("bit %d does not fit in a byte register", bit)
		}
		if pin == nil {
			return nil, errors.Errorf("bit %d has no pin", bit)
		}
		bits = append(bits, bit)
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	return &GPIOPort{addr: addr, bits: bits, pins: pins}, nil
}

// OpenGPIOPort initializes the periph host drivers and resolves each pin by name, for
// example {1: "GPIO17"}.
func OpenGPIOPort(addr Address, pinNames map[uint]string) (*GPIOPort, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing periph host drivers")
	}
	pins := make(map[uint]gpio.PinIO, len(pinNames))
	for bit, name := range pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, errors.Errorf("no gpio pin named %q for bit %d", name, bit)
		}
		pins[bit] = pin
	}
	return NewGPIOPort(addr, pins)
}

// ReadRegister samples every mapped line and merges the result with the shadow byte.
func (p *GPIOPort) ReadRegister(addr Address) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if addr != p.addr {
		return 0, unmapped(addr)
	}

	value := p.shadow
	for _, bit := range p.bits {
		mask := byte(1) << bit
		if p.pins[bit].Read() == gpio.High {
			value |= mask
		} else {
			value &^= mask
		}
	}
	return value, nil
}

// WriteRegister drives every mapped line from the matching bit of value.
func (p *GPIOPort) WriteRegister(addr Address, value byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if addr != p.addr {
		return unmapped(addr)
	}

	for _, bit := range p.bits {
		level := gpio.Low
		if value&(byte(1)<<bit) != 0 {
			level = gpio.High
		}
		if err := p.pins[bit].Out(level); err != nil {
			return errors.Wrapf(err, "driving %s (bit %d)", p.pins[bit].Name(), bit)
		}
	}
	p.shadow = value
	return nil
}

// Close drives every line low and stops accepting access.
func (p *GPIOPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for _, bit := range p.bits {
		if outErr := p.pins[bit].Out(gpio.Low); outErr != nil {
			err = multierr.Combine(err, errors.Wrapf(outErr, "releasing %s", p.pins[bit].Name()))
		}
	}
	return err
}
