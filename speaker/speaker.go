// Package speaker drives the sound bit of a hardware register. Every change is a
// read-modify-write, so bits outside the mask are never disturbed.
package speaker

import (
	"github.com/pkg/errors"

	"go.viam.com/rtsound/ioport"
)

const (
	// DefaultAddress is the PC speaker control port.
	DefaultAddress ioport.Address = 0x61
	// DefaultMask is the speaker data bit within DefaultAddress.
	DefaultMask byte = 0x02
)

// Speaker toggles Mask at Address on Port. It keeps no state of its own: whether the
// speaker is sounding is always read back from the register.
type Speaker struct {
	Port    ioport.Port
	Address ioport.Address
	Mask    byte
}

// New returns a Speaker, rejecting an empty mask.
func New(port ioport.Port, addr ioport.Address, mask byte) (*Speaker, error) {
	if port == nil {
		return nil, errors.New("speaker needs a port")
	}
	if mask == 0 {
		return nil, errors.New("speaker mask must have at least one bit set")
	}
	return &Speaker{Port: port, Address: addr, Mask: mask}, nil
}

// On sets the mask bits.
func (s *Speaker) On() error {
	return s.update(func(v byte) byte { return v | s.Mask })
}

// Off clears the mask bits. This is the safe state.
func (s *Speaker) Off() error {
	return s.update(func(v byte) byte { return v &^ s.Mask })
}

// IsOn reports whether all mask bits are currently set.
func (s *Speaker) IsOn() (bool, error) {
	v, err := s.Port.ReadRegister(s.Address)
	if err != nil {
		return false, errors.Wrapf(err, "reading speaker register %s", s.Address)
	}
	return v&s.Mask == s.Mask, nil
}

func (s *Speaker) update(apply func(byte) byte) error {
	v, err := s.Port.ReadRegister(s.Address)
	if err != nil {
		return errors.Wrapf(err, "reading speaker register %s", s.Address)
	}
	if err := s.Port.WriteRegister(s.Address, apply(v)); err != nil {
		return errors.Wrapf(err, "writing speaker register %s", s.Address)
	}
	return nil
}
