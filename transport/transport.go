// Package transport moves wire bytes between the gateway and the inverter. There is one implementation per
// kind of physical link; each Exchange is a single self-contained attempt that opens and closes its own handle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/cepro/mppgateway/command"
)

// TestAddress selects the test transport, which answers from the catalog fixtures.
const TestAddress = "TEST"

// DefaultBaudRate is the PI30 serial speed.
const DefaultBaudRate = 2400

var hidrawPattern = regexp.MustCompile(`^.*hidraw\d$`)

// ErrNoAddress is returned when no device address is given.
var ErrNoAddress = errors.New("no device address supplied, e.g. /dev/ttyUSB0")

// Kind identifies the type of physical link.
type Kind int

const (
	KindTest Kind = iota
	KindDirectUSB
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindTest:
		return "test"
	case KindDirectUSB:
		return "usb"
	case KindSerial:
		return "serial"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Transport performs one physical send/receive cycle for a matched command.
type Transport interface {
	Kind() Kind
	Address() string
	// Exchange writes the command's wire bytes and returns whatever the device answered. A nil or empty
	// response with a nil error means the device stayed silent.
	Exchange(ctx context.Context, cmd *command.Matched) ([]byte, error)
}

// OpenError is returned when the device handle could not be opened.
type OpenError struct {
	Address string
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Address, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// KindOf derives the transport kind from a device address.
func KindOf(address string) Kind {
	switch {
	case address == TestAddress:
		return KindTest
	case hidrawPattern.MatchString(address):
		return KindDirectUSB
	default:
		return KindSerial
	}
}

// New returns the transport for `address`. The baud rate is only used by serial links; zero selects
// DefaultBaudRate.
func New(address string, baudRate int) (Transport, error) {
	if address == "" {
		return nil, ErrNoAddress
	}
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	switch KindOf(address) {
	case KindTest:
		return NewTest(), nil
	case KindDirectUSB:
		return NewDirectUSB(address), nil
	default:
		return NewSerial(address, baudRate), nil
	}
}
