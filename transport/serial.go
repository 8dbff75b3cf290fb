package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cepro/mppgateway/command"
	"go.bug.st/serial"
)

// serialPort is the part of serial.Port used by the serial transport.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Serial talks to the inverter over an RS232 / USB-serial port. Each Exchange opens the port, tries the command
// up to Attempts times with a longer timeout every time, and closes the port again.
type Serial struct {
	address  string
	baudRate int

	Attempts int           // physical attempts per exchange
	TimeUnit time.Duration // attempt x uses a (1+x) unit read timeout and waits x/2 units before reading

	open   func(address string, mode *serial.Mode) (serialPort, error)
	logger *slog.Logger
}

func NewSerial(address string, baudRate int) *Serial {
	return &Serial{
		address:  address,
		baudRate: baudRate,
		Attempts: 4,
		TimeUnit: time.Second,
		open:     openSerialPort,
		logger:   slog.Default().With("transport", KindSerial, "address", address),
	}
}

func openSerialPort(address string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(address, mode)
}

func (s *Serial) Kind() Kind {
	return KindSerial
}

func (s *Serial) Address() string {
	return s.address
}

func (s *Serial) BaudRate() int {
	return s.baudRate
}

// Exchange sends the command and returns the first non-empty line the inverter answers with.
func (s *Serial) Exchange(_ context.Context, cmd *command.Matched) ([]byte, error) {
	port, err := s.open(s.address, &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &OpenError{Address: s.address, Err: err}
	}
	defer func() {
		if err := port.Close(); err != nil {
			s.logger.Debug("Failed to close serial port", "error", err)
		}
	}()

	var lastErr error
	for x := 1; x <= s.Attempts; x++ {
		s.logger.Debug("Command execution attempt", "command", cmd.Request, "attempt", x, "baud_rate", s.baudRate)

		line, err := s.attempt(port, cmd.Wire, x)
		if len(line) > 0 {
			s.logger.Debug("Serial response", "command", cmd.Request, "response", string(line))
			return line, nil
		}
		if err != nil {
			s.logger.Debug("Serial attempt failed", "attempt", x, "error", err)
			lastErr = err
		}
	}
	return nil, lastErr
}

// attempt performs the x-th (1-indexed) write/read cycle on an open port.
func (s *Serial) attempt(port serialPort, wire []byte, x int) ([]byte, error) {
	timeout := time.Duration(1+x) * s.TimeUnit
	err := port.SetReadTimeout(timeout)
	if err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	err = port.ResetInputBuffer()
	if err != nil {
		return nil, fmt.Errorf("flush input: %w", err)
	}
	err = port.ResetOutputBuffer()
	if err != nil {
		return nil, fmt.Errorf("flush output: %w", err)
	}

	_, err = port.Write(wire)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	// give the inverter time to answer
	time.Sleep(time.Duration(x) * s.TimeUnit / 2)

	return readLine(port, timeout)
}

// readLine reads until a line ending, a read timeout (a zero length read) or `timeout` has passed.
func readLine(r io.Reader, timeout time.Duration) ([]byte, error) {
	var line []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := r.Read(buf)
		line = append(line, buf[:n]...)
		if end := bytes.IndexAny(line, "\r\n"); end >= 0 {
			return line[:end+1], nil
		}
		if err != nil {
			return line, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return line, nil
}
