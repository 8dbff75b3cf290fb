package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cepro/mppgateway/command"
)

// errWouldBlock is returned by a non-blocking raw handle that has no data ready.
var errWouldBlock = errors.New("no data available")

// DirectUSB talks to the inverter through a raw hidraw device node. The inverter's USB input buffer is small, so
// commands are written in short chunks with a pause in between, and the response is polled for until the
// terminator shows up.
type DirectUSB struct {
	address string

	ChunkSize    int           // bytes written per chunk
	ChunkDelay   time.Duration // pause before each chunk
	SettleDelay  time.Duration // pause between the last chunk and the first read
	ReadAttempts int           // maximum number of read polls
	ReadDelay    time.Duration // pause before each read poll
	BlockSize    int           // bytes requested per read poll

	open   func(path string) (io.ReadWriteCloser, error)
	logger *slog.Logger
}

func NewDirectUSB(address string) *DirectUSB {
	return &DirectUSB{
		address:      address,
		ChunkSize:    8,
		ChunkDelay:   350 * time.Millisecond,
		SettleDelay:  250 * time.Millisecond,
		ReadAttempts: 100,
		ReadDelay:    150 * time.Millisecond,
		BlockSize:    256,
		open:         openHidraw,
		logger:       slog.Default().With("transport", KindDirectUSB, "address", address),
	}
}

func (u *DirectUSB) Kind() Kind {
	return KindDirectUSB
}

func (u *DirectUSB) Address() string {
	return u.address
}

// Exchange opens the device node, sends the command and reads until the terminator, then closes the node.
func (u *DirectUSB) Exchange(_ context.Context, cmd *command.Matched) ([]byte, error) {
	dev, err := u.open(u.address)
	if err != nil {
		return nil, &OpenError{Address: u.address, Err: err}
	}
	defer func() {
		if err := dev.Close(); err != nil {
			u.logger.Debug("Failed to close usb device", "error", err)
		}
	}()

	err = u.transmit(dev, cmd.Wire)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}

	time.Sleep(u.SettleDelay)

	response := u.receive(dev)
	u.logger.Debug("USB response", "command", cmd.Request, "response", string(response))
	return response, nil
}

// transmit writes `wire` in chunks of at most ChunkSize bytes.
func (u *DirectUSB) transmit(dev io.Writer, wire []byte) error {
	for len(wire) > 0 {
		n := min(u.ChunkSize, len(wire))
		time.Sleep(u.ChunkDelay)
		_, err := dev.Write(wire[:n])
		if err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		wire = wire[n:]
	}
	return nil
}

// receive polls the device until the terminator arrives or the poll budget is used up. Everything after the
// terminator is dropped. Read errors are logged and the poll continues.
func (u *DirectUSB) receive(dev io.Reader) []byte {
	var response []byte
	block := make([]byte, u.BlockSize)

	for i := 0; i < u.ReadAttempts; i++ {
		time.Sleep(u.ReadDelay)

		n, err := dev.Read(block)
		if n > 0 {
			response = append(response, block[:n]...)
		}
		if err != nil && !errors.Is(err, errWouldBlock) {
			u.logger.Debug("USB read error", "error", err)
		}

		if end := bytes.IndexByte(response, command.Terminator); end >= 0 {
			return response[:end+1]
		}
	}
	return response
}
