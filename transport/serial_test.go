package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort answers the n-th write with replies[n]; an empty reply behaves like a read timeout.
type fakePort struct {
	replies  []string
	timeouts []time.Duration
	writes   int
	resets   int
	pending  *bytes.Buffer
	closed   bool
	writeErr error
}

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.timeouts = append(f.timeouts, t)
	return nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.resets++
	return nil
}

func (f *fakePort) ResetOutputBuffer() error {
	return nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	reply := ""
	if f.writes < len(f.replies) {
		reply = f.replies[f.writes]
	}
	f.writes++
	f.pending = bytes.NewBufferString(reply)
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.pending == nil || f.pending.Len() == 0 {
		return 0, nil
	}
	// hand out a few bytes at a time like a slow link
	return f.pending.Read(p[:min(len(p), 3)])
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func newFastSerial(port *fakePort) *Serial {
	s := NewSerial("/dev/ttyUSB0", 2400)
	s.TimeUnit = time.Millisecond
	s.open = func(address string, mode *serial.Mode) (serialPort, error) {
		return port, nil
	}
	return s
}

func TestSerial_FirstAnswerWins(t *testing.T) {
	port := &fakePort{replies: []string{"", "", "(PI30\rmore", "(never"}}

	raw, err := newFastSerial(port).Exchange(context.Background(), matchedFor(t, "CMD"))
	require.NoError(t, err)

	assert.Equal(t, []byte("(PI30\r"), raw)
	assert.Equal(t, 3, port.writes)
	assert.Equal(t, 3, port.resets)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond}, port.timeouts)
	assert.True(t, port.closed)
}

func TestSerial_AllAttemptsSilent(t *testing.T) {
	port := &fakePort{}

	raw, err := newFastSerial(port).Exchange(context.Background(), matchedFor(t, "CMD"))
	require.NoError(t, err)

	assert.Empty(t, raw)
	assert.Equal(t, 4, port.writes)
	assert.Equal(t, []time.Duration{
		2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond,
	}, port.timeouts)
	assert.True(t, port.closed)
}

func TestSerial_WriteErrors(t *testing.T) {
	port := &fakePort{writeErr: errors.New("input/output error")}

	raw, err := newFastSerial(port).Exchange(context.Background(), matchedFor(t, "CMD"))

	assert.ErrorContains(t, err, "input/output error")
	assert.Empty(t, raw)
	assert.Len(t, port.timeouts, 4)
	assert.True(t, port.closed)
}

func TestSerial_OpenError(t *testing.T) {
	s := NewSerial("/dev/ttyUSB9", 2400)
	s.open = func(string, *serial.Mode) (serialPort, error) {
		return nil, errors.New("no such file or directory")
	}

	_, err := s.Exchange(context.Background(), matchedFor(t, "CMD"))

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "/dev/ttyUSB9", openErr.Address)
}

func TestSerial_OpenMode(t *testing.T) {
	var got *serial.Mode
	s := NewSerial("/dev/ttyUSB0", 9600)
	s.TimeUnit = time.Millisecond
	s.open = func(_ string, mode *serial.Mode) (serialPort, error) {
		got = mode
		return &fakePort{replies: []string{"(ACK\r"}}, nil
	}

	_, err := s.Exchange(context.Background(), matchedFor(t, "CMD"))
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, 9600, got.BaudRate)
	assert.Equal(t, 8, got.DataBits)
	assert.Equal(t, serial.NoParity, got.Parity)
	assert.Equal(t, serial.OneStopBit, got.StopBits)
}

func TestReadLine(t *testing.T) {
	line, err := readLine(bytes.NewBufferString("(230.0 50.0\n(next"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("(230.0 50.0\n"), line)

	line, err = readLine(bytes.NewBufferString(""), time.Second)
	assert.Error(t, err) // io.EOF from a drained buffer
	assert.Empty(t, line)
}
