//go:build unix

package transport

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// hidraw is a non-blocking raw file descriptor on a /dev/hidrawN node.
type hidraw struct {
	fd int
}

func openHidraw(path string) (io.ReadWriteCloser, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &hidraw{fd: fd}, nil
}

func (h *hidraw) Read(p []byte) (int, error) {
	n, err := unix.Read(h.fd, p)
	if errors.Is(err, unix.EAGAIN) {
		return 0, errWouldBlock
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (h *hidraw) Write(p []byte) (int, error) {
	n, err := unix.Write(h.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (h *hidraw) Close() error {
	return unix.Close(h.fd)
}
