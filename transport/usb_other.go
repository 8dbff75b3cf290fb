//go:build !unix

package transport

import (
	"errors"
	"io"
)

func openHidraw(path string) (io.ReadWriteCloser, error) {
	return nil, errors.New("direct usb is only supported on unix platforms")
}
