package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/cepro/mppgateway/command"
)

// ErrNoFixture is returned by the test transport for commands without a test response.
var ErrNoFixture = errors.New("no test response defined")

// Test answers every command with the first test response of its descriptor. No I/O is performed.
type Test struct{}

func NewTest() *Test {
	return &Test{}
}

func (t *Test) Kind() Kind {
	return KindTest
}

func (t *Test) Address() string {
	return TestAddress
}

func (t *Test) Exchange(_ context.Context, cmd *command.Matched) ([]byte, error) {
	fixture, ok := cmd.Descriptor.TestResponse()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoFixture, cmd.Descriptor.Name)
	}
	return []byte(fixture), nil
}
