package inverter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cepro/mppgateway/command"
	"github.com/cepro/mppgateway/transport"
	"github.com/google/uuid"
)

const (
	// IdentifyCommand asks the inverter for its serial number.
	IdentifyCommand = "QID"
	// SerialNumberField is the field of the IdentifyCommand response holding the serial number.
	SerialNumberField = "Serial Number"

	defaultMaxAttempts   = 10
	defaultRetryInterval = time.Second
)

// Observer is told about every finished execution, successful or not.
type Observer interface {
	ObserveExecution(device string, command string, attempts int, duration time.Duration, err error)
}

// Result is the outcome of one successful command execution.
type Result struct {
	Command   string // name of the matched catalog command
	Request   string // the command as requested
	Parameter string
	Raw       []byte
	Response  command.Response
	Attempts  int
	Duration  time.Duration
}

// Device represents one inverter and the commands it supports. It is safe for concurrent use; commands are
// executed one at a time on the physical link.
type Device struct {
	id            uuid.UUID
	address       string
	baudRate      int
	catalog       *command.Catalog
	transport     transport.Transport
	gate          *gate
	maxAttempts   int
	retryInterval time.Duration
	observer      Observer
	logger        *slog.Logger

	serialMu     sync.Mutex
	serialNumber string
}

// Option configures a Device.
type Option func(*Device)

// WithID sets the device ID used in telemetry. A random ID is used otherwise.
func WithID(id uuid.UUID) Option {
	return func(d *Device) { d.id = id }
}

// WithBaudRate sets the serial speed for serial devices.
func WithBaudRate(baudRate int) Option {
	return func(d *Device) { d.baudRate = baudRate }
}

// WithCatalog replaces the default command catalog.
func WithCatalog(catalog *command.Catalog) Option {
	return func(d *Device) { d.catalog = catalog }
}

// WithTransport replaces the transport derived from the device address.
func WithTransport(t transport.Transport) Option {
	return func(d *Device) { d.transport = t }
}

// WithRetry sets how many times a command is sent before giving up, and the pause between sends.
func WithRetry(maxAttempts int, interval time.Duration) Option {
	return func(d *Device) {
		d.maxAttempts = maxAttempts
		d.retryInterval = interval
	}
}

// WithObserver registers an observer for finished executions.
func WithObserver(o Observer) Option {
	return func(d *Device) { d.observer = o }
}

// New creates a device for `address`: "TEST" for the test transport, a /dev/hidrawN node for direct USB, and
// anything else is opened as a serial port.
func New(address string, opts ...Option) (*Device, error) {
	d := &Device{
		id:            uuid.New(),
		address:       address,
		baudRate:      transport.DefaultBaudRate,
		gate:          newGate(),
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.transport == nil {
		if address == "" {
			return nil, ErrNoDevice
		}
		t, err := transport.New(address, d.baudRate)
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		d.transport = t
	}
	if d.address == "" {
		d.address = d.transport.Address()
	}
	if d.catalog == nil {
		d.catalog = command.Default()
	}
	if d.maxAttempts < 1 {
		d.maxAttempts = 1
	}

	d.logger = slog.Default().With("device", d.address, "transport", d.transport.Kind())

	return d, nil
}

func (d *Device) ID() uuid.UUID {
	return d.id
}

func (d *Device) Address() string {
	return d.address
}

// Commands returns the catalog of commands the device understands.
func (d *Device) Commands() []*command.Descriptor {
	return d.catalog.All()
}

func (d *Device) String() string {
	var b strings.Builder
	switch d.transport.Kind() {
	case transport.KindDirectUSB:
		fmt.Fprintf(&b, "Inverter connected via USB on %s", d.address)
	case transport.KindTest:
		b.WriteString("Inverter connected as a TEST")
	default:
		fmt.Fprintf(&b, "Inverter connected via serial port on %s", d.address)
	}
	b.WriteString("\n-------- List of supported commands --------\n")
	for _, c := range d.catalog.All() {
		b.WriteString(c.String())
	}
	return b.String()
}

// Execute sends `request` to the inverter and decodes the response. Unknown commands fail with
// command.ErrUnknownCommand; a command that never got a valid response fails with an *ExecutionError.
//
// ctx is only checked while waiting for the device and between attempts; a send that has started always runs
// to completion.
func (d *Device) Execute(ctx context.Context, request string) (*Result, error) {
	matched, err := d.catalog.Match(request)
	if err != nil {
		d.logger.Error("Command not found", "command", request)
		return nil, err
	}

	err = d.gate.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for device: %w", err)
	}
	defer d.gate.release()

	d.logger.Debug("Executing command", "command", matched.String())

	start := time.Now()
	attempts, err := d.send(ctx, matched)
	duration := time.Since(start)

	if d.observer != nil {
		d.observer.ObserveExecution(d.address, matched.Descriptor.Name, attempts, duration, err)
	}
	if err != nil {
		d.logger.Info("Command execution failed", "command", request, "error", err)
		return nil, err
	}

	return &Result{
		Command:   matched.Descriptor.Name,
		Request:   matched.Request,
		Parameter: matched.Parameter,
		Raw:       matched.Raw,
		Response:  command.Decode(matched.Raw, matched.Descriptor),
		Attempts:  attempts,
		Duration:  duration,
	}, nil
}

// send repeats the transport exchange until the response is valid or the attempts are used up. It returns the
// number of attempts made.
func (d *Device) send(ctx context.Context, matched *command.Matched) (int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		matched.Reset()
		raw, err := d.transport.Exchange(ctx, matched)
		matched.Raw = raw

		switch {
		case err != nil:
			d.logger.Debug("Transport exchange failed", "command", matched.Request, "attempt", attempt, "error", err)
			lastErr = err
		case command.IsValid(raw, matched.Descriptor):
			return attempt, nil
		case command.Payload(raw) == "":
			lastErr = ErrEmptyResponse
		default:
			lastErr = ErrInvalidResponse
		}

		if attempt >= d.maxAttempts {
			return attempt, &ExecutionError{Command: matched.Request, Attempts: attempt, Raw: raw, Err: lastErr}
		}

		d.logger.Debug("Received empty or invalid response, retrying", "attempt", attempt, "max_attempts", d.maxAttempts)
		err = sleep(ctx, d.retryInterval)
		if err != nil {
			return attempt, &ExecutionError{Command: matched.Request, Attempts: attempt, Raw: raw, Err: errors.Join(lastErr, err)}
		}
	}
}

// Identify returns the inverter's serial number. The first successful call queries the inverter, later calls
// return the cached value.
func (d *Device) Identify(ctx context.Context) (string, error) {
	d.serialMu.Lock()
	defer d.serialMu.Unlock()

	if d.serialNumber != "" {
		return d.serialNumber, nil
	}

	result, err := d.Execute(ctx, IdentifyCommand)
	if err != nil {
		return "", fmt.Errorf("identify: %w", err)
	}
	field, ok := result.Response.Get(SerialNumberField)
	if !ok {
		return "", fmt.Errorf("identify: %w", ErrNoSerialNumber)
	}

	d.serialNumber = fmt.Sprint(field.Value)
	d.logger.Info("Identified inverter", "serial_number", d.serialNumber)

	return d.serialNumber, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
