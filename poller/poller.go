package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/mppgateway/inverter"
	"github.com/cepro/mppgateway/telemetry"
)

const (
	SettingsCommand  = "QPIRI"
	DefaultsCommand  = "QDI"
	FlagsCommand     = "QFLAG"
	readingsChanSize = 5
)

// DefaultQueries are polled when no queries are configured.
var DefaultQueries = []string{"Q1", "QPIGS"}

// ErrNoData is returned when none of the queries of a poll produced any values.
var ErrNoData = errors.New("no data polled")

// PollObserver is told when a poll completed.
type PollObserver interface {
	ObservePoll(device string, t time.Time)
}

// Poller queries an inverter regularly and sends the merged results onto the `Readings` channel.
type Poller struct {
	Readings chan telemetry.Reading

	device   *inverter.Device
	queries  []string
	observer PollObserver
	logger   *slog.Logger
}

func New(device *inverter.Device, queries []string, observer PollObserver) *Poller {
	if len(queries) == 0 {
		queries = DefaultQueries
	}
	return &Poller{
		Readings: make(chan telemetry.Reading, readingsChanSize),
		device:   device,
		queries:  queries,
		observer: observer,
		logger:   slog.Default().With("device", device.Address()),
	}
}

func (p *Poller) Device() *inverter.Device {
	return p.device
}

// Run loops until ctx is done, polling the inverter every `period`. A failed poll is logged and skipped.
func (p *Poller) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading, err := p.PollOnce(ctx)
			if err != nil {
				p.logger.Error("Failed to poll inverter", "error", err)
				continue
			}
			select {
			case p.Readings <- reading:
			case <-ctx.Done():
				return
			}
		}
	}
}

// PollOnce runs every configured query and merges the responses into one reading. A query that fails is logged
// and left out; the poll only fails when the inverter cannot be identified or nothing at all was read.
func (p *Poller) PollOnce(ctx context.Context) (telemetry.Reading, error) {
	serialNumber, err := p.device.Identify(ctx)
	if err != nil {
		return telemetry.Reading{}, fmt.Errorf("poll: %w", err)
	}

	reading := telemetry.NewReading(p.device.ID(), serialNumber, time.Now())
	for _, query := range p.queries {
		result, err := p.device.Execute(ctx, query)
		if err != nil {
			p.logger.Warn("Query failed", "command", query, "error", err)
			continue
		}
		reading.Add(result.Response)
	}

	if len(reading.Values) == 0 {
		return telemetry.Reading{}, fmt.Errorf("poll %s: %w", serialNumber, ErrNoData)
	}
	if p.observer != nil {
		p.observer.ObservePoll(p.device.Address(), reading.Time)
	}
	return reading, nil
}

// Settings reads the current settings of the inverter together with their factory defaults.
func (p *Poller) Settings(ctx context.Context) (telemetry.Settings, error) {
	settings := make(telemetry.Settings)

	current, err := p.device.Execute(ctx, SettingsCommand)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	for _, field := range current.Response.Fields() {
		settings[telemetry.Key(field.Name)] = telemetry.Setting{Value: field.Value, Unit: field.Unit}
	}

	defaults, err := p.device.Execute(ctx, DefaultsCommand)
	if err != nil {
		return nil, fmt.Errorf("read default settings: %w", err)
	}
	for _, field := range defaults.Response.Fields() {
		key := telemetry.Key(field.Name)
		setting, ok := settings[key]
		if !ok {
			setting.Unit = field.Unit
		}
		setting.Default = field.Value
		settings[key] = setting
	}

	flags, err := p.device.Execute(ctx, FlagsCommand)
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	for _, field := range flags.Response.Fields() {
		key := telemetry.Key(field.Name)
		setting := settings[key]
		setting.Value = field.Value
		settings[key] = setting
	}

	return settings, nil
}
