package telemetry

import (
	"strings"
	"time"

	"github.com/cepro/mppgateway/command"
	"github.com/google/uuid"
)

// Value is one decoded quantity with its unit, if it has one.
type Value struct {
	Value interface{} `json:"value"`
	Unit  string      `json:"unit,omitempty"`
}

// Reading holds the data pulled from an inverter in one poll, keyed by the normalised field name.
type Reading struct {
	ID           uuid.UUID        `json:"id"`
	Time         time.Time        `json:"time"`
	DeviceID     uuid.UUID        `json:"device_id"`
	SerialNumber string           `json:"serial_number"`
	Values       map[string]Value `json:"values"`
}

func NewReading(deviceID uuid.UUID, serialNumber string, t time.Time) Reading {
	return Reading{
		ID:           uuid.New(),
		Time:         t,
		DeviceID:     deviceID,
		SerialNumber: serialNumber,
		Values:       make(map[string]Value),
	}
}

// Add merges the fields of a decoded response into the reading. A key already present is kept, so when two
// queries report the same quantity the first one polled wins.
func (r *Reading) Add(resp command.Response) {
	if r.Values == nil {
		r.Values = make(map[string]Value)
	}
	for _, field := range resp.Fields() {
		key := Key(field.Name)
		if _, exists := r.Values[key]; exists {
			continue
		}
		r.Values[key] = Value{Value: field.Value, Unit: field.Unit}
	}
}

// Setting is a configurable quantity of the inverter: its current value and the factory default.
type Setting struct {
	Value   interface{} `json:"value,omitempty"`
	Default interface{} `json:"default,omitempty"`
	Unit    string      `json:"unit,omitempty"`
}

// Settings are keyed by the normalised field name.
type Settings map[string]Setting

// Key normalises a field name for use in topics and JSON documents: "AC Output Voltage" becomes
// "AC_Output_Voltage". The case is kept, existing MQTT subscribers depend on it.
func Key(name string) string {
	return strings.Join(strings.Fields(name), "_")
}
