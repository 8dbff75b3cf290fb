package repository

import (
	"time"

	"github.com/cepro/mppgateway/telemetry"
	"github.com/google/uuid"
)

// StoredReading represents an inverter reading that is persisted to the SQLite database, and includes a count of upload attempts.
type StoredReading struct {
	ID                 uuid.UUID
	Time               time.Time `gorm:"index"`
	DeviceID           uuid.UUID
	SerialNumber       string
	Values             map[string]telemetry.Value `gorm:"serializer:json"`
	UploadAttemptCount uint
}

func newStoredReading(reading telemetry.Reading) StoredReading {
	return StoredReading{
		ID:                 reading.ID,
		Time:               reading.Time,
		DeviceID:           reading.DeviceID,
		SerialNumber:       reading.SerialNumber,
		Values:             reading.Values,
		UploadAttemptCount: 0,
	}
}

// Reading returns the telemetry held in the stored row.
func (s StoredReading) Reading() telemetry.Reading {
	return telemetry.Reading{
		ID:           s.ID,
		Time:         s.Time,
		DeviceID:     s.DeviceID,
		SerialNumber: s.SerialNumber,
		Values:       s.Values,
	}
}

func ids(readings []StoredReading) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(readings))
	for _, reading := range readings {
		ids = append(ids, reading.ID)
	}
	return ids
}
