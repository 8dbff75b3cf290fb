package dataplatform

import (
	"time"

	"github.com/cepro/mppgateway/repository"
	"github.com/cepro/mppgateway/telemetry"
	"github.com/google/uuid"
)

// supabaseReading holds the json encoding schema for an inverter reading in supabase.
type supabaseReading struct {
	ID           uuid.UUID                  `json:"id"`
	Time         time.Time                  `json:"time"`
	DeviceID     uuid.UUID                  `json:"device_id"`
	SerialNumber string                     `json:"serial_number"`
	Values       map[string]telemetry.Value `json:"values"`
}

func convertReadings(readings []repository.StoredReading) []supabaseReading {
	supabaseReadings := make([]supabaseReading, 0, len(readings))
	for _, reading := range readings {
		supabaseReadings = append(supabaseReadings, supabaseReading{
			ID:           reading.ID,
			Time:         reading.Time,
			DeviceID:     reading.DeviceID,
			SerialNumber: reading.SerialNumber,
			Values:       reading.Values,
		})
	}
	return supabaseReadings
}
