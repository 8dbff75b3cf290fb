package dataplatform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/mppgateway/repository"
	"github.com/cepro/mppgateway/supabase"
	"github.com/cepro/mppgateway/telemetry"
)

const (
	// uploadChunkLimit defines how many readings we can upload in one supabase HTTP request
	uploadChunkLimit = 100
	defaultTable     = "inverter_readings"
)

type uploader interface {
	Upload(table string, rows interface{}) error
}

type Config struct {
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseUserKey   string
	Schema            string
	Table             string
	BufferPath        string
	UploadInterval    time.Duration
	MaxUploadAttempts uint // readings that failed this many uploads are dropped; zero keeps them forever
}

// DataPlatform handles the streaming of telemetry to Supabase.
// Put new readings onto the `Readings` channel, they will be bufferred on disk in a SQLite database before
// being uploaded to Supabase.
type DataPlatform struct {
	Readings chan telemetry.Reading

	repository        *repository.Repository
	uploader          uploader
	table             string
	uploadInterval    time.Duration
	maxUploadAttempts uint
	logger            *slog.Logger
}

func New(cfg Config) (*DataPlatform, error) {

	supaClient, err := supabase.New(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseUserKey, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}

	repository, err := repository.New(cfg.BufferPath)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	return newDataPlatform(repository, supaClient, cfg), nil
}

func newDataPlatform(repository *repository.Repository, uploader uploader, cfg Config) *DataPlatform {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	interval := cfg.UploadInterval
	if interval <= 0 {
		interval = time.Second * 5
	}
	return &DataPlatform{
		Readings:          make(chan telemetry.Reading, 25), // a small buffer to allow SQLite to catch up in case the disk is slow
		repository:        repository,
		uploader:          uploader,
		table:             table,
		uploadInterval:    interval,
		maxUploadAttempts: cfg.MaxUploadAttempts,
		logger:            slog.Default().With("db_table", table),
	}
}

// Run loops until ctx is done, storing readings as they arrive and uploading them every upload interval.
func (d *DataPlatform) Run(ctx context.Context) {

	uploadTicker := time.NewTicker(d.uploadInterval)
	defer uploadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-d.Readings:
			err := d.repository.AddReading(reading)
			if err != nil {
				d.logger.Error("Failed to persist reading", "error", err)
				continue
			}
			d.logger.Debug("Stored reading", "serial_number", reading.SerialNumber)

		case <-uploadTicker.C:
			d.attemptUpload()
		}
	}
}

// attemptUpload attempts to upload the telemetry from the repository into Supabase.
func (d *DataPlatform) attemptUpload() {

	// first attempt to upload any new readings that have not been seen before
	fresh, err := d.repository.GetReadings(uploadChunkLimit, true)
	if err != nil {
		d.logger.Error("Failed to query fresh readings", "error", err)
	} else if len(fresh) > 0 {
		err = d.handleReadings(fresh)
		if err != nil {
			d.logger.Error("Failed to handle fresh readings", "error", err)
		}
	}

	// then attempt to upload any old readings that have already failed an upload at least once
	old, err := d.repository.GetReadings(uploadChunkLimit, false)
	if err != nil {
		d.logger.Error("Failed to query old readings", "error", err)
	} else if len(old) > 0 {
		err = d.handleReadings(old)
		if err != nil {
			d.logger.Error("Failed to handle old readings", "error", err)
		}
	}

	if d.maxUploadAttempts > 0 {
		dropped, err := d.repository.DeleteExhausted(d.maxUploadAttempts)
		if err != nil {
			d.logger.Error("Failed to drop exhausted readings", "error", err)
		} else if dropped > 0 {
			d.logger.Warn("Dropped readings that repeatedly failed to upload", "db_records", dropped)
		}
	}
}

// handleReadings attempts to upload the given readings. If successful, it deletes the readings from the database, if
// unsuccessful, it increments the 'upload attempt count' column and leaves the readings in the database for another time.
func (d *DataPlatform) handleReadings(readings []repository.StoredReading) error {

	uploadErr := d.uploader.Upload(d.table, convertReadings(readings))
	if uploadErr != nil {
		uploadErr := fmt.Errorf("upload failed: %w", uploadErr)
		errInc := d.repository.IncrementUploadAttemptCount(readings)
		if errInc != nil {
			return fmt.Errorf("%w: increment upload attempt count: %w", uploadErr, errInc)
		}
		return uploadErr
	}

	deleteErr := d.repository.DeleteReadings(readings)
	if deleteErr != nil {
		return fmt.Errorf("delete %d uploaded readings: %w", len(readings), deleteErr)
	}

	d.logger.Info("Uploaded readings", "db_records", len(readings))

	return nil
}

// Close releases the on-disk buffer. Readings not yet uploaded stay in it for the next run.
func (d *DataPlatform) Close() error {
	return d.repository.Close()
}
