package repository

import (
	"fmt"

	"github.com/cepro/mppgateway/telemetry"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// repository stores telemetry to the local file system (sqlite) before it is uploaded to Supabase.
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredReading{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

func (r *Repository) AddReading(reading telemetry.Reading) error {
	stored := newStoredReading(reading)
	result := r.db.Create(&stored)
	return result.Error
}

func (r *Repository) DeleteReadings(readings []StoredReading) error {
	if len(readings) == 0 {
		return nil
	}
	result := r.db.Where("id IN ?", ids(readings)).Delete(&StoredReading{})
	return result.Error
}

// GetReadings returns up to `limit` readings. Fresh readings have never been offered for upload; the others have
// failed at least once and are returned least-tried first.
func (r *Repository) GetReadings(limit int, fresh bool) ([]StoredReading, error) {
	var readings []StoredReading

	query := r.db.Limit(limit).Order("upload_attempt_count asc, time desc")
	if fresh {
		query = query.Where("upload_attempt_count = ?", 0)
	} else {
		query = query.Where("upload_attempt_count > ?", 0)
	}
	result := query.Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (r *Repository) IncrementUploadAttemptCount(readings []StoredReading) error {
	if len(readings) == 0 {
		return nil
	}
	result := r.db.Model(&StoredReading{}).Where("id IN ?", ids(readings)).UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return result.Error
}

// DeleteExhausted removes readings that failed to upload `maxAttempts` times or more, returning how many were removed.
func (r *Repository) DeleteExhausted(maxAttempts uint) (int64, error) {
	result := r.db.Where("upload_attempt_count >= ?", maxAttempts).Delete(&StoredReading{})
	return result.RowsAffected, result.Error
}

func (r *Repository) Count() (int64, error) {
	var count int64
	result := r.db.Model(&StoredReading{}).Count(&count)
	return count, result.Error
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
