// Package store persists sessions, logical turns, and workflow step
// checkpoints. Turn rows are the durable record the orchestrator resumes
// from after a crash; only plain turn data is persisted, never the live
// turn context.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"acf/internal/logging"
)

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and runs migrations.
// Supported drivers: sqlite, postgres.
func Open(driver, dsn string) (*Store, error) {
	db, err := openGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logging.Store("store ready (driver=%s)", driver)
	return s, nil
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &turnRow{}, &checkpointRow{})
}
