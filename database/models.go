// Package database provides connection management and schema setup for the
// market data store.
//
// This package includes:
//   - Database connection management using GORM and PostgreSQL (SQLite for local runs and tests)
//   - Schema migration with explicit foreign keys
//   - An explicit dependents-first deletion order (no ORM cascades)
//   - Translation of driver errors into application error kinds
//
// Data Models:
//
//	All data models (StockData, DateMapping, Model, ...) are defined in the
//	models_pkg package so the per-table repositories can share them.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"optiver-forecast/config"
	models "optiver-forecast/database/models_pkg"
)

// Database holds the GORM database connection and provides access to the underlying DB instance.
type Database struct {
	db *gorm.DB
}

// DB returns the underlying GORM database instance.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Connect establishes a PostgreSQL connection using GORM and configures the pool.
func Connect(cfg config.DatabaseConfig) (*Database, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	return &Database{db: db}, nil
}

// Open connects using the configured driver.
func Open(cfg config.DatabaseConfig) (*Database, error) {
	if cfg.Driver == "sqlite" {
		return ConnectSQLite(cfg.SQLitePath)
	}
	return Connect(cfg)
}

// ConnectSQLite opens a SQLite database. A single connection is used so an
// in-memory database is shared by every query.
func ConnectSQLite(dsn string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &Database{db: db}, nil
}

// Ping checks if the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates every table. Parents are migrated before the
// tables referencing them.
func (d *Database) Migrate() error {
	if err := d.db.AutoMigrate(
		&models.DateMapping{},
		&models.StockData{},
		&models.Model{},
		&models.ModelInference{},
		&models.TrainingSession{},
		&models.Job{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}

// IsPostgres reports whether db talks to PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// Type aliases so callers can use database.StockData without importing models_pkg.
type StockData = models.StockData
type DateMapping = models.DateMapping
type Model = models.Model
type ModelInference = models.ModelInference
type TrainingSession = models.TrainingSession
type Job = models.Job
