package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blendforge/blendforge/internal/config"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/glebarez/sqlite"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Type     string // "sqlite" or "postgres"
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	DataDir  string // For SQLite
}

// GetDatabaseConfig reads database configuration from environment variables.
func GetDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Type:     config.Get("DB_TYPE", "sqlite"),
		Host:     config.Get("DB_HOST", "localhost"),
		Port:     config.GetInt("DB_PORT", 5432),
		User:     config.Get("DB_USER", "manager"),
		Password: config.Get("DB_PASSWORD", ""),
		DBName:   config.Get("DB_NAME", "manager"),
		SSLMode:  config.Get("DB_SSLMODE", "disable"),
		DataDir:  config.Get("DATA_DIR", "/data"),
	}
}

// Initialize sets up the database connection and runs migrations.
func Initialize() error {
	cfg := GetDatabaseConfig()

	var err error
	switch cfg.Type {
	case "postgres":
		DB, err = initPostgres(cfg)
	case "sqlite":
		DB, err = initSQLite(cfg)
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := runAutoMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := RunGormigrations(); err != nil {
		return fmt.Errorf("failed to run schema migrations: %w", err)
	}

	logging.InfoWithComponent(logging.ComponentDatabase, "database initialized", "type", cfg.Type)
	return nil
}

func initPostgres(cfg *DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: getGormLogger()})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func initSQLite(cfg *DatabaseConfig) (*gorm.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "manager.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: getGormLogger()})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	sqlDB.SetMaxIdleConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	return db, nil
}

// runAutoMigrations runs GORM auto-migration for every registered model.
func runAutoMigrations() error {
	logging.InfoWithComponent(logging.ComponentDatabase, "running auto-migrations")
	for _, model := range GetAllModels() {
		if err := DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	logging.InfoWithComponent(logging.ComponentDatabase, "auto-migrations complete")
	return nil
}

// RunGormigrations applies versioned, non-declarative schema changes that
// AutoMigrate cannot express (column drops, data backfills).
func RunGormigrations() error {
	m := gormigrate.New(DB, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "20260101_backfill_job_submitted_at",
			Migrate: func(tx *gorm.DB) error {
				return tx.Model(&Job{}).
					Where("submitted_at IS NULL OR submitted_at = ?", time.Time{}).
					Update("submitted_at", time.Now().UTC()).Error
			},
			Rollback: func(tx *gorm.DB) error { return nil },
		},
	})
	return m.Migrate()
}

// getGormLogger returns the GORM logger tier based on the configured log level.
func getGormLogger() logger.Interface {
	logLevel := logger.Warn
	if config.Get("LOG_LEVEL", "") == "DEBUG" {
		logLevel = logger.Info
	}
	return logger.Default.LogMode(logLevel)
}

// GetDB returns the global database handle.
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
