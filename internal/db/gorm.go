package db

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vtt-sync/internal/config"
	"vtt-sync/internal/models"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to Postgres and migrates the session tables
// Learning: GORM provides a higher-level abstraction over raw SQL
func NewGorm(cfg *config.Config, log zerolog.Logger) (*GormDB, error) {
	logMode := logger.Warn
	if cfg.DB.LogSQL {
		logMode = logger.Info // Shows SQL queries
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// Auto-migrate schema
	// Learning: GORM automatically creates/updates tables based on struct definitions
	if err := db.AutoMigrate(
		&models.SessionRecord{}, // Latest snapshot per session
		&models.PatchBatch{},    // Applied batch log
	); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	log.Info().Str("host", cfg.DB.Host).Str("database", cfg.DB.Name).Msg("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
