package common

import (
	"context"
	"fmt"

	"github.com/lgulliver/waypoint/pkg/config"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database is the gorm handle shared by the guide, attachment and auth stores
type Database struct {
	*gorm.DB
}

// NewDatabase opens PostgreSQL and applies the pool limits from cfg
func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database %s on %s:%d: %w", cfg.DBName, cfg.Host, cfg.Port, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.DBName).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Connected to database")

	return &Database{DB: gdb}, nil
}

// Migrate creates or updates the users, guides and attachments tables
func (db *Database) Migrate() error {
	if err := db.AutoMigrate(&types.User{}, &types.Guide{}, &types.Attachment{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Ping checks that the database answers
func (db *Database) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
