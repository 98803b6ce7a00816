// Package database is the gorm-backed telemetry and market-state store. It
// owns the prediction and independent-position tables; candle, indicator, and
// funding tables are shared with the market-data refresher.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by point reads that match no row.
var ErrNotFound = gorm.ErrRecordNotFound

const (
	maxOpenConns    = 10
	connMaxIdleTime = 5 * time.Minute

	pingTimeout      = 5 * time.Second
	reconnectTimeout = 10 * time.Second
)

// Store wraps the gorm handle and remembers its DSN for reconnects.
type Store struct {
	db  *gorm.DB
	dsn string
}

// New opens the store and migrates the schema. A postgres:// DSN selects
// PostgreSQL; anything else is treated as a SQLite path.
func New(dsn string) (*Store, error) {
	db, err := open(dsn)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&HourlyCandle{},
		&IndicatorBundle{},
		&FundingRate{},
		&Prediction{},
		&IndependentPosition{},
		&CopyTrade{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, dsn: dsn}, nil
}

func open(dsn string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return db, nil
}

// Ping is the per-scan health probe: SELECT 1 with a short deadline.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

// Reconnect drops the current connection pool and dials a fresh one. Used
// once per scan when the health probe fails; a second failure aborts the scan.
func (s *Store) Reconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
	defer cancel()

	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}

	db, err := open(s.dsn)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	s.db = db
	log.Warn().Msg("Database reconnected after failed health probe")

	return s.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
