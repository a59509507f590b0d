package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for the pre-flight check.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresConfig configures the PostgreSQL connection and pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c PostgresConfig) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c PostgresConfig) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c PostgresConfig) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// OpenPostgres connects to PostgreSQL and migrates the executions table.
// The DSN is checked with a plain connection first so a bad DSN fails
// fast with a driver-level error instead of a migration error.
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	probe, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	pingErr := probe.Ping()
	_ = probe.Close()
	if pingErr != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", pingErr)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	store, err := newGormStore(db, DriverPostgres, slogger)
	if err != nil {
		return nil, err
	}

	slogger.Info("postgres history store opened",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()))
	return store, nil
}
