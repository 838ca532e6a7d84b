// Package db opens the sync database and migrates its schema.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/datasync/pkg/audit"
	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/ha"
	"github.com/kubeflow/datasync/pkg/jobs"
)

// Supported database types.
const (
	TypeMySQL    = "mysql"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Config describes the database connection.
type Config struct {
	Type            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
}

// ConfigFromEnv loads config from environment variables.
// DATABASE_TYPE (default mysql), DATABASE_DSN, DATABASE_MAX_OPEN_CONNS
// (default 20), DATABASE_MAX_IDLE_CONNS (default 5),
// DATABASE_CONN_MAX_LIFETIME_SECONDS (default 300).
func ConfigFromEnv() *Config {
	cfg := &Config{
		Type:            TypeMySQL,
		DSN:             os.Getenv("DATABASE_DSN"),
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		SlowThreshold:   time.Second,
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Type = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("DATABASE_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxIdleConns = n
		}
	}
	if v := os.Getenv("DATABASE_CONN_MAX_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ConnMaxLifetime = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// Dialector returns the gorm dialector for cfg.
func Dialector(cfg *Config) (gorm.Dialector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required (use -db-dsn flag or DATABASE_DSN environment variable)")
	}
	switch cfg.Type {
	case TypeMySQL:
		return mysql.Open(cfg.DSN), nil
	case TypePostgres, "postgresql":
		return postgres.Open(cfg.DSN), nil
	case TypeSQLite:
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected mysql, postgres or sqlite)", cfg.Type)
	}
}

// Open connects to the database and applies pool settings. SQL logging goes
// through log at warn level, so only slow queries and errors are reported.
func Open(cfg *Config, log *slog.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	gormLogger := logger.New(slog.NewLogLogger(log.Handler(), slog.LevelWarn), logger.Config{
		SlowThreshold:             cfg.SlowThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Type, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.Type == TypeSQLite {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases coherent.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return gdb, nil
}

// Models lists every table the server owns.
func Models() []any {
	models := []any{&jobs.JobSpec{}, &audit.Event{}}
	return append(models, datasync.Models()...)
}

// Migrate creates or updates every table while holding locker.
func Migrate(ctx context.Context, gdb *gorm.DB, locker ha.MigrationLocker) error {
	if locker == nil {
		locker = ha.NewMigrationLocker(nil, nil)
	}
	return locker.WithLock(ctx, func() error {
		if err := gdb.WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		return nil
	})
}
