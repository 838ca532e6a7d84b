package ha

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// lockName identifies the migration lock in every backend.
const lockName = "datasync-migration"

// ErrLockTimeout is returned when the migration lock could not be acquired
// within the retry budget.
var ErrLockTimeout = errors.New("migration lock not acquired")

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock.
	WithLock(ctx context.Context, fn func() error) error
}

// LockOptions tunes the lock. Zero fields take defaults.
type LockOptions struct {
	Holder        string        // Recorded as the lock owner. Default: detected node address.
	Retries       int           // Table lock attempts. Default 30.
	RetryInterval time.Duration // Default 1s.
	StaleAfter    time.Duration // Table locks older than this are broken. Default 5m.
	Timeout       time.Duration // MySQL GET_LOCK wait. Default 30s.
	Logger        *slog.Logger
}

func (o *LockOptions) withDefaults() LockOptions {
	out := LockOptions{}
	if o != nil {
		out = *o
	}
	if out.Holder == "" {
		out.Holder = detectAddress()
	}
	if out.Retries <= 0 {
		out.Retries = 30
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = time.Second
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 5 * time.Minute
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// NewMigrationLocker picks a lock for the database dialect: advisory locks
// on PostgreSQL, GET_LOCK on MySQL, and a lock table elsewhere.
func NewMigrationLocker(db *gorm.DB, opts *LockOptions) MigrationLocker {
	if db == nil {
		return noopLock{}
	}
	o := opts.withDefaults()
	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{db: db, key: int64(crc32.ChecksumIEEE([]byte(lockName))), log: o.Logger}
	case "mysql":
		return &mysqlNamedLock{db: db, timeout: o.Timeout, log: o.Logger}
	default:
		l := &tableLock{db: db, opts: o}
		// Create the table now so concurrent first callers never race on it.
		_ = db.AutoMigrate(&lockRecord{})
		return l
	}
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

// Session locks must be released on the connection that took them, so both
// server-side locks pin one pooled connection for the duration of fn.

type pgAdvisoryLock struct {
	db  *gorm.DB
	key int64
	log *slog.Logger
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.key).Error; err != nil {
			return fmt.Errorf("acquire migration advisory lock: %w", err)
		}
		l.log.Debug("migration lock acquired", "backend", "postgres")
		defer func() {
			if err := conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_advisory_unlock(?)", l.key).Error; err != nil {
				l.log.Warn("failed to release migration advisory lock", "error", err)
			}
		}()
		return fn()
	})
}

type mysqlNamedLock struct {
	db      *gorm.DB
	timeout time.Duration
	log     *slog.Logger
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got sql.NullInt64
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", lockName, int(l.timeout.Seconds())).Scan(&got).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		if !got.Valid || got.Int64 != 1 {
			return fmt.Errorf("%w: GET_LOCK timed out after %s", ErrLockTimeout, l.timeout)
		}
		l.log.Debug("migration lock acquired", "backend", "mysql")
		defer func() {
			if err := conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT RELEASE_LOCK(?)", lockName).Error; err != nil {
				l.log.Warn("failed to release migration lock", "error", err)
			}
		}()
		return fn()
	})
}

// lockRecord is the single row of the table-based lock.
type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;type:varchar(64)"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "sync_migration_lock" }

// tableLock relies on the primary key: whoever inserts the row holds the
// lock. Rows older than StaleAfter are assumed to belong to a crashed holder.
type tableLock struct {
	db   *gorm.DB
	opts LockOptions
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		db := l.db.WithContext(ctx)
		db.Where("id = ? AND locked_at < ?", lockName, time.Now().Add(-l.opts.StaleAfter)).Delete(&lockRecord{})

		row := lockRecord{ID: lockName, LockedAt: time.Now(), LockedBy: l.opts.Holder}
		if lastErr = db.Create(&row).Error; lastErr == nil {
			break
		}
		if attempt >= l.opts.Retries {
			return fmt.Errorf("%w after %d attempts: %w", ErrLockTimeout, attempt, lastErr)
		}
		if attempt == 1 {
			l.opts.Logger.Info("waiting for migration lock", "holder", l.opts.Holder)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.RetryInterval):
		}
	}

	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).Where("id = ?", lockName).Delete(&lockRecord{})
	}()
	return fn()
}
