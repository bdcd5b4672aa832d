package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	telemetry "cuentatron-cloud/internal/telemetry/domain"
)

const defaultBootTable = "device_boot_sessions"

// BootSessionRepository tracks each device's last reported boot time. The
// durable table survives restarts; a small in-memory cache keeps decoder
// lookups off the hot path.
type BootSessionRepository struct {
	db    *sql.DB
	table string

	mu    sync.RWMutex
	cache map[string]time.Time
}

// BootOption configures the boot session repository.
type BootOption func(*BootSessionRepository)

// WithBootTable overrides the table name.
func WithBootTable(table string) BootOption {
	return func(repo *BootSessionRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewBootSessionRepository constructs a boot session repository.
func NewBootSessionRepository(db *sql.DB, opts ...BootOption) *BootSessionRepository {
	repo := &BootSessionRepository{db: db, table: defaultBootTable, cache: make(map[string]time.Time)}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// EnsureSchema creates the boot session table when missing.
func (r *BootSessionRepository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("boot repository: nil db")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	device_id VARCHAR(40) PRIMARY KEY,
	boot_time_unix BIGINT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, r.table)
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Upsert records a device boot report.
func (r *BootSessionRepository) Upsert(ctx context.Context, report telemetry.BootReport) error {
	if r == nil || r.db == nil {
		return errors.New("boot repository: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, boot_time_unix, last_updated)
VALUES ($1, $2, NOW())
ON CONFLICT (device_id) DO UPDATE
SET boot_time_unix = EXCLUDED.boot_time_unix,
	last_updated = NOW()`, r.table)
	if _, err := r.db.ExecContext(ctx, query, report.DeviceID, report.BootTimeUnix); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[report.DeviceID] = time.Unix(report.BootTimeUnix, 0).UTC()
	r.mu.Unlock()
	return nil
}

// BootEpoch returns the device's last boot time, consulting the durable
// table on a cache miss.
func (r *BootSessionRepository) BootEpoch(deviceID string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	r.mu.RLock()
	epoch, ok := r.cache[deviceID]
	r.mu.RUnlock()
	if ok {
		return epoch, true
	}
	if r.db == nil {
		return time.Time{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf(`SELECT boot_time_unix FROM %s WHERE device_id = $1`, r.table)
	var bootUnix int64
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&bootUnix)
	if err != nil {
		return time.Time{}, false
	}
	epoch = time.Unix(bootUnix, 0).UTC()
	r.mu.Lock()
	r.cache[deviceID] = epoch
	r.mu.Unlock()
	return epoch, true
}

var _ telemetry.BootEpochSource = (*BootSessionRepository)(nil)
