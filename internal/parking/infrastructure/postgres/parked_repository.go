package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	parking "cuentatron-cloud/internal/parking/domain"
)

const defaultParkedTable = "parked_measurements"

// ParkedRepository is the Postgres parked store.
type ParkedRepository struct {
	db    *sql.DB
	table string
}

// ParkedOption configures the parked repository.
type ParkedOption func(*ParkedRepository)

// WithParkedTable overrides the table name.
func WithParkedTable(table string) ParkedOption {
	return func(repo *ParkedRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewParkedRepository constructs a parked repository.
func NewParkedRepository(db *sql.DB, opts ...ParkedOption) *ParkedRepository {
	repo := &ParkedRepository{db: db, table: defaultParkedTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// EnsureSchema creates the parked table when missing.
func (r *ParkedRepository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("parked repository: nil db")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	device_id VARCHAR(40) NOT NULL,
	event_ts TIMESTAMPTZ NOT NULL,
	raw_payload BYTEA NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_%s_device_ts ON %s (device_id, event_ts)`, r.table, r.table, r.table)
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Park inserts one raw measurement row.
func (r *ParkedRepository) Park(ctx context.Context, deviceID string, eventTS time.Time, rawPayload []byte) error {
	if r == nil || r.db == nil {
		return errors.New("parked repository: nil db")
	}
	if deviceID == "" {
		return errors.New("parked repository: empty device id")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, event_ts, raw_payload)
VALUES ($1, $2, $3)`, r.table)
	_, err := r.db.ExecContext(ctx, query, deviceID, eventTS.UTC(), rawPayload)
	return err
}

// ListPending returns a device's parked rows in event-timestamp order.
func (r *ParkedRepository) ListPending(ctx context.Context, deviceID string) ([]parking.ParkedRow, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("parked repository: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, device_id, event_ts, raw_payload, inserted_at
FROM %s
WHERE device_id = $1
ORDER BY event_ts ASC, id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []parking.ParkedRow
	for rows.Next() {
		var row parking.ParkedRow
		if err := rows.Scan(&row.ID, &row.DeviceID, &row.EventTS, &row.RawPayload, &row.InsertedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteByIDs removes exactly the given rows in a single transaction on a
// dedicated connection, so a replay rollback never touches the pool
// connections serving live ingestion.
func (r *ParkedRepository) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if r == nil || r.db == nil {
		return errors.New("parked repository: nil db")
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("parked repository: acquire conn: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("parked repository: begin tx: %w", err)
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, r.table)
	if _, err := tx.ExecContext(ctx, query, ids); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("parked repository: delete rows: %w", err)
	}
	return tx.Commit()
}

// DeleteAllForDevice removes the device's whole backlog.
func (r *ParkedRepository) DeleteAllForDevice(ctx context.Context, deviceID string) error {
	if r == nil || r.db == nil {
		return errors.New("parked repository: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE device_id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, deviceID)
	return err
}

var _ parking.Repository = (*ParkedRepository)(nil)
