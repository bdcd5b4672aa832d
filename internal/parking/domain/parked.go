package parking

import (
	"context"
	"time"
)

// ParkedRow is a raw measurement held durably while its device is in the
// grace state. Rows are owned by the parked store; transition workers
// borrow them for one operation and either delete them (success) or leave
// them untouched (failure, retried on a later transition).
type ParkedRow struct {
	ID         int64
	DeviceID   string
	EventTS    time.Time
	RawPayload []byte
	InsertedAt time.Time
}

// Repository persists parked rows.
type Repository interface {
	// Park inserts a row; no dedup, insertion order per device.
	Park(ctx context.Context, deviceID string, eventTS time.Time, rawPayload []byte) error
	// ListPending returns a device's rows ordered by event timestamp.
	ListPending(ctx context.Context, deviceID string) ([]ParkedRow, error)
	// DeleteByIDs removes exactly the given rows in one transaction on a
	// connection not shared with the ingest path.
	DeleteByIDs(ctx context.Context, ids []int64) error
	// DeleteAllForDevice removes a device's backlog; idempotent.
	DeleteAllForDevice(ctx context.Context, deviceID string) error
}
