package transition

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cuentatron-cloud/internal/observability/metrics"
	parking "cuentatron-cloud/internal/parking/domain"
)

// PurgeWorker deletes a device's parked backlog after a grace-to-expired
// transition. Idempotent; no replay is attempted. Rows parked afterwards
// for a later billing cycle are untouched by an already-completed purge.
type PurgeWorker struct {
	parked parking.Repository
	logger *log.Logger
}

// NewPurgeWorker constructs a purge worker.
func NewPurgeWorker(parked parking.Repository, logger *log.Logger) (*PurgeWorker, error) {
	if parked == nil {
		return nil, errors.New("purge worker: nil parked repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &PurgeWorker{parked: parked, logger: logger}, nil
}

// Handle purges the device named by the task.
func (w *PurgeWorker) Handle(ctx context.Context, task Task) error {
	if err := w.parked.DeleteAllForDevice(ctx, task.DeviceID); err != nil {
		return fmt.Errorf("purge %s: %w", task.DeviceID, err)
	}
	metrics.IncPurged()
	w.logger.Printf("purge %s: parked backlog deleted", task.DeviceID)
	return nil
}
