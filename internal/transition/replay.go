package transition

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cuentatron-cloud/internal/observability/metrics"
	parking "cuentatron-cloud/internal/parking/domain"
	telemetry "cuentatron-cloud/internal/telemetry/domain"
)

// ReplayWorker moves a device's parked backlog into the time-series store
// after a grace-to-active transition. The bulk write is a single logical
// call; on any failure no rows are deleted, so the backlog is retried on
// a later transition. The time-series store overwrites points on the same
// tag set and timestamp, which keeps retried replays from double
// counting.
type ReplayWorker struct {
	parked parking.Repository
	writer telemetry.BulkWriter
	logger *log.Logger
}

// NewReplayWorker constructs a replay worker.
func NewReplayWorker(parked parking.Repository, writer telemetry.BulkWriter, logger *log.Logger) (*ReplayWorker, error) {
	if parked == nil {
		return nil, errors.New("replay worker: nil parked repository")
	}
	if writer == nil {
		return nil, errors.New("replay worker: nil writer")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ReplayWorker{parked: parked, writer: writer, logger: logger}, nil
}

// Handle replays the device named by the task.
func (w *ReplayWorker) Handle(ctx context.Context, task Task) error {
	rows, err := w.parked.ListPending(ctx, task.DeviceID)
	if err != nil {
		return fmt.Errorf("replay %s: list pending: %w", task.DeviceID, err)
	}
	if len(rows) == 0 {
		w.logger.Printf("replay %s: nothing parked", task.DeviceID)
		return nil
	}

	batch := make([]telemetry.Measurement, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		m, err := telemetry.DecodeMeasurementAt(row.DeviceID, row.RawPayload, row.EventTS)
		if err != nil {
			w.logger.Printf("replay %s: skipping undecodable row %d: %v", task.DeviceID, row.ID, err)
			continue
		}
		batch = append(batch, m)
		ids = append(ids, row.ID)
	}
	if len(batch) == 0 {
		w.logger.Printf("replay %s: no decodable rows among %d parked", task.DeviceID, len(rows))
		return nil
	}

	if err := w.writer.WriteOnce(ctx, batch); err != nil {
		return fmt.Errorf("replay %s: bulk write of %d points: %w", task.DeviceID, len(batch), err)
	}
	if err := w.parked.DeleteByIDs(ctx, ids); err != nil {
		return fmt.Errorf("replay %s: delete %d replayed rows: %w", task.DeviceID, len(ids), err)
	}
	metrics.AddReplayed(len(ids))
	w.logger.Printf("replay %s: %d points written, %d rows skipped", task.DeviceID, len(batch), len(rows)-len(batch))
	return nil
}
