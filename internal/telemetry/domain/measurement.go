package telemetry

import (
	"context"
	"time"
)

// Measurement is one decoded telemetry sample from a metering device.
// Immutable once decoded; consumed exactly once by either the live write
// path or the parked store.
type Measurement struct {
	DeviceID string
	TS       time.Time

	Voltage        float64
	CurrentPhase   float64
	CurrentNeutral float64
	Power          float64
	ApparentPower  float64
	PowerFactor    float64
	Leakage        float64
	TempCPU        float64
	Sequence       int64
}

// WriteResult is the outcome of a bulk write attempt. Call sites must
// handle all three outcomes.
type WriteResult int

const (
	// WriteOK means the whole batch was persisted.
	WriteOK WriteResult = iota
	// WriteRequeue means the store is unreachable and the batch must be
	// returned to the buffer; no data may be dropped on this path.
	WriteRequeue
	// WriteQuarantine means the store rejected the batch permanently; the
	// writer has dumped it to the quarantine store and the batch must not
	// re-enter the pipeline.
	WriteQuarantine
)

// String returns the label used in logs and metrics.
func (r WriteResult) String() string {
	switch r {
	case WriteOK:
		return "ok"
	case WriteRequeue:
		return "requeue"
	case WriteQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// BulkWriter persists measurement batches to the time-series store.
type BulkWriter interface {
	// Write runs the full retry/reconnect/quarantine state machine.
	Write(ctx context.Context, batch []Measurement) WriteResult
	// WriteOnce performs a single logical bulk write with bounded retries
	// and no quarantine side effects; used by the replay worker so parked
	// rows are never dropped on failure.
	WriteOnce(ctx context.Context, batch []Measurement) error
}
