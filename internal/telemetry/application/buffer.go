package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"cuentatron-cloud/internal/observability/metrics"
	telemetry "cuentatron-cloud/internal/telemetry/domain"
)

const (
	defaultBatchSize    = 50
	defaultFlushTimeout = 10 * time.Second
)

// Buffer accumulates measurements between bulk writes. It is shared by the
// message-handling path and the flush scheduler; all read-modify-write
// sequences run under the mutex. The bulk write itself happens outside the
// lock so producers are never blocked on the network.
type Buffer struct {
	mu        sync.Mutex
	records   []telemetry.Measurement
	lastFlush time.Time

	batchSize    int
	flushTimeout time.Duration
	writer       telemetry.BulkWriter
	logger       *log.Logger
	now          func() time.Time
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithBatchSize overrides the size threshold.
func WithBatchSize(size int) BufferOption {
	return func(b *Buffer) {
		if size > 0 {
			b.batchSize = size
		}
	}
}

// WithFlushTimeout overrides the age threshold.
func WithFlushTimeout(timeout time.Duration) BufferOption {
	return func(b *Buffer) {
		if timeout > 0 {
			b.flushTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuffer constructs a batch buffer draining into the given writer.
func NewBuffer(writer telemetry.BulkWriter, logger *log.Logger, opts ...BufferOption) (*Buffer, error) {
	if writer == nil {
		return nil, errors.New("buffer: nil writer")
	}
	if logger == nil {
		logger = log.Default()
	}
	buffer := &Buffer{
		batchSize:    defaultBatchSize,
		flushTimeout: defaultFlushTimeout,
		writer:       writer,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(buffer)
	}
	buffer.lastFlush = buffer.now()
	return buffer, nil
}

// Append adds a record and reports whether the size threshold was reached.
func (b *Buffer) Append(record telemetry.Measurement) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record)
	metrics.SetBufferSize(len(b.records))
	return len(b.records) >= b.batchSize
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// MaybeFlush flushes when the size or age threshold is met.
func (b *Buffer) MaybeFlush(ctx context.Context) {
	reason := ""
	b.mu.Lock()
	count := len(b.records)
	switch {
	case count >= b.batchSize:
		reason = "size"
	case count > 0 && b.now().Sub(b.lastFlush) >= b.flushTimeout:
		reason = "timeout"
	}
	b.mu.Unlock()

	if reason == "" {
		return
	}
	b.logger.Printf("buffer flush triggered by %s (%d records)", reason, count)
	b.Flush(ctx)
}

// Flush detaches the current batch atomically and hands it to the writer.
// A requeued batch is restored to the front of the buffer in its original
// order so no record is lost on a transient failure.
func (b *Buffer) Flush(ctx context.Context) telemetry.WriteResult {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return telemetry.WriteOK
	}
	batch := b.records
	b.records = nil
	metrics.SetBufferSize(0)
	b.mu.Unlock()

	start := b.now()
	result := b.writer.Write(ctx, batch)
	metrics.ObserveFlush(result.String(), len(batch), b.now().Sub(start))

	switch result {
	case telemetry.WriteOK:
		b.mu.Lock()
		b.lastFlush = b.now()
		b.mu.Unlock()
	case telemetry.WriteRequeue:
		b.mu.Lock()
		b.records = append(batch, b.records...)
		metrics.SetBufferSize(len(b.records))
		b.mu.Unlock()
		b.logger.Printf("buffer flush requeued %d records", len(batch))
	case telemetry.WriteQuarantine:
		// The writer already dumped the batch; dropping it here keeps the
		// rest of the stream flowing.
		b.logger.Printf("buffer flush quarantined %d records", len(batch))
	}
	return result
}

// Close performs the best-effort final flush on shutdown.
func (b *Buffer) Close(ctx context.Context) {
	if b.Len() == 0 {
		return
	}
	b.logger.Printf("final flush of %d buffered records", b.Len())
	b.Flush(ctx)
}
