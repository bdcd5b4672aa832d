package influx

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	telemetry "cuentatron-cloud/internal/telemetry/domain"
)

const (
	measurementName = "energy"

	defaultMaxRetries   = 3
	defaultBackoffBase  = time.Second
	defaultWriteTimeout = 15 * time.Second
)

// BlockingWriter is the slice of the InfluxDB blocking write API the
// writer depends on; the real client and test fakes both satisfy it.
type BlockingWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// DialFunc establishes a connection to the time-series store and returns
// the write handle plus a close function.
type DialFunc func(ctx context.Context) (BlockingWriter, func(), error)

// QuarantineStore receives batches the store permanently rejected.
type QuarantineStore interface {
	Write(batch []telemetry.Measurement, cause error) (string, error)
}

// Config holds the InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Writer performs bulk writes with bounded retries, reconnection on
// failure, and quarantine on permanent rejection.
type Writer struct {
	dial       DialFunc
	quarantine QuarantineStore
	logger     *log.Logger

	maxRetries   int
	backoffBase  time.Duration
	writeTimeout time.Duration
	sleep        func(time.Duration)

	mu      sync.Mutex
	api     BlockingWriter
	closeFn func()
}

// Option configures a Writer.
type Option func(*Writer)

// WithMaxRetries overrides the retry attempt count.
func WithMaxRetries(attempts int) Option {
	return func(w *Writer) {
		if attempts > 0 {
			w.maxRetries = attempts
		}
	}
}

// WithBackoffBase overrides the first backoff delay.
func WithBackoffBase(base time.Duration) Option {
	return func(w *Writer) {
		if base > 0 {
			w.backoffBase = base
		}
	}
}

// WithWriteTimeout overrides the per-call timeout.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(w *Writer) {
		if timeout > 0 {
			w.writeTimeout = timeout
		}
	}
}

// WithDial overrides how connections are established.
func WithDial(dial DialFunc) Option {
	return func(w *Writer) {
		if dial != nil {
			w.dial = dial
		}
	}
}

// WithSleep overrides the backoff sleeper.
func WithSleep(sleep func(time.Duration)) Option {
	return func(w *Writer) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// NewWriter constructs a writer; call Connect before first use.
func NewWriter(cfg Config, quarantine QuarantineStore, logger *log.Logger, opts ...Option) (*Writer, error) {
	if quarantine == nil {
		return nil, errors.New("influx writer: nil quarantine store")
	}
	if logger == nil {
		logger = log.Default()
	}
	writer := &Writer{
		quarantine:   quarantine,
		logger:       logger,
		maxRetries:   defaultMaxRetries,
		backoffBase:  defaultBackoffBase,
		writeTimeout: defaultWriteTimeout,
		sleep:        time.Sleep,
	}
	writer.dial = func(ctx context.Context) (BlockingWriter, func(), error) {
		if cfg.URL == "" || cfg.Token == "" {
			return nil, nil, errors.New("influx writer: url and token required")
		}
		client := influxdb2.NewClient(cfg.URL, cfg.Token)
		ok, err := client.Ping(ctx)
		if err != nil || !ok {
			client.Close()
			if err == nil {
				err = errors.New("ping not ready")
			}
			return nil, nil, fmt.Errorf("influx writer: ping %s: %w", cfg.URL, err)
		}
		return client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close, nil
	}
	for _, opt := range opts {
		opt(writer)
	}
	return writer, nil
}

// Connect establishes the initial connection. This is the only path where
// store unavailability is allowed to be fatal to the process.
func (w *Writer) Connect(ctx context.Context) error {
	return w.reconnect(ctx)
}

// Close releases the underlying client.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeFn != nil {
		w.closeFn()
		w.closeFn = nil
	}
	w.api = nil
}

// Write attempts the bulk write: maxRetries attempts with exponential
// backoff, then one reconnect-and-retry. A failed reconnect means the
// store is unreachable and the batch is worth keeping (requeue); a failed
// write over a fresh connection means the store refuses the content and
// the batch is quarantined so it cannot starve later batches.
func (w *Writer) Write(ctx context.Context, batch []telemetry.Measurement) telemetry.WriteResult {
	if len(batch) == 0 {
		return telemetry.WriteOK
	}

	err := w.writeWithRetry(ctx, batch)
	if err == nil {
		return telemetry.WriteOK
	}

	w.logger.Printf("influx write failed after %d attempts, reconnecting: %v", w.maxRetries, err)
	if rerr := w.reconnect(ctx); rerr != nil {
		w.logger.Printf("influx reconnect failed, requeueing %d points: %v", len(batch), rerr)
		return telemetry.WriteRequeue
	}

	err = w.writePoints(ctx, batch)
	if err == nil {
		w.logger.Printf("influx write succeeded after reconnect (%d points)", len(batch))
		return telemetry.WriteOK
	}

	w.logger.Printf("influx rejected batch on a fresh connection, quarantining %d points: %v", len(batch), err)
	if path, qerr := w.quarantine.Write(batch, err); qerr != nil {
		w.logger.Printf("quarantine write failed: %v", qerr)
	} else {
		w.logger.Printf("batch quarantined: %s", path)
	}
	return telemetry.WriteQuarantine
}

// WriteOnce performs the bulk write with the same retry and reconnect
// policy but never quarantines; the replay worker owns the backlog and
// must not drop it.
func (w *Writer) WriteOnce(ctx context.Context, batch []telemetry.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	err := w.writeWithRetry(ctx, batch)
	if err == nil {
		return nil
	}
	if rerr := w.reconnect(ctx); rerr != nil {
		return fmt.Errorf("influx write: reconnect: %w", rerr)
	}
	return w.writePoints(ctx, batch)
}

func (w *Writer) writeWithRetry(ctx context.Context, batch []telemetry.Measurement) error {
	var err error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			w.sleep(w.backoffBase << (attempt - 1))
		}
		err = w.writePoints(ctx, batch)
		if err == nil {
			return nil
		}
		w.logger.Printf("influx write attempt %d/%d failed: %v", attempt+1, w.maxRetries, err)
	}
	return err
}

func (w *Writer) writePoints(ctx context.Context, batch []telemetry.Measurement) error {
	w.mu.Lock()
	api := w.api
	w.mu.Unlock()
	if api == nil {
		return errors.New("influx writer: not connected")
	}

	points := make([]*write.Point, 0, len(batch))
	for _, m := range batch {
		points = append(points, buildPoint(m))
	}

	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	return api.WritePoint(ctx, points...)
}

func (w *Writer) reconnect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeFn != nil {
		w.closeFn()
		w.closeFn = nil
		w.api = nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	api, closeFn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	w.api = api
	w.closeFn = closeFn
	return nil
}

func buildPoint(m telemetry.Measurement) *write.Point {
	tags := map[string]string{"device_id": m.DeviceID}
	fields := map[string]any{
		"vrms":         m.Voltage,
		"irms_phase":   m.CurrentPhase,
		"irms_neutral": m.CurrentNeutral,
		"power":        m.Power,
		"va":           m.ApparentPower,
		"power_factor": m.PowerFactor,
		"leakage":      m.Leakage,
		"temp_cpu":     m.TempCPU,
		"sequence":     m.Sequence,
	}
	// Device clocks report whole seconds.
	return write.NewPoint(measurementName, tags, fields, m.TS.Truncate(time.Second))
}

var _ telemetry.BulkWriter = (*Writer)(nil)
