package mqtt

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	entitlement "cuentatron-cloud/internal/entitlement/domain"
	"cuentatron-cloud/internal/observability/metrics"
	"cuentatron-cloud/internal/telemetry/application"
	telemetry "cuentatron-cloud/internal/telemetry/domain"
)

const defaultParkTimeout = 5 * time.Second

// Resolver decides how a device's data is routed.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) entitlement.Status
}

// Parker stores raw payloads for grace-period devices.
type Parker interface {
	Park(ctx context.Context, deviceID string, eventTS time.Time, rawPayload []byte) error
}

// BootStore records device boot reports.
type BootStore interface {
	Upsert(ctx context.Context, report telemetry.BootReport) error
}

// Handler splits inbound messages by topic, decodes them, and routes
// measurements by entitlement: active to the batch buffer, grace to the
// parked store, expired and unknown to the discard path. Decode failures
// are logged and dropped; nothing here may take down the delivery loop.
type Handler struct {
	bootTopic         string
	measurementPrefix string

	buffer      *application.Buffer
	resolver    Resolver
	parked      Parker
	boots       BootStore
	epochs      telemetry.BootEpochSource
	logger      *log.Logger
	parkTimeout time.Duration
}

// HandlerConfig names the subscribed topics.
type HandlerConfig struct {
	BootTopic        string
	MeasurementTopic string // wildcard topic, e.g. cuentatron/measurements/+
}

// NewHandler constructs a dispatch handler.
func NewHandler(cfg HandlerConfig, buffer *application.Buffer, resolver Resolver, parked Parker, boots BootStore, epochs telemetry.BootEpochSource, logger *log.Logger) (*Handler, error) {
	if cfg.BootTopic == "" || cfg.MeasurementTopic == "" {
		return nil, errors.New("mqtt handler: boot and measurement topics required")
	}
	if buffer == nil {
		return nil, errors.New("mqtt handler: nil buffer")
	}
	if resolver == nil {
		return nil, errors.New("mqtt handler: nil resolver")
	}
	if parked == nil {
		return nil, errors.New("mqtt handler: nil parked store")
	}
	if boots == nil {
		return nil, errors.New("mqtt handler: nil boot store")
	}
	if logger == nil {
		logger = log.Default()
	}
	prefix := strings.TrimSuffix(cfg.MeasurementTopic, "+")
	if prefix == cfg.MeasurementTopic || prefix == "" {
		return nil, errors.New("mqtt handler: measurement topic must end in a device wildcard")
	}
	return &Handler{
		bootTopic:         cfg.BootTopic,
		measurementPrefix: prefix,
		buffer:            buffer,
		resolver:          resolver,
		parked:            parked,
		boots:             boots,
		epochs:            epochs,
		logger:            logger,
		parkTimeout:       defaultParkTimeout,
	}, nil
}

// HandleMessage dispatches one inbound message by topic.
func (h *Handler) HandleMessage(ctx context.Context, topic string, payload []byte) {
	switch {
	case topic == h.bootTopic:
		metrics.IncMessage("boot")
		h.handleBoot(ctx, payload)
	case strings.HasPrefix(topic, h.measurementPrefix):
		deviceID := strings.TrimPrefix(topic, h.measurementPrefix)
		if deviceID == "" || strings.Contains(deviceID, "/") {
			metrics.IncMessage("malformed")
			h.logger.Printf("malformed measurement topic: %s", topic)
			return
		}
		metrics.IncMessage("measurement")
		h.handleMeasurement(ctx, deviceID, payload)
	default:
		metrics.IncMessage("unexpected")
		h.logger.Printf("message on unexpected topic: %s", topic)
	}
}

func (h *Handler) handleBoot(ctx context.Context, payload []byte) {
	report, err := telemetry.DecodeBootReport(payload)
	if err != nil {
		metrics.IncDecodeError()
		h.logger.Printf("dropping boot message: %v", err)
		return
	}
	upsertCtx, cancel := context.WithTimeout(ctx, h.parkTimeout)
	defer cancel()
	if err := h.boots.Upsert(upsertCtx, report); err != nil {
		h.logger.Printf("boot session upsert failed for %s: %v", report.DeviceID, err)
		return
	}
	h.logger.Printf("boot report: %s @ %s", report.DeviceID, time.Unix(report.BootTimeUnix, 0).UTC().Format(time.RFC3339))
}

func (h *Handler) handleMeasurement(ctx context.Context, deviceID string, payload []byte) {
	record, err := telemetry.DecodeMeasurement(deviceID, payload, h.epochs)
	if err != nil {
		metrics.IncDecodeError()
		h.logger.Printf("dropping measurement from %s: %v", deviceID, err)
		return
	}

	switch status := h.resolver.Resolve(ctx, deviceID); status {
	case entitlement.StatusActive:
		metrics.IncRouted("live")
		h.buffer.Append(record)
		h.buffer.MaybeFlush(ctx)
	case entitlement.StatusGrace:
		metrics.IncRouted("parked")
		parkCtx, cancel := context.WithTimeout(ctx, h.parkTimeout)
		defer cancel()
		if err := h.parked.Park(parkCtx, deviceID, record.TS, payload); err != nil {
			h.logger.Printf("park failed for %s: %v", deviceID, err)
			return
		}
		metrics.IncParked()
	case entitlement.StatusExpired:
		metrics.IncRouted("discard")
		metrics.IncDiscarded("expired")
	default:
		metrics.IncRouted("discard")
		metrics.IncDiscarded("unknown")
	}
}
