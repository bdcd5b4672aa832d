package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// BootEpochSource resolves a device's last reported boot time, used to
// anchor payloads that still carry a relative millisecond clock.
type BootEpochSource interface {
	BootEpoch(deviceID string) (time.Time, bool)
}

// BootReport is the control-topic payload announcing a device start.
type BootReport struct {
	DeviceID     string `json:"device_id"`
	BootTimeUnix int64  `json:"boot_time_unix"`
}

// ErrNoTimestamp reports a measurement payload with no usable event time.
var ErrNoTimestamp = errors.New("measurement decode: no usable timestamp")

// DecodeBootReport parses a boot message.
func DecodeBootReport(payload []byte) (BootReport, error) {
	var report BootReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return BootReport{}, fmt.Errorf("boot decode: %w", err)
	}
	if report.DeviceID == "" || report.BootTimeUnix <= 0 {
		return BootReport{}, errors.New("boot decode: missing device_id or boot_time_unix")
	}
	return report, nil
}

// DecodeMeasurement parses a measurement payload. Timestamps are taken
// from the absolute `ts_unix` field; payloads from firmware still
// reporting a relative `ts_ms` clock are anchored to the device's boot
// epoch. Missing numeric fields coerce to zero.
func DecodeMeasurement(deviceID string, payload []byte, epochs BootEpochSource) (Measurement, error) {
	raw, err := decodeRaw(payload)
	if err != nil {
		return Measurement{}, err
	}

	var ts time.Time
	if unix, ok := numField(raw, "ts_unix"); ok && unix > 0 {
		ts = time.Unix(int64(unix), 0).UTC()
	} else if rel, ok := numField(raw, "ts_ms"); ok && epochs != nil {
		if epoch, found := epochs.BootEpoch(deviceID); found {
			ts = epoch.Add(time.Duration(rel) * time.Millisecond).UTC()
		}
	}
	if ts.IsZero() {
		return Measurement{}, ErrNoTimestamp
	}
	return measurementFromRaw(deviceID, ts, raw), nil
}

// DecodeMeasurementAt parses a measurement payload with a known event
// time, ignoring whatever clock the payload carries. The replay path uses
// the timestamp captured when the row was parked, which was resolved
// against the boot epoch current at arrival.
func DecodeMeasurementAt(deviceID string, payload []byte, ts time.Time) (Measurement, error) {
	raw, err := decodeRaw(payload)
	if err != nil {
		return Measurement{}, err
	}
	return measurementFromRaw(deviceID, ts.UTC(), raw), nil
}

func decodeRaw(payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("measurement decode: %w", err)
	}
	return raw, nil
}

func measurementFromRaw(deviceID string, ts time.Time, raw map[string]any) Measurement {
	seq, _ := numField(raw, "seq")
	return Measurement{
		DeviceID:       deviceID,
		TS:             ts,
		Voltage:        numFieldOrZero(raw, "vrms"),
		CurrentPhase:   numFieldOrZero(raw, "irms_p"),
		CurrentNeutral: numFieldOrZero(raw, "irms_n"),
		Power:          numFieldOrZero(raw, "pwr"),
		ApparentPower:  numFieldOrZero(raw, "va"),
		PowerFactor:    numFieldOrZero(raw, "pf"),
		Leakage:        numFieldOrZero(raw, "leak"),
		TempCPU:        numFieldOrZero(raw, "temp"),
		Sequence:       int64(seq),
	}
}

func numFieldOrZero(raw map[string]any, key string) float64 {
	value, _ := numField(raw, key)
	return value
}

func numField(raw map[string]any, key string) (float64, bool) {
	value, ok := raw[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
