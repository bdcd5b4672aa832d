package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cuentatron-cloud/internal/parking/domain"
	"cuentatron-cloud/internal/telemetry/infrastructure/quarantine"
)

const timeLayout = time.RFC3339

// ParkedLister reads a device's parked backlog.
type ParkedLister interface {
	ListPending(ctx context.Context, deviceID string) ([]parking.ParkedRow, error)
}

// QuarantineLister reads quarantine dump metadata.
type QuarantineLister interface {
	List() ([]quarantine.Entry, error)
}

// ParkedHandler serves parked backlog queries.
type ParkedHandler struct {
	repo ParkedLister
}

// NewParkedHandler constructs a ParkedHandler.
func NewParkedHandler(repo ParkedLister) *ParkedHandler {
	return &ParkedHandler{repo: repo}
}

// ServeHTTP handles GET /api/v1/parked.
func (h *ParkedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.repo == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	rows, err := h.repo.ListPending(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "query parked error", http.StatusInternalServerError)
		return
	}

	result := make([]parkedRow, 0, len(rows))
	for _, row := range rows {
		result = append(result, parkedRow{
			ID:         row.ID,
			DeviceID:   row.DeviceID,
			EventTS:    row.EventTS.UTC().Format(timeLayout),
			RawPayload: json.RawMessage(row.RawPayload),
			InsertedAt: row.InsertedAt.UTC().Format(timeLayout),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// QuarantineHandler serves quarantine dump listings.
type QuarantineHandler struct {
	store QuarantineLister
}

// NewQuarantineHandler constructs a QuarantineHandler.
func NewQuarantineHandler(store QuarantineLister) *QuarantineHandler {
	return &QuarantineHandler{store: store}
}

// ServeHTTP handles GET /api/v1/quarantine.
func (h *QuarantineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.store == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	entries, err := h.store.List()
	if err != nil {
		http.Error(w, "list quarantine error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []quarantine.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

type parkedRow struct {
	ID         int64           `json:"id"`
	DeviceID   string          `json:"device_id"`
	EventTS    string          `json:"event_ts"`
	RawPayload json.RawMessage `json:"raw_payload"`
	InsertedAt string          `json:"inserted_at"`
}
