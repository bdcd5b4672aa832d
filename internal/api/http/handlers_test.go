package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	parking "cuentatron-cloud/internal/parking/domain"
	"cuentatron-cloud/internal/telemetry/infrastructure/quarantine"
)

type stubParkedLister struct {
	rows []parking.ParkedRow
	err  error
}

func (s stubParkedLister) ListPending(ctx context.Context, deviceID string) ([]parking.ParkedRow, error) {
	return s.rows, s.err
}

type stubQuarantineLister struct {
	entries []quarantine.Entry
	err     error
}

func (s stubQuarantineLister) List() ([]quarantine.Entry, error) {
	return s.entries, s.err
}

func TestParkedHandler_RequiresDeviceID(t *testing.T) {
	handler := NewParkedHandler(stubParkedLister{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/parked", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestParkedHandler_ListsBacklog(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	handler := NewParkedHandler(stubParkedLister{rows: []parking.ParkedRow{
		{ID: 7, DeviceID: "dev-1", EventTS: ts, RawPayload: []byte(`{"seq":1}`), InsertedAt: ts},
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/parked?device_id=dev-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var rows []parkedRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ID != 7 || rows[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected row %+v", rows[0])
	}
	if rows[0].EventTS != ts.Format(time.RFC3339) {
		t.Fatalf("unexpected event ts %q", rows[0].EventTS)
	}
	if string(rows[0].RawPayload) != `{"seq":1}` {
		t.Fatalf("unexpected payload %s", rows[0].RawPayload)
	}
}

func TestParkedHandler_MethodNotAllowed(t *testing.T) {
	handler := NewParkedHandler(stubParkedLister{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/parked?device_id=dev-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestParkedHandler_QueryError(t *testing.T) {
	handler := NewParkedHandler(stubParkedLister{err: errors.New("db down")})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/parked?device_id=dev-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestQuarantineHandler_ListsDumps(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	handler := NewQuarantineHandler(stubQuarantineLister{entries: []quarantine.Entry{
		{File: "batch_a.json", QuarantinedAt: at, Cause: "bad field", PointCount: 12},
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quarantine", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var entries []quarantine.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 1 || entries[0].PointCount != 12 {
		t.Fatalf("unexpected entries %v", entries)
	}
}

func TestQuarantineHandler_EmptyListIsArray(t *testing.T) {
	handler := NewQuarantineHandler(stubQuarantineLister{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/quarantine", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := resp.Body.String(); body != "[]\n" {
		t.Fatalf("expected empty json array, got %q", body)
	}
}
