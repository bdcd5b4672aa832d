package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cuentatron-cloud/internal/observability/metrics"
	telemetry "cuentatron-cloud/internal/telemetry/domain"
)

// Store writes rejected batches to per-batch JSON dump files. Dumps are
// write-once operator artifacts; the pipeline never reads them back.
type Store struct {
	dir string
	now func() time.Time
}

// Dump is the on-disk shape of a quarantined batch.
type Dump struct {
	QuarantinedAt time.Time               `json:"quarantined_at"`
	Cause         string                  `json:"cause"`
	PointCount    int                     `json:"point_count"`
	Points        []telemetry.Measurement `json:"points"`
}

// Entry describes one dump file for the ops API.
type Entry struct {
	File          string    `json:"file"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	Cause         string    `json:"cause"`
	PointCount    int       `json:"point_count"`
}

// NewStore constructs a quarantine store rooted at dir, creating it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("quarantine: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quarantine: create dir: %w", err)
	}
	return &Store{dir: dir, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Write dumps a batch with its causing error and returns the file path.
func (s *Store) Write(batch []telemetry.Measurement, cause error) (string, error) {
	if s == nil {
		return "", errors.New("quarantine: nil store")
	}
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	dump := Dump{
		QuarantinedAt: s.now(),
		Cause:         causeText,
		PointCount:    len(batch),
		Points:        batch,
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("quarantine: marshal: %w", err)
	}

	name := fmt.Sprintf("batch_%s_%s.json", dump.QuarantinedAt.Format("20060102T150405Z"), uuid.NewString())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("quarantine: write %s: %w", name, err)
	}
	metrics.ObserveQuarantine(len(batch))
	return path, nil
}

// List returns dump entries, newest first.
func (s *Store) List() ([]Entry, error) {
	if s == nil {
		return nil, errors.New("quarantine: nil store")
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("quarantine: read dir: %w", err)
	}

	var entries []Entry
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, file.Name()))
		if err != nil {
			continue
		}
		var dump Dump
		if err := json.Unmarshal(data, &dump); err != nil {
			continue
		}
		entries = append(entries, Entry{
			File:          file.Name(),
			QuarantinedAt: dump.QuarantinedAt,
			Cause:         dump.Cause,
			PointCount:    dump.PointCount,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QuarantinedAt.After(entries[j].QuarantinedAt)
	})
	return entries, nil
}
