// Package report persists a record of every maintenance load attempt,
// as JSON for tooling and as a PDF for the aircraft paperwork.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Outcome classifies how a maintenance cycle ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

// LoadRecord captures one firmware load attempt.
type LoadRecord struct {
	PartNumber     string    `json:"part_number"`
	HeaderFileName string    `json:"header_file_name"`
	SizeBytes      int64     `json:"size_bytes"`
	SHA256         string    `json:"sha256"`
	Outcome        Outcome   `json:"outcome"`
	FailureCount   int       `json:"failure_count"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Detail         string    `json:"detail,omitempty"`
}

// SaveJSON writes the record next to its PDF counterpart.
func SaveJSON(rec LoadRecord, out string) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func LoadJSON(path string) (LoadRecord, error) {
	var rec LoadRecord
	b, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(b, &rec)
	return rec, err
}

// Save writes both renderings of the record into dir, named by the
// finish timestamp, and returns the basename they share.
func Save(rec LoadRecord, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report dir: %w", err)
	}
	base := fmt.Sprintf("load_%s", rec.FinishedAt.UTC().Format("20060102T150405Z"))
	if err := SaveJSON(rec, filepath.Join(dir, base+".json")); err != nil {
		return "", fmt.Errorf("save record json: %w", err)
	}
	if err := SavePDF(rec, filepath.Join(dir, base+".pdf")); err != nil {
		return "", fmt.Errorf("save record pdf: %w", err)
	}
	return base, nil
}
