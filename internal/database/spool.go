package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"contention-agent/internal/detect"
)

// SpoolArtifact holds one batch of observations that could not be delivered
// to the database.
type SpoolArtifact struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Timestamp time.Time `json:"timestamp"`

	Metrics   []detect.Metric  `json:"metrics,omitempty"`
	Anomalies []detect.Anomaly `json:"anomalies,omitempty"`
}

// Spool persists undelivered batches as gzip-compressed JSON files.
type Spool struct {
	dir string
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("CONTENTION_AGENT_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

func NewSpool(dir string) *Spool {
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	return &Spool{dir: dir}
}

// Append writes one artifact atomically and returns the final file path in
// the error-free case.
func (s *Spool) Append(timestamp time.Time, metrics []detect.Metric, anomalies []detect.Anomaly) error {
	artifact := &SpoolArtifact{
		Version:   1,
		CreatedAt: time.Now(),
		Timestamp: timestamp,
		Metrics:   metrics,
		Anomalies: anomalies,
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("cycle_%s.json.gz", artifact.CreatedAt.UTC().Format("20060102T150405.000000000Z"))
	finalPath := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	ok = true
	return nil
}
