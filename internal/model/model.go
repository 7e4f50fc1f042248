// Package model provides read access to the per-application statistical
// threshold tables produced by the offline trace analyzer. The agent never
// trains thresholds itself; it loads them once at startup and only ever
// raises the global latency-critical utilization ceiling when observed
// utilization exceeds the stored value.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"contention-agent/internal/logging"
)

// BinThreshold holds the contention thresholds for one utilization bin.
// Bins are ordered by UtilStart and interpreted as [UtilStart, UtilEnd).
type BinThreshold struct {
	UtilStart float64 `json:"util_start"`
	UtilEnd   float64 `json:"util_end"`
	CPI       float64 `json:"cpi"`
	MPKI      float64 `json:"mpki"`
	MB        float64 `json:"mb"`
}

// TDPThreshold holds the thermal design power thresholds: a task running at
// or above Util whose normalized frequency drops below Bar is throttled.
type TDPThreshold struct {
	Util float64 `json:"util"`
	Bar  float64 `json:"bar"`
}

// AppThresholds is the per-application model entry.
type AppThresholds struct {
	TDP    *TDPThreshold  `json:"tdp,omitempty"`
	Thresh []BinThreshold `json:"thresh,omitempty"`
}

// ThresholdModel is the on-disk model document.
type ThresholdModel struct {
	LCUtilMax float64                  `json:"lcutilmax"`
	Workloads map[string]AppThresholds `json:"workloads"`
}

// Accessor is the read-mostly view of the threshold model consumed by the
// detection path. RaiseLCUtilizationCeiling is the single mutation allowed.
type Accessor interface {
	ThresholdsFor(app string) ([]BinThreshold, bool)
	TDPThresholdFor(app string) (*TDPThreshold, bool)
	LCUtilizationCeiling() float64
	RaiseLCUtilizationCeiling(newValue float64)
	Applications() []string
}

type fileModel struct {
	mu    sync.RWMutex
	model ThresholdModel
}

// Load reads a threshold model document from path. A missing or malformed
// file is fatal to the caller in detect mode: there is nothing sensible to
// detect against without a model.
func Load(path string) (Accessor, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("path", path).WithError(err).Error("Cannot read threshold model")
		return nil, fmt.Errorf("read threshold model %s: %w", path, err)
	}

	var m ThresholdModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse threshold model %s: %w", path, err)
	}
	if m.Workloads == nil {
		m.Workloads = make(map[string]AppThresholds)
	}

	logger.WithField("workloads", len(m.Workloads)).Info("Threshold model loaded")
	return &fileModel{model: m}, nil
}

// New builds an in-memory accessor, used by collect mode (empty model) and
// by tests.
func New(m ThresholdModel) Accessor {
	if m.Workloads == nil {
		m.Workloads = make(map[string]AppThresholds)
	}
	return &fileModel{model: m}
}

func (f *fileModel) ThresholdsFor(app string) ([]BinThreshold, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.model.Workloads[app]
	if !ok || len(entry.Thresh) == 0 {
		return nil, false
	}
	return entry.Thresh, true
}

func (f *fileModel) TDPThresholdFor(app string) (*TDPThreshold, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.model.Workloads[app]
	if !ok || entry.TDP == nil {
		return nil, false
	}
	tdp := *entry.TDP
	return &tdp, true
}

func (f *fileModel) LCUtilizationCeiling() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.model.LCUtilMax
}

func (f *fileModel) RaiseLCUtilizationCeiling(newValue float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newValue > f.model.LCUtilMax {
		f.model.LCUtilMax = newValue
	}
}

func (f *fileModel) Applications() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	apps := make([]string, 0, len(f.model.Workloads))
	for app := range f.model.Workloads {
		apps = append(apps, app)
	}
	return apps
}
