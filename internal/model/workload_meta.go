package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// WorkloadMeta maps application keys to the resource assignment observed in
// collect mode. It is rewritten once per cycle while collecting and read
// back at startup in detect mode.
type WorkloadMeta map[string]map[string]float64

func LoadWorkloadMeta(path string) (WorkloadMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload metadata %s: %w", path, err)
	}

	var meta WorkloadMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse workload metadata %s: %w", path, err)
	}
	return meta, nil
}

func SaveWorkloadMeta(path string, meta WorkloadMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
