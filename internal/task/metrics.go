package task

import "time"

// RawCounters is one per-cycle hardware counter snapshot for a task. Counter
// fields are cumulative since task start; LLCOccupancy is a point-in-time
// sample in bytes.
type RawCounters struct {
	Cycles       uint64
	Instructions uint64
	CacheMisses  uint64
	LLCOccupancy uint64
	MemBytes     uint64
	CPUUsageNS   uint64
}

// Metrics is the derived metric set for one closed aggregation window.
type Metrics struct {
	Cycles         float64
	Instructions   float64
	CacheMisses    float64
	LLCOccupancyMB float64
	CPI            float64
	MPKI           float64
	Utilization    float64
	MemBandwidth   float64
	NormalizedFreq float64
}

// MetricKind names a single field of Metrics for history delta lookups and
// metric emission.
type MetricKind string

const (
	MetricCycles         MetricKind = "cycles"
	MetricInstructions   MetricKind = "instructions"
	MetricCacheMisses    MetricKind = "l3_misses"
	MetricLLCOccupancy   MetricKind = "l3_occupancy"
	MetricCPI            MetricKind = "cpi"
	MetricMPKI           MetricKind = "l3_mpki"
	MetricUtilization    MetricKind = "utilization"
	MetricMemBandwidth   MetricKind = "mem_bandwidth"
	MetricNormalizedFreq MetricKind = "normalized_freq"
)

// Value returns the named field of the metric set.
func (m Metrics) Value(kind MetricKind) float64 {
	switch kind {
	case MetricCycles:
		return m.Cycles
	case MetricInstructions:
		return m.Instructions
	case MetricCacheMisses:
		return m.CacheMisses
	case MetricLLCOccupancy:
		return m.LLCOccupancyMB
	case MetricCPI:
		return m.CPI
	case MetricMPKI:
		return m.MPKI
	case MetricUtilization:
		return m.Utilization
	case MetricMemBandwidth:
		return m.MemBandwidth
	case MetricNormalizedFreq:
		return m.NormalizedFreq
	}
	return 0
}

// Snapshot pairs raw counters with the wall-clock instant they were read.
type Snapshot struct {
	Timestamp time.Time
	Counters  RawCounters
}
