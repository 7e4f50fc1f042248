// Package task tracks per-task raw counter history and derives windowed
// contention metrics from it. One Record exists per live task; the Store
// reconciles records against the live task-id set every cycle.
package task

import (
	"time"
)

const DefaultHistoryDepth = 5

// Record holds everything the agent knows about one running task: the raw
// counter snapshot the current aggregation window started from, the running
// LLC occupancy accumulator, the derived metric set of the last closed
// window, and a bounded history of previous windows.
type Record struct {
	CID string

	prev    Snapshot
	hasPrev bool

	llcAccumulator uint64
	llcSamples     uint64

	current    Metrics
	hasCurrent bool

	history *metricsRing
}

func NewRecord(cid string, historyDepth int) *Record {
	if historyDepth <= 0 {
		historyDepth = DefaultHistoryDepth
	}
	return &Record{
		CID:     cid,
		history: newMetricsRing(historyDepth + 1),
	}
}

// Update ingests one raw counter snapshot. LLC occupancy is accumulated on
// every cycle; all delta-based metrics are recomputed only when boundary is
// true, so deltas always span whole aggregation windows.
func (r *Record) Update(timestamp time.Time, raw RawCounters, boundary bool) {
	if raw.LLCOccupancy > 0 {
		r.llcAccumulator += raw.LLCOccupancy
		r.llcSamples++
	}

	if r.hasPrev && boundary {
		deltaT := timestamp.Sub(r.prev.Timestamp).Seconds()

		m := Metrics{
			Cycles:       float64(raw.Cycles) - float64(r.prev.Counters.Cycles),
			Instructions: float64(raw.Instructions) - float64(r.prev.Counters.Instructions),
			CacheMisses:  float64(raw.CacheMisses) - float64(r.prev.Counters.CacheMisses),
		}
		if r.llcSamples > 0 {
			m.LLCOccupancyMB = float64(r.llcAccumulator) / float64(r.llcSamples) / 1024
		}
		r.llcAccumulator = 0
		r.llcSamples = 0

		// Zero instruction windows are idle, not an error.
		if m.Instructions != 0 {
			m.CPI = m.Cycles / m.Instructions
			m.MPKI = m.CacheMisses * 1000 / m.Instructions
		}

		if deltaT > 0 {
			cpuDelta := float64(raw.CPUUsageNS) - float64(r.prev.Counters.CPUUsageNS)
			m.Utilization = cpuDelta * 100 / (deltaT * 1e9)
			m.MemBandwidth = (float64(raw.MemBytes) - float64(r.prev.Counters.MemBytes)) / 1024 / 1024 / deltaT
			if m.Utilization != 0 {
				m.NormalizedFreq = m.Cycles / deltaT / 10000 / m.Utilization
			}
		}

		r.current = m
		r.hasCurrent = true
		r.history.push(m)
	}

	if !r.hasPrev || boundary {
		r.prev = Snapshot{Timestamp: timestamp, Counters: raw}
		r.hasPrev = true
	}
}

// Metrics returns the derived metric set for the most recently closed
// aggregation window. ok is false until the first window closes.
func (r *Record) Metrics() (Metrics, bool) {
	return r.current, r.hasCurrent
}

// Utilization returns the last windowed utilization, 0 before the first
// window closes.
func (r *Record) Utilization() float64 {
	return r.current.Utilization
}

// HistoryDelta measures how far the latest window deviates from the task's
// own recent baseline: 0 on empty history, the latest value when only one
// window exists, otherwise latest minus the mean of all earlier windows.
func (r *Record) HistoryDelta(kind MetricKind) float64 {
	length := r.history.len()
	if length == 0 {
		return 0
	}
	if length == 1 {
		return r.history.latest().Value(kind)
	}

	var sum float64
	for i := 0; i < length-1; i++ {
		sum += r.history.at(i).Value(kind)
	}
	return r.history.latest().Value(kind) - sum/float64(length-1)
}

// LLCOccupancyDelta is the attribution signal for last-level cache pressure.
func (r *Record) LLCOccupancyDelta() float64 {
	return r.HistoryDelta(MetricLLCOccupancy)
}

// FreqDelta is the attribution signal for thermal throttling.
func (r *Record) FreqDelta() float64 {
	return r.HistoryDelta(MetricNormalizedFreq)
}

// LatestMemBandwidth is the attribution signal for memory bandwidth
// pressure, 0 before the first window closes.
func (r *Record) LatestMemBandwidth() float64 {
	if !r.hasCurrent {
		return 0
	}
	return r.current.MemBandwidth
}
