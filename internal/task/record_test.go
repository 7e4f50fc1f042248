package task

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordUpdate_DerivesWindowMetrics(t *testing.T) {
	rec := NewRecord("c0", DefaultHistoryDepth)
	base := time.Unix(1000, 0)

	rec.Update(base, RawCounters{
		Cycles:       1000,
		Instructions: 500,
		CacheMisses:  10,
		LLCOccupancy: 2048 * 1024,
		MemBytes:     0,
		CPUUsageNS:   0,
	}, true)

	if _, ok := rec.Metrics(); ok {
		t.Fatalf("expected no metrics before the first window closes")
	}

	// One window of 10 seconds: +10000 cycles, +5000 instructions,
	// +100 misses, +100 MiB memory traffic, 5 CPU-seconds of usage.
	rec.Update(base.Add(10*time.Second), RawCounters{
		Cycles:       11000,
		Instructions: 5500,
		CacheMisses:  110,
		LLCOccupancy: 2048 * 1024,
		MemBytes:     100 * 1024 * 1024,
		CPUUsageNS:   5e9,
	}, true)

	m, ok := rec.Metrics()
	if !ok {
		t.Fatalf("expected metrics after the window closed")
	}
	if !approxEqual(m.CPI, 2.0) {
		t.Fatalf("expected CPI 2.0, got %v", m.CPI)
	}
	if !approxEqual(m.MPKI, 20.0) {
		t.Fatalf("expected MPKI 20.0, got %v", m.MPKI)
	}
	if !approxEqual(m.Utilization, 50.0) {
		t.Fatalf("expected utilization 50%%, got %v", m.Utilization)
	}
	if !approxEqual(m.MemBandwidth, 10.0) {
		t.Fatalf("expected 10 MB/s, got %v", m.MemBandwidth)
	}
	// Occupancy was sampled twice at 2048 KiB, averaged and scaled to MB.
	if !approxEqual(m.LLCOccupancyMB, 2048) {
		t.Fatalf("expected 2048 MB occupancy, got %v", m.LLCOccupancyMB)
	}
	// 10000 cycles / 10 s / 10000 / 50% utilization.
	if !approxEqual(m.NormalizedFreq, 0.002) {
		t.Fatalf("expected normalized freq 0.002, got %v", m.NormalizedFreq)
	}
}

func TestRecordUpdate_ZeroInstructionWindowIsIdle(t *testing.T) {
	rec := NewRecord("c0", DefaultHistoryDepth)
	base := time.Unix(1000, 0)

	rec.Update(base, RawCounters{Cycles: 100, Instructions: 50}, true)
	rec.Update(base.Add(time.Second), RawCounters{Cycles: 200, Instructions: 50, CacheMisses: 5}, true)

	m, ok := rec.Metrics()
	if !ok {
		t.Fatalf("expected metrics")
	}
	if m.CPI != 0 || m.MPKI != 0 {
		t.Fatalf("expected CPI and MPKI to stay 0 for an idle window, got %v %v", m.CPI, m.MPKI)
	}
}

func TestRecordUpdate_BaselineAdvancesOnlyAtBoundary(t *testing.T) {
	rec := NewRecord("c0", DefaultHistoryDepth)
	base := time.Unix(1000, 0)

	rec.Update(base, RawCounters{Cycles: 0, Instructions: 0}, false)

	// Mid-window updates must not move the baseline.
	rec.Update(base.Add(time.Second), RawCounters{Cycles: 500, Instructions: 100}, false)
	rec.Update(base.Add(2*time.Second), RawCounters{Cycles: 1000, Instructions: 200}, true)

	m, ok := rec.Metrics()
	if !ok {
		t.Fatalf("expected metrics at boundary")
	}
	// Delta spans the whole window back to the first snapshot.
	if !approxEqual(m.Cycles, 1000) || !approxEqual(m.Instructions, 200) {
		t.Fatalf("expected window deltas 1000/200, got %v/%v", m.Cycles, m.Instructions)
	}
}

func TestRecordUpdate_OccupancyAccumulatesAcrossCycles(t *testing.T) {
	rec := NewRecord("c0", DefaultHistoryDepth)
	base := time.Unix(1000, 0)

	rec.Update(base, RawCounters{LLCOccupancy: 1024 * 1024}, false)
	rec.Update(base.Add(time.Second), RawCounters{LLCOccupancy: 3 * 1024 * 1024}, false)
	rec.Update(base.Add(2*time.Second), RawCounters{LLCOccupancy: 2 * 1024 * 1024}, true)

	// First call seeds the baseline, so the boundary at t=2 closes a window.
	m, ok := rec.Metrics()
	if !ok {
		t.Fatalf("expected metrics at boundary")
	}
	// Mean of 1, 3 and 2 MiB in KiB units divided by 1024.
	if !approxEqual(m.LLCOccupancyMB, 2048) {
		t.Fatalf("expected 2048 MB averaged occupancy, got %v", m.LLCOccupancyMB)
	}

	// Accumulator resets after the boundary.
	rec.Update(base.Add(3*time.Second), RawCounters{LLCOccupancy: 4 * 1024 * 1024}, true)
	m, _ = rec.Metrics()
	if !approxEqual(m.LLCOccupancyMB, 4096) {
		t.Fatalf("expected fresh accumulator after boundary, got %v", m.LLCOccupancyMB)
	}
}

func TestHistoryDelta(t *testing.T) {
	rec := NewRecord("c0", 3)

	if d := rec.HistoryDelta(MetricCPI); d != 0 {
		t.Fatalf("expected 0 on empty history, got %v", d)
	}

	rec.history.push(Metrics{CPI: 2.0})
	if d := rec.HistoryDelta(MetricCPI); !approxEqual(d, 2.0) {
		t.Fatalf("expected latest value with single entry, got %v", d)
	}

	rec.history.push(Metrics{CPI: 4.0})
	// latest - mean(earlier) = 4 - 2 = 2
	if d := rec.HistoryDelta(MetricCPI); !approxEqual(d, 2.0) {
		t.Fatalf("expected 2.0, got %v", d)
	}

	rec.history.push(Metrics{CPI: 9.0})
	// 9 - mean(2, 4) = 6
	if d := rec.HistoryDelta(MetricCPI); !approxEqual(d, 6.0) {
		t.Fatalf("expected 6.0, got %v", d)
	}
}

func TestMetricsRing_EvictsOldest(t *testing.T) {
	ring := newMetricsRing(3)
	for i := 1; i <= 5; i++ {
		ring.push(Metrics{Cycles: float64(i)})
	}
	if ring.len() != 3 {
		t.Fatalf("expected length 3, got %d", ring.len())
	}
	if ring.at(0).Cycles != 3 || ring.at(1).Cycles != 4 || ring.latest().Cycles != 5 {
		t.Fatalf("unexpected ring order: %v %v %v", ring.at(0).Cycles, ring.at(1).Cycles, ring.latest().Cycles)
	}
}

func TestStore_RemoveAbsent(t *testing.T) {
	store := NewStore(DefaultHistoryDepth)
	store.Ensure("a")
	store.Ensure("b")
	store.Ensure("c")

	store.RemoveAbsent(map[string]struct{}{"a": {}, "c": {}})

	if store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", store.Len())
	}
	if store.Get("b") != nil {
		t.Fatalf("expected record b to be removed")
	}
	if store.Get("a") == nil {
		t.Fatalf("expected record a to survive")
	}
}

func TestStore_EnsureReportsCreation(t *testing.T) {
	store := NewStore(DefaultHistoryDepth)

	_, created := store.Ensure("a")
	if !created {
		t.Fatalf("expected first Ensure to create")
	}
	_, created = store.Ensure("a")
	if created {
		t.Fatalf("expected second Ensure to reuse")
	}
}
