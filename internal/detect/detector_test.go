package detect

import (
	"testing"
	"time"

	"contention-agent/internal/model"
	"contention-agent/internal/task"
)

// closeWindow drives one one-second aggregation window so the record ends
// up with the requested derived metrics.
func closeWindow(cid string, util, cpi, mpki, mb float64) *task.Record {
	rec := task.NewRecord(cid, task.DefaultHistoryDepth)
	base := time.Unix(1000, 0)

	rec.Update(base, task.RawCounters{}, true)
	rec.Update(base.Add(time.Second), task.RawCounters{
		Cycles:       uint64(cpi * 1000),
		Instructions: 1000,
		CacheMisses:  uint64(mpki),
		MemBytes:     uint64(mb * 1024 * 1024),
		CPUUsageNS:   uint64(util * 1e7),
	}, true)

	return rec
}

func hasResource(resources []Resource, want Resource) bool {
	for _, r := range resources {
		if r == want {
			return true
		}
	}
	return false
}

var testBins = []model.BinThreshold{
	{UtilStart: 50, UtilEnd: 100, CPI: 1.5, MPKI: 10, MB: 100},
	{UtilStart: 150, UtilEnd: 200, CPI: 2.0, MPKI: 20, MB: 200},
}

func TestDetect_UtilizationBelowFirstBin(t *testing.T) {
	rec := closeWindow("c0", 30, 99, 999, 0)
	resources, _ := Detect(rec, testBins)
	if resources != nil {
		t.Fatalf("expected no detection below the first bin, got %v", resources)
	}
}

func TestDetect_GapFallsBackToLowerBin(t *testing.T) {
	// 120% sits past the first bin's end but before the second bin's
	// start, so the first bin's thresholds apply.
	rec := closeWindow("c0", 120, 1.8, 15, 500)
	resources, _ := Detect(rec, testBins)
	if !hasResource(resources, ResourceLLC) {
		t.Fatalf("expected LLC contention via the lower bin, got %v", resources)
	}
}

func TestDetect_OpenEndedTopBin(t *testing.T) {
	rec := closeWindow("c0", 250, 3.0, 25, 500)
	resources, _ := Detect(rec, testBins)
	if !hasResource(resources, ResourceLLC) {
		t.Fatalf("expected the last bin to cover utilization past its end, got %v", resources)
	}
}

func TestDetect_CPIGate(t *testing.T) {
	// MPKI is far past the threshold, but CPI at or below the bar means
	// the task is not degraded.
	rec := closeWindow("c0", 60, 1.5, 999, 0)
	resources, _ := Detect(rec, testBins)
	if resources != nil {
		t.Fatalf("expected no detection without CPI degradation, got %v", resources)
	}
}

func TestDetect_LLCOnly(t *testing.T) {
	rec := closeWindow("c0", 60, 2.0, 15, 500)
	resources, diagnostics := Detect(rec, testBins)
	if len(resources) != 1 || resources[0] != ResourceLLC {
		t.Fatalf("expected exactly LLC, got %v", resources)
	}
	if len(diagnostics) == 0 {
		t.Fatalf("expected diagnostic metrics")
	}
}

func TestDetect_MemoryBandwidthOnly(t *testing.T) {
	rec := closeWindow("c0", 60, 2.0, 5, 50)
	resources, _ := Detect(rec, testBins)
	if len(resources) != 1 || resources[0] != ResourceMemoryBW {
		t.Fatalf("expected exactly memory bandwidth, got %v", resources)
	}
}

func TestDetect_BothResources(t *testing.T) {
	rec := closeWindow("c0", 60, 2.0, 15, 50)
	resources, _ := Detect(rec, testBins)
	if !hasResource(resources, ResourceLLC) || !hasResource(resources, ResourceMemoryBW) {
		t.Fatalf("expected both resources, got %v", resources)
	}
	if hasResource(resources, ResourceUnknown) {
		t.Fatalf("unknown must not fire alongside a concrete resource")
	}
}

func TestDetect_UnknownReason(t *testing.T) {
	// CPI degraded but cache misses are low and bandwidth is plentiful.
	rec := closeWindow("c0", 60, 2.0, 5, 500)
	resources, _ := Detect(rec, testBins)
	if len(resources) != 1 || resources[0] != ResourceUnknown {
		t.Fatalf("expected unknown, got %v", resources)
	}
}

func TestDetect_NoMetricsYet(t *testing.T) {
	rec := task.NewRecord("c0", task.DefaultHistoryDepth)
	resources, _ := Detect(rec, testBins)
	if resources != nil {
		t.Fatalf("expected no detection before the first window, got %v", resources)
	}
}

func TestTDPDetect(t *testing.T) {
	tdp := &model.TDPThreshold{Util: 90, Bar: 0.02}

	// Utilization 100%, cycles chosen for a normalized frequency of 0.01.
	rec := closeWindow("c0", 100, 10.0, 0, 0)
	res, diagnostics := TDPDetect(rec, tdp)
	if res != ResourceTDP {
		t.Fatalf("expected TDP contention, got %q", res)
	}
	if len(diagnostics) != 4 {
		t.Fatalf("expected 4 diagnostic metrics, got %d", len(diagnostics))
	}

	// Below the utilization threshold nothing fires, however low the
	// frequency.
	rec = closeWindow("c1", 50, 10.0, 0, 0)
	if res, _ := TDPDetect(rec, tdp); res != "" {
		t.Fatalf("expected no TDP detection below the utilization threshold, got %q", res)
	}

	// Fast enough: frequency at or above the bar.
	rec = closeWindow("c2", 100, 300.0, 0, 0)
	if res, _ := TDPDetect(rec, tdp); res != "" {
		t.Fatalf("expected no TDP detection at healthy frequency, got %q", res)
	}

	if res, _ := TDPDetect(rec, nil); res != "" {
		t.Fatalf("expected no detection without a TDP model, got %q", res)
	}
}
