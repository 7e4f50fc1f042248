package detect

import (
	"testing"
	"time"

	"contention-agent/internal/task"
)

// storeWithBandwidth builds a store where each task has closed one window
// with the given memory bandwidth in MB/s.
func storeWithBandwidth(bandwidths map[string]float64) *task.Store {
	store := task.NewStore(task.DefaultHistoryDepth)
	base := time.Unix(1000, 0)
	for cid, mb := range bandwidths {
		rec, _ := store.Ensure(cid)
		rec.Update(base, task.RawCounters{}, true)
		rec.Update(base.Add(time.Second), task.RawCounters{
			MemBytes: uint64(mb * 1024 * 1024),
		}, true)
	}
	return store
}

func TestAttribute_PicksLargestBandwidthConsumer(t *testing.T) {
	store := storeWithBandwidth(map[string]float64{
		"victim": 10,
		"light":  50,
		"heavy":  500,
	})
	victim := store.Get("victim")

	got := Attribute(store, victim, ResourceMemoryBW)
	if len(got) != 1 || got[0] != "heavy" {
		t.Fatalf("expected [heavy], got %v", got)
	}
}

func TestAttribute_NeverPicksSelf(t *testing.T) {
	store := storeWithBandwidth(map[string]float64{
		"victim": 500,
	})
	victim := store.Get("victim")

	if got := Attribute(store, victim, ResourceMemoryBW); got != nil {
		t.Fatalf("expected no contender when alone, got %v", got)
	}
}

func TestAttribute_RequiresStrictlyPositiveDelta(t *testing.T) {
	store := storeWithBandwidth(map[string]float64{
		"victim": 10,
		"idle":   0,
	})
	victim := store.Get("victim")

	if got := Attribute(store, victim, ResourceMemoryBW); got != nil {
		t.Fatalf("expected no contender with zero bandwidth, got %v", got)
	}
}

func TestAttribute_UnknownCarriesNoContender(t *testing.T) {
	store := storeWithBandwidth(map[string]float64{
		"victim": 10,
		"heavy":  500,
	})
	victim := store.Get("victim")

	if got := Attribute(store, victim, ResourceUnknown); got != nil {
		t.Fatalf("expected no contender for unknown, got %v", got)
	}
}

func TestAttribute_LLCUsesOccupancyDelta(t *testing.T) {
	store := task.NewStore(task.DefaultHistoryDepth)
	base := time.Unix(1000, 0)

	victim, _ := store.Ensure("victim")
	victim.Update(base, task.RawCounters{}, true)

	// grower's occupancy rises between windows, shrinker's falls.
	grower, _ := store.Ensure("grower")
	grower.Update(base, task.RawCounters{}, true)
	grower.Update(base.Add(time.Second), task.RawCounters{LLCOccupancy: 1024 * 1024}, true)
	grower.Update(base.Add(2*time.Second), task.RawCounters{LLCOccupancy: 8 * 1024 * 1024}, true)

	shrinker, _ := store.Ensure("shrinker")
	shrinker.Update(base, task.RawCounters{}, true)
	shrinker.Update(base.Add(time.Second), task.RawCounters{LLCOccupancy: 8 * 1024 * 1024}, true)
	shrinker.Update(base.Add(2*time.Second), task.RawCounters{LLCOccupancy: 1024 * 1024}, true)

	got := Attribute(store, victim, ResourceLLC)
	if len(got) != 1 || got[0] != "grower" {
		t.Fatalf("expected [grower], got %v", got)
	}
}
