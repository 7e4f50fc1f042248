package controller

import (
	"fmt"
	"testing"
)

// fakeResource records calls so the naive stepping policy can be observed.
type fakeResource struct {
	levels
	budgetCalls int
}

func (f *fakeResource) Budgeting(bes, lcs []string) {
	f.budgetCalls++
}

func TestNaiveController_StepsDownImmediately(t *testing.T) {
	res := &fakeResource{levels: levels{level: 5, levelMax: 10}}
	ctl := NewNaiveController(res, 3)

	ctl.Update([]string{"be0"}, nil, true, false)
	if res.level != 4 {
		t.Fatalf("expected level 4 after contention, got %d", res.level)
	}
	if res.budgetCalls != 1 {
		t.Fatalf("expected budgeting after level change, got %d calls", res.budgetCalls)
	}
}

func TestNaiveController_StepsUpAfterCalmCycles(t *testing.T) {
	res := &fakeResource{levels: levels{level: 5, levelMax: 10}}
	ctl := NewNaiveController(res, 3)

	ctl.Update(nil, nil, false, false)
	ctl.Update(nil, nil, false, false)
	if res.level != 5 {
		t.Fatalf("expected no recovery before the calm threshold, got %d", res.level)
	}
	ctl.Update(nil, nil, false, false)
	if res.level != 6 {
		t.Fatalf("expected recovery on the third calm cycle, got %d", res.level)
	}
}

func TestNaiveController_ContentionResetsCalmCount(t *testing.T) {
	res := &fakeResource{levels: levels{level: 5, levelMax: 10}}
	ctl := NewNaiveController(res, 3)

	ctl.Update(nil, nil, false, false)
	ctl.Update(nil, nil, false, false)
	ctl.Update(nil, nil, true, false) // back to level 4, calm reset
	ctl.Update(nil, nil, false, false)
	ctl.Update(nil, nil, false, false)
	if res.level != 4 {
		t.Fatalf("expected calm count reset by contention, got level %d", res.level)
	}
}

func TestNaiveController_HoldFreezesBudget(t *testing.T) {
	res := &fakeResource{levels: levels{level: 5, levelMax: 10}}
	ctl := NewNaiveController(res, 2)

	ctl.Update(nil, nil, false, false)
	ctl.Update(nil, nil, false, true) // hold resets calm progress
	ctl.Update(nil, nil, false, false)
	if res.level != 5 {
		t.Fatalf("expected hold to freeze the level, got %d", res.level)
	}
}

func TestNaiveController_NoRecoveryPastFullLevel(t *testing.T) {
	res := &fakeResource{levels: levels{level: 10, levelMax: 10}}
	ctl := NewNaiveController(res, 1)

	ctl.Update(nil, nil, false, false)
	if res.level != 10 || res.budgetCalls != 0 {
		t.Fatalf("expected no action at full level, got level %d with %d calls", res.level, res.budgetCalls)
	}
}

func TestLLCOccupancy_MaskLadder(t *testing.T) {
	llc, err := NewLLCOccupancy(12, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Level 0 hands best-effort tasks the top 2 ways, latency-critical
	// tasks keep the bottom 10, and the partitions never overlap.
	if llc.beMasks[0] != 0xc00 {
		t.Fatalf("expected be mask 0xc00 at level 0, got 0x%x", llc.beMasks[0])
	}
	if llc.lcMasks[0] != 0x3ff {
		t.Fatalf("expected lc mask 0x3ff at level 0, got 0x%x", llc.lcMasks[0])
	}
	for i := range llc.beMasks {
		if llc.beMasks[i]&llc.lcMasks[i] != 0 {
			t.Fatalf("masks overlap at level %d: 0x%x & 0x%x", i, llc.beMasks[i], llc.lcMasks[i])
		}
	}
	// The ladder widens the best-effort share monotonically.
	for i := 1; i < len(llc.beMasks); i++ {
		if llc.beMasks[i] <= llc.beMasks[i-1] {
			t.Fatalf("ladder not monotonic at level %d", i)
		}
	}
}

func TestLLCOccupancy_ExclusiveCapsLadder(t *testing.T) {
	llc, err := NewLLCOccupancy(12, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if llc.levelMax != 6 {
		t.Fatalf("expected ladder capped at half the cache, got %d", llc.levelMax)
	}
}

func TestLLCOccupancy_RejectsTinyCache(t *testing.T) {
	if _, err := NewLLCOccupancy(1, false); err == nil {
		t.Fatalf("expected error for a single-way cache")
	}
}

func TestLLCOccupancy_BudgetingEmitsMasks(t *testing.T) {
	llc, err := NewLLCOccupancy(12, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	llc.Budgeting([]string{"be0"}, []string{"lc0"})

	out := make(TaskAllocations)
	llc.UpdateAllocs(make(TaskAllocations), out)

	be, ok := out["be0"]
	if !ok || be.L3CacheMask == nil {
		t.Fatalf("expected a best-effort cache mask")
	}
	if *be.L3CacheMask != fmt.Sprintf("0x%x", llc.beMasks[0]) {
		t.Fatalf("unexpected be mask %s", *be.L3CacheMask)
	}
	lc, ok := out["lc0"]
	if !ok || lc.L3CacheMask == nil {
		t.Fatalf("expected a latency-critical cache mask in exclusive mode")
	}

	// Pending directives are consumed.
	out2 := make(TaskAllocations)
	llc.UpdateAllocs(make(TaskAllocations), out2)
	if len(out2) != 0 {
		t.Fatalf("expected pending set cleared, got %d directives", len(out2))
	}
}

func TestMemBandwidth_PercentLadder(t *testing.T) {
	mb := NewMemBandwidth(10, 10)

	if mb.levelMax != 9 {
		t.Fatalf("expected 9 levels, got %d", mb.levelMax)
	}
	if mb.Percent() != 10 {
		t.Fatalf("expected minimum percent at level 0, got %d", mb.Percent())
	}
	for i := 0; i < 4; i++ {
		mb.LevelUp()
	}
	if mb.Percent() != 50 {
		t.Fatalf("expected 50%% at level 4, got %d", mb.Percent())
	}
	for i := 0; i < 20; i++ {
		mb.LevelUp()
	}
	if mb.Percent() != 100 {
		t.Fatalf("expected percent capped at 100, got %d", mb.Percent())
	}
}

func TestCPUQuota_DetectMarginExceed(t *testing.T) {
	cpu := NewCPUQuota(200, 0.5)

	// 100 LC + 40 BE + 50 margin = 190 <= 200: healthy.
	exceed, hold := cpu.DetectMarginExceed(100, 40)
	if exceed {
		t.Fatalf("expected no exceed with headroom")
	}
	// Double margin pushes past the ceiling: hold.
	if !hold {
		t.Fatalf("expected hold near the ceiling")
	}

	// 100 LC + 60 BE + 50 margin = 210 > 200: exceed.
	exceed, hold = cpu.DetectMarginExceed(100, 60)
	if !exceed || hold {
		t.Fatalf("expected exceed without hold, got exceed=%v hold=%v", exceed, hold)
	}

	// An idle LC partition always throttles best-effort growth.
	exceed, _ = cpu.DetectMarginExceed(0, 10)
	if !exceed {
		t.Fatalf("expected exceed with idle latency-critical tasks")
	}

	// Comfortable headroom: neither exceed nor hold.
	exceed, hold = cpu.DetectMarginExceed(40, 10)
	if exceed || hold {
		t.Fatalf("expected calm state, got exceed=%v hold=%v", exceed, hold)
	}
}

func TestCPUQuota_BudgetingScalesByLevel(t *testing.T) {
	cpu := NewCPUQuota(200, 0.5)
	cpu.SetShare("be0", 0)
	cpu.LevelDown() // level 9 of 10

	cpu.Budgeting([]string{"be0"}, []string{"lc0"})

	out := make(TaskAllocations)
	cpu.UpdateAllocs(make(TaskAllocations), out, 4)

	be, ok := out["be0"]
	if !ok || be.CPUQuota == nil {
		t.Fatalf("expected a best-effort quota")
	}
	// 9/10 of 4 CPUs.
	if *be.CPUQuota != 3.6 {
		t.Fatalf("expected quota 3.6, got %v", *be.CPUQuota)
	}
	lc, ok := out["lc0"]
	if !ok || lc.CPUQuota == nil || *lc.CPUQuota != 4 {
		t.Fatalf("expected latency-critical tasks unthrottled")
	}
}

func TestCPUQuota_UpdateAllocsSkipsUnchanged(t *testing.T) {
	cpu := NewCPUQuota(200, 0.5)
	cpu.Budgeting([]string{"be0"}, nil)

	quota := 4.0
	current := TaskAllocations{"be0": &TaskAllocation{CPUQuota: &quota}}
	out := make(TaskAllocations)
	cpu.UpdateAllocs(current, out, 4)

	if len(out) != 0 {
		t.Fatalf("expected unchanged quota to be skipped, got %d directives", len(out))
	}
}
