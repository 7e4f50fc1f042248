// Package controller implements the budgeting controllers that translate
// boolean contention signals into resource budget changes: CPU quota for
// best-effort tasks, last-level cache ways, and memory bandwidth throttle
// levels. Controllers only compute allocation directives; programming the
// hardware is left to the caller.
package controller

// TaskAllocation is the per-task allocation directive returned to the host
// framework. Nil fields leave the current setting untouched.
type TaskAllocation struct {
	CPUQuota    *float64 `json:"cpu_quota,omitempty"`
	L3CacheMask *string  `json:"l3_cache_mask,omitempty"`
	MBPercent   *int     `json:"mb_percent,omitempty"`
}

// TaskAllocations maps task ids to their allocation directives.
type TaskAllocations map[string]*TaskAllocation

// Ensure returns the directive for cid, creating an empty one if absent.
func (a TaskAllocations) Ensure(cid string) *TaskAllocation {
	if alloc, ok := a[cid]; ok {
		return alloc
	}
	alloc := &TaskAllocation{}
	a[cid] = alloc
	return alloc
}

// Resource is a leveled budget: level 0 is the most restrictive setting for
// best-effort tasks, levelMax the least. Budgeting applies the current level
// to newcomer task sets.
type Resource interface {
	Budgeting(bes, lcs []string)
	LevelDown() bool
	LevelUp() bool
	IsFullLevel() bool
}

// levels is the shared level bookkeeping embedded by concrete resources.
type levels struct {
	level    int
	levelMax int
}

func (l *levels) LevelDown() bool {
	if l.level <= 0 {
		return false
	}
	l.level--
	return true
}

func (l *levels) LevelUp() bool {
	if l.level >= l.levelMax {
		return false
	}
	l.level++
	return true
}

func (l *levels) IsFullLevel() bool {
	return l.level >= l.levelMax
}

// Controller is the per-resource budgeting interface driven by the cycle
// orchestrator.
type Controller interface {
	// Budgeting seeds the initial budget when tasks appear.
	Budgeting(bes, lcs []string)
	// Update is the per-cycle rebalancing call: detected restricts the
	// best-effort budget, hold freezes it, otherwise it slowly recovers.
	Update(bes, lcs []string, detected, hold bool)
}

// NaiveController steps a leveled resource down immediately on contention
// and back up only after cycleThresh calm cycles.
type NaiveController struct {
	res         Resource
	cycleThresh int
	calmCycles  int
}

func NewNaiveController(res Resource, cycleThresh int) *NaiveController {
	if cycleThresh <= 0 {
		cycleThresh = 1
	}
	return &NaiveController{res: res, cycleThresh: cycleThresh}
}

func (c *NaiveController) Budgeting(bes, lcs []string) {
	c.res.Budgeting(bes, lcs)
}

func (c *NaiveController) Update(bes, lcs []string, detected, hold bool) {
	if detected {
		c.calmCycles = 0
		if c.res.LevelDown() {
			c.res.Budgeting(bes, lcs)
		}
		return
	}

	if hold {
		c.calmCycles = 0
		return
	}

	if c.res.IsFullLevel() {
		return
	}

	c.calmCycles++
	if c.calmCycles >= c.cycleThresh {
		c.calmCycles = 0
		if c.res.LevelUp() {
			c.res.Budgeting(bes, lcs)
		}
	}
}
