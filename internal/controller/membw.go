package controller

import (
	"contention-agent/internal/logging"

	"github.com/sirupsen/logrus"
)

// MemBandwidth budgets the memory bandwidth throttle for best-effort tasks
// through MBA percentage levels. Level 0 throttles best-effort traffic down
// to the platform minimum; each level adds one granularity step until the
// throttle is fully lifted.
type MemBandwidth struct {
	levels

	minBandwidth int
	granularity  int
	pending      TaskAllocations
}

func NewMemBandwidth(minBandwidth, granularity int) *MemBandwidth {
	if granularity <= 0 {
		granularity = 10
	}
	if minBandwidth <= 0 {
		minBandwidth = granularity
	}
	return &MemBandwidth{
		levels:       levels{level: 0, levelMax: (100 - minBandwidth) / granularity},
		minBandwidth: minBandwidth,
		granularity:  granularity,
		pending:      make(TaskAllocations),
	}
}

// Percent returns the throttle value for the current level.
func (mb *MemBandwidth) Percent() int {
	percent := mb.minBandwidth + mb.level*mb.granularity
	if percent > 100 {
		percent = 100
	}
	return percent
}

func (mb *MemBandwidth) Budgeting(bes, lcs []string) {
	percent := mb.Percent()
	for _, cid := range bes {
		p := percent
		mb.pending.Ensure(cid).MBPercent = &p
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"level":   mb.level,
		"percent": percent,
	}).Debug("Best-effort memory bandwidth budgeted")
}

// UpdateAllocs merges pending throttle directives into out and clears the
// pending set.
func (mb *MemBandwidth) UpdateAllocs(current, out TaskAllocations) {
	for cid, alloc := range mb.pending {
		if alloc.MBPercent == nil {
			continue
		}
		if cur, ok := current[cid]; ok && cur.MBPercent != nil && *cur.MBPercent == *alloc.MBPercent {
			continue
		}
		p := *alloc.MBPercent
		out.Ensure(cid).MBPercent = &p
	}
	mb.pending = make(TaskAllocations)
}
