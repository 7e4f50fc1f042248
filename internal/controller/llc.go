package controller

import (
	"fmt"

	"contention-agent/internal/logging"

	"github.com/sirupsen/logrus"
)

// LLCOccupancy budgets last-level cache ways between the best-effort and
// latency-critical task groups. Way bitmaps are precomputed as a ladder:
// level i gives best-effort tasks the top i+2 ways while latency-critical
// tasks keep the remaining bottom ways, so the two groups never overlap.
type LLCOccupancy struct {
	levels

	ways      int
	exclusive bool
	beMasks   []uint64
	lcMasks   []uint64
	pending   TaskAllocations
}

// NewLLCOccupancy creates the cache controller for a cache with the given
// number of ways. With exclusive set, latency-critical tasks are fenced
// into their own partition instead of sharing the default class, and the
// best-effort ladder is capped at half the cache.
func NewLLCOccupancy(ways int, exclusive bool) (*LLCOccupancy, error) {
	if ways < 2 {
		return nil, fmt.Errorf("cache must expose at least 2 ways, got %d", ways)
	}

	llc := &LLCOccupancy{
		ways:      ways,
		exclusive: exclusive,
		beMasks:   make([]uint64, ways-1),
		lcMasks:   make([]uint64, ways-1),
		pending:   make(TaskAllocations),
	}

	bitCnt := uint64(ways)
	for i := uint64(1); i < bitCnt; i++ {
		llc.beMasks[i-1] = ((1 << (i + 1)) - 1) << (bitCnt - 1 - i)
		llc.lcMasks[i-1] = (1 << (bitCnt - 1 - i)) - 1
	}

	maxLevel := ways - 1
	if exclusive {
		maxLevel = ways / 2
		llc.beMasks = llc.beMasks[:maxLevel]
		llc.lcMasks = llc.lcMasks[:maxLevel]
	}
	llc.levels = levels{level: 0, levelMax: maxLevel}

	return llc, nil
}

func (llc *LLCOccupancy) Budgeting(bes, lcs []string) {
	logger := logging.GetLogger()

	level := llc.level
	if llc.IsFullLevel() {
		level = llc.levelMax - 1
	}

	beMask := fmt.Sprintf("0x%x", llc.beMasks[level])
	for _, cid := range bes {
		mask := beMask
		llc.pending.Ensure(cid).L3CacheMask = &mask
	}
	logger.WithFields(logrus.Fields{
		"level": llc.level,
		"mask":  beMask,
	}).Debug("Best-effort cache ways budgeted")

	if llc.exclusive {
		lcMask := fmt.Sprintf("0x%x", llc.lcMasks[level])
		for _, cid := range lcs {
			mask := lcMask
			llc.pending.Ensure(cid).L3CacheMask = &mask
		}
		logger.WithFields(logrus.Fields{
			"level": llc.level,
			"mask":  lcMask,
		}).Debug("Latency-critical cache ways budgeted")
	}
}

// UpdateAllocs merges pending cache mask directives into out and clears the
// pending set. Masks already in effect are skipped.
func (llc *LLCOccupancy) UpdateAllocs(current, out TaskAllocations) {
	for cid, alloc := range llc.pending {
		if alloc.L3CacheMask == nil {
			continue
		}
		if cur, ok := current[cid]; ok && cur.L3CacheMask != nil && *cur.L3CacheMask == *alloc.L3CacheMask {
			continue
		}
		mask := *alloc.L3CacheMask
		out.Ensure(cid).L3CacheMask = &mask
	}
	llc.pending = make(TaskAllocations)
}
