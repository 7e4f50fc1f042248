package controller

import (
	"contention-agent/internal/logging"

	"github.com/sirupsen/logrus"
)

const cpuQuotaLevels = 10

// CPUQuota budgets best-effort CPU time. Levels map linearly to a CFS quota
// fraction of the machine: level 0 squeezes best-effort tasks to a minimal
// share, the top level lifts the throttle entirely.
type CPUQuota struct {
	levels

	maxSysUtil  float64
	marginRatio float64
	shares      map[string]float64
	quotas      TaskAllocations
}

// NewCPUQuota creates the CPU controller. maxSysUtil is the model's
// latency-critical utilization ceiling in percent; marginRatio is the safety
// margin reserved on top of observed LC utilization before best-effort
// tasks may grow.
func NewCPUQuota(maxSysUtil, marginRatio float64) *CPUQuota {
	return &CPUQuota{
		levels:      levels{level: cpuQuotaLevels, levelMax: cpuQuotaLevels},
		maxSysUtil:  maxSysUtil,
		marginRatio: marginRatio,
		shares:      make(map[string]float64),
		quotas:      make(TaskAllocations),
	}
}

// SetShare records the initial CPU share hint for a task: 0 for newcomer
// best-effort tasks, 1 for latency-critical ones.
func (c *CPUQuota) SetShare(cid string, share float64) {
	c.shares[cid] = share
}

// UpdateMaxSysUtil raises the utilization ceiling when the model's stored
// value is overtaken by observation.
func (c *CPUQuota) UpdateMaxSysUtil(maxSysUtil float64) {
	if maxSysUtil > c.maxSysUtil {
		c.maxSysUtil = maxSysUtil
	}
}

// DetectMarginExceed reports whether best-effort load is eating into the
// latency-critical margin. exceed asks the controller to throttle, hold
// freezes the current budget without recovery.
func (c *CPUQuota) DetectMarginExceed(lcUtil, beUtil float64) (exceed, hold bool) {
	margin := lcUtil * c.marginRatio
	exceed = lcUtil == 0 || lcUtil+beUtil+margin > c.maxSysUtil
	hold = !exceed && lcUtil+beUtil+margin*2 > c.maxSysUtil
	return exceed, hold
}

func (c *CPUQuota) Budgeting(bes, lcs []string) {
	logger := logging.GetLogger()

	fraction := float64(c.level) / float64(c.levelMax)
	for _, cid := range bes {
		quota := fraction
		if share, ok := c.shares[cid]; ok && share > quota {
			quota = share
		}
		q := quota
		c.quotas.Ensure(cid).CPUQuota = &q
	}
	for _, cid := range lcs {
		q := 1.0
		c.quotas.Ensure(cid).CPUQuota = &q
	}

	logger.WithFields(logrus.Fields{
		"level":    c.level,
		"fraction": fraction,
		"bes":      len(bes),
	}).Debug("Best-effort CPU quota budgeted")
}

// UpdateAllocs merges pending quota directives into out, scaled by the
// machine CPU count, and clears the pending set.
func (c *CPUQuota) UpdateAllocs(current, out TaskAllocations, cpus int) {
	for cid, alloc := range c.quotas {
		if alloc.CPUQuota == nil {
			continue
		}
		quota := *alloc.CPUQuota * float64(cpus)
		if cur, ok := current[cid]; ok && cur.CPUQuota != nil && *cur.CPUQuota == quota {
			continue
		}
		out.Ensure(cid).CPUQuota = &quota
	}
	c.quotas = make(TaskAllocations)
}
