package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"contention-agent/internal/controller"
	"contention-agent/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

const (
	beClassName = "best-efforts"
	lcClassName = "latency-critical"

	cpuPeriodUS = 100000
)

// Aliases for the anonymous struct types rdt.Config is declared with.
type rdtClass = struct {
	L2Allocation rdt.CatConfig         `json:"l2Allocation"`
	L3Allocation rdt.CatConfig         `json:"l3Allocation"`
	MBAllocation rdt.MbaConfig         `json:"mbAllocation"`
	Kubernetes   rdt.KubernetesOptions `json:"kubernetes"`
}

type rdtPartition = struct {
	L2Allocation rdt.CatConfig       `json:"l2Allocation"`
	L3Allocation rdt.CatConfig       `json:"l3Allocation"`
	MBAllocation rdt.MbaConfig       `json:"mbAllocation"`
	Classes      map[string]rdtClass `json:"classes"`
}

// Applier enforces budgeting directives: best-effort cache masks and
// bandwidth percentages through resctrl classes, CPU quotas through
// cgroup cpu.max.
type Applier struct {
	hostConfig *HostConfig
	logger     *logrus.Logger

	// Last applied class settings, to skip redundant SetConfig calls.
	beMask    string
	bePercent int

	assignedPids map[int]string
}

func NewApplier(hostConfig *HostConfig) *Applier {
	return &Applier{
		hostConfig:   hostConfig,
		logger:       logging.GetLogger(),
		bePercent:    100,
		assignedPids: make(map[int]string),
	}
}

// TaskHandle is the per-task enforcement target.
type TaskHandle struct {
	PID        int
	CgroupPath string
}

// Apply pushes the per-task directives to the kernel. Each directive field
// is optional; absent fields leave the current setting untouched.
func (ap *Applier) Apply(allocations controller.TaskAllocations, tasks map[string]TaskHandle) {
	mask, percent := ap.beMask, ap.bePercent
	for _, alloc := range allocations {
		if alloc.L3CacheMask != nil {
			mask = *alloc.L3CacheMask
		}
		if alloc.MBPercent != nil {
			percent = *alloc.MBPercent
		}
	}

	if mask != ap.beMask || percent != ap.bePercent {
		if err := ap.applyClasses(mask, percent); err != nil {
			ap.logger.WithError(err).Error("Failed to apply resctrl classes")
		} else {
			ap.beMask = mask
			ap.bePercent = percent
		}
	}

	for cid, alloc := range allocations {
		handle, ok := tasks[cid]
		if !ok {
			continue
		}
		if alloc.CPUQuota != nil {
			ap.applyCPUQuota(handle.CgroupPath, *alloc.CPUQuota)
		}
	}
}

// AssignTask moves a task into its resctrl class by PID.
func (ap *Applier) AssignTask(pid int, bestEffort bool) {
	className := lcClassName
	if bestEffort {
		className = beClassName
	}
	if ap.assignedPids[pid] == className {
		return
	}

	class, ok := rdt.GetClass(className)
	if !ok {
		ap.logger.WithField("class", className).Debug("Resctrl class not present yet")
		return
	}
	if err := class.AddPids(strconv.Itoa(pid)); err != nil {
		ap.logger.WithFields(logrus.Fields{
			"pid":   pid,
			"class": className,
		}).WithError(err).Warn("Failed to assign task to resctrl class")
		return
	}
	ap.assignedPids[pid] = className
}

// ForgetTask drops the assignment record of a finished task.
func (ap *Applier) ForgetTask(pid int) {
	delete(ap.assignedPids, pid)
}

// applyClasses rebuilds the resctrl configuration with the best-effort
// class constrained and the latency-critical class left at full allocation.
func (ap *Applier) applyClasses(beMask string, bePercent int) error {
	fullMask := fmt.Sprintf("0x%x", (uint64(1)<<ap.hostConfig.CacheWays)-1)

	partition := rdtPartition{
		L3Allocation: rdt.CatConfig{
			"all": rdt.CacheIdCatConfig{Unified: rdt.CacheProportion(fullMask)},
		},
		MBAllocation: rdt.MbaConfig{
			"all": []rdt.MbProportion{"100%"},
		},
		Classes: make(map[string]rdtClass),
	}

	lcClass := rdtClass{
		L3Allocation: rdt.CatConfig{
			"all": rdt.CacheIdCatConfig{Unified: rdt.CacheProportion(fullMask)},
		},
		MBAllocation: rdt.MbaConfig{
			"all": []rdt.MbProportion{"100%"},
		},
	}
	beClass := rdtClass{
		L3Allocation: rdt.CatConfig{
			"all": rdt.CacheIdCatConfig{Unified: rdt.CacheProportion(fullMask)},
		},
		MBAllocation: rdt.MbaConfig{
			"all": []rdt.MbProportion{rdt.MbProportion(fmt.Sprintf("%d%%", bePercent))},
		},
	}
	if beMask != "" && ap.hostConfig.CacheControl {
		beClass.L3Allocation = rdt.CatConfig{
			"all": rdt.CacheIdCatConfig{Unified: rdt.CacheProportion(beMask)},
		}
	}

	partition.Classes[lcClassName] = lcClass
	partition.Classes[beClassName] = beClass

	config := &rdt.Config{Partitions: map[string]rdtPartition{"default": partition}}
	if err := rdt.SetConfig(config, false); err != nil {
		return fmt.Errorf("failed to set resctrl config: %w", err)
	}

	ap.logger.WithFields(logrus.Fields{
		"be_l3_mask":    beMask,
		"be_mb_percent": bePercent,
	}).Info("Applied resctrl classes")

	// Class objects are recreated by SetConfig, so PIDs must be re-added.
	ap.assignedPids = make(map[int]string)

	return nil
}

// applyCPUQuota writes cgroup v2 cpu.max. Quota is in CPUs, -1 removes the
// limit.
func (ap *Applier) applyCPUQuota(cgroupPath string, quota float64) {
	if cgroupPath == "" {
		return
	}

	value := "max " + strconv.Itoa(cpuPeriodUS)
	if quota >= 0 {
		value = fmt.Sprintf("%d %d", int64(quota*cpuPeriodUS), cpuPeriodUS)
	}

	path := filepath.Join(cgroupPath, "cpu.max")
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		ap.logger.WithField("cgroup_path", cgroupPath).WithError(err).Warn("Failed to write CPU quota")
		return
	}

	ap.logger.WithFields(logrus.Fields{
		"cgroup_path": cgroupPath,
		"cpu_max":     value,
	}).Debug("Applied CPU quota")
}
