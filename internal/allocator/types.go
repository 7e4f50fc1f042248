package allocator

import (
	"time"

	"contention-agent/internal/task"
)

// Platform is the per-cycle snapshot of machine capabilities supplied by
// the host framework.
type Platform struct {
	Timestamp time.Time

	CPUs    int
	Sockets int

	// Cache allocation capability.
	CacheControl bool
	CacheWays    int

	// Memory bandwidth allocation capability.
	MBControl      bool
	MBMinBandwidth int
	MBGranularity  int
}

// TasksCounters maps task ids to their raw hardware counter snapshot.
type TasksCounters map[string]task.RawCounters

// TasksResources maps task ids to their resource assignment. The "cpus"
// entry is required for headroom accounting.
type TasksResources map[string]map[string]float64

// TasksLabels maps task ids to their label set. Detection requires the
// application and application_version_name labels; the type label marks
// best-effort tasks.
type TasksLabels map[string]map[string]string

const (
	labelApplication        = "application"
	labelApplicationVersion = "application_version_name"
	labelType               = "type"

	typeBestEfforts = "best_efforts"
)

// CycleState tells whether the current invocation closes an aggregation
// window or only performs raw bookkeeping.
type CycleState int

const (
	PassThrough CycleState = iota
	AggregationBoundary
)

func (s CycleState) String() string {
	if s == AggregationBoundary {
		return "aggregation_boundary"
	}
	return "pass_through"
}

// appKey resolves the statistical model key for a task, empty when the
// required labels are missing.
func appKey(cid string, labels TasksLabels) string {
	taskLabels, ok := labels[cid]
	if !ok {
		return ""
	}
	app, okApp := taskLabels[labelApplication]
	version, okVersion := taskLabels[labelApplicationVersion]
	if !okApp || !okVersion {
		return ""
	}
	return app + "." + version
}

func isBestEffort(cid string, labels TasksLabels) bool {
	taskLabels, ok := labels[cid]
	if !ok {
		return false
	}
	return taskLabels[labelType] == typeBestEfforts
}
