// Package collectors gathers the raw per-task hardware counters the
// detection loop consumes: perf counters per cgroup, LLC occupancy and
// memory traffic from resctrl monitoring, and cumulative CPU usage from
// docker stats.
package collectors

import (
	"context"

	"contention-agent/internal/logging"
	"contention-agent/internal/task"

	"github.com/sirupsen/logrus"
)

// TaskCollector bundles the per-task collectors.
type TaskCollector struct {
	info TaskInfo

	perf  *PerfCollector
	stats *StatsCollector
	rdt   *RDTCollector
}

// Snapshot assembles one raw counter snapshot for the task. Collectors that
// failed to attach contribute zero values.
func (tc *TaskCollector) Snapshot() task.RawCounters {
	var raw task.RawCounters

	if tc.perf != nil {
		counters := tc.perf.Collect()
		raw.Cycles = counters.Cycles
		raw.Instructions = counters.Instructions
		raw.CacheMisses = counters.CacheMisses
	}
	if tc.rdt != nil {
		counters := tc.rdt.Collect()
		raw.LLCOccupancy = counters.LLCOccupancy
		raw.MemBytes = counters.MemBytes
	}
	if tc.stats != nil {
		raw.CPUUsageNS = tc.stats.CPUUsageNS()
	}

	return raw
}

func (tc *TaskCollector) Close() {
	if tc.perf != nil {
		tc.perf.Close()
	}
	if tc.stats != nil {
		tc.stats.Close()
	}
	if tc.rdt != nil {
		tc.rdt.Close()
	}
}

// Manager reconciles per-task collectors against the set of running
// containers and produces the per-cycle measurement inputs.
type Manager struct {
	docker     *DockerClient
	collectors map[string]*TaskCollector
	logger     *logrus.Logger
}

func NewManager(docker *DockerClient) *Manager {
	return &Manager{
		docker:     docker,
		collectors: make(map[string]*TaskCollector),
		logger:     logging.GetLogger(),
	}
}

// Refresh lists running tasks, attaches collectors to newcomers and
// releases collectors of finished tasks.
func (m *Manager) Refresh(ctx context.Context) (map[string]TaskInfo, error) {
	tasks, err := m.docker.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	for id, info := range tasks {
		if _, ok := m.collectors[id]; ok {
			continue
		}
		m.collectors[id] = m.attach(info)
	}

	for id, tc := range m.collectors {
		if _, ok := tasks[id]; !ok {
			tc.Close()
			delete(m.collectors, id)
		}
	}

	return tasks, nil
}

func (m *Manager) attach(info TaskInfo) *TaskCollector {
	tc := &TaskCollector{info: info}

	if info.CgroupPath != "" {
		perfCollector, err := NewPerfCollector(info.CgroupPath)
		if err != nil {
			m.logger.WithField("container_id", info.ID[:12]).WithError(err).Warn("Perf collection unavailable for task")
		} else {
			tc.perf = perfCollector
		}
	}

	if info.PID > 0 {
		rdtCollector, err := NewRDTCollector(info.PID)
		if err != nil {
			m.logger.WithField("container_id", info.ID[:12]).WithError(err).Warn("RDT monitoring unavailable for task")
		} else {
			tc.rdt = rdtCollector
		}
	}

	tc.stats = m.docker.NewStatsCollector(info.ID)

	m.logger.WithFields(logrus.Fields{
		"container_id": info.ID[:12],
		"pid":          info.PID,
	}).Debug("Attached task collectors")

	return tc
}

// Snapshot reads one raw counter snapshot per tracked task.
func (m *Manager) Snapshot() map[string]task.RawCounters {
	counters := make(map[string]task.RawCounters, len(m.collectors))
	for id, tc := range m.collectors {
		counters[id] = tc.Snapshot()
	}
	return counters
}

func (m *Manager) Close() {
	for id, tc := range m.collectors {
		tc.Close()
		delete(m.collectors, id)
	}
}
