package collectors

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"contention-agent/internal/logging"

	"github.com/elastic/go-perf"
)

// PerfCollector reads the cumulative hardware counters of one task cgroup:
// cycles, instructions and last-level cache misses, summed across all CPUs.
type PerfCollector struct {
	events     []*perf.Event
	cgroupFile *os.File

	mutex sync.Mutex
}

// PerfCounters holds cumulative counter values since the collector was
// attached.
type PerfCounters struct {
	Cycles       uint64
	Instructions uint64
	CacheMisses  uint64
}

func NewPerfCollector(cgroupPath string) (*PerfCollector, error) {
	logger := logging.GetLogger()

	cgroupFile, err := os.Open(cgroupPath)
	if err != nil {
		logger.WithField("cgroup_path", cgroupPath).WithError(err).Error("Failed to open cgroup path")
		return nil, err
	}

	collector := &PerfCollector{cgroupFile: cgroupFile}

	hardwareCounters := []perf.HardwareCounter{
		perf.CPUCycles,
		perf.Instructions,
		perf.CacheMisses,
	}

	numCPUs := runtime.NumCPU()
	for cpu := 0; cpu < numCPUs; cpu++ {
		for _, counter := range hardwareCounters {
			attr := &perf.Attr{}
			counter.Configure(attr)
			attr.CountFormat.Enabled = true
			attr.CountFormat.Running = true
			event, err := perf.OpenCGroup(attr, int(cgroupFile.Fd()), cpu, nil)
			if err != nil {
				collector.Close()
				logger.WithFields(map[string]interface{}{
					"counter": counter,
					"cpu":     cpu,
				}).WithError(err).Error("Failed to open perf event")
				return nil, err
			}
			collector.events = append(collector.events, event)
		}
	}

	for _, event := range collector.events {
		if err := event.Enable(); err != nil {
			collector.Close()
			return nil, fmt.Errorf("failed to enable perf event: %w", err)
		}
	}

	return collector, nil
}

// Collect sums the cumulative counter values across CPUs, scaling for
// multiplexed events.
func (pc *PerfCollector) Collect() PerfCounters {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	sums := make(map[string]uint64)
	for _, event := range pc.events {
		count, err := event.ReadCount()
		if err != nil {
			continue
		}

		value := uint64(count.Value)
		if count.Running > 0 && count.Enabled != count.Running {
			scale := float64(count.Enabled) / float64(count.Running)
			value = uint64(float64(value) * scale)
		}
		sums[count.Label] += value
	}

	return PerfCounters{
		Cycles:       sums["cpu-cycles"],
		Instructions: sums["instructions"],
		CacheMisses:  sums["cache-misses"],
	}
}

func (pc *PerfCollector) Close() {
	for _, event := range pc.events {
		if event != nil {
			event.Close()
		}
	}
	pc.events = nil

	if pc.cgroupFile != nil {
		pc.cgroupFile.Close()
		pc.cgroupFile = nil
	}
}
