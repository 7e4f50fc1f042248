package collectors

import (
	"strconv"

	"contention-agent/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
)

// RDTCollector samples LLC occupancy and cumulative memory traffic for one
// task through a resctrl monitoring group.
type RDTCollector struct {
	pid        int
	groupName  string
	class      rdt.CtrlGroup
	monGroup   rdt.MonGroup
	rdtEnabled bool
}

// RDTCounters holds the latest monitoring sample: occupancy is a
// point-in-time byte count, MemBytes is cumulative.
type RDTCounters struct {
	LLCOccupancy uint64
	MemBytes     uint64
}

func NewRDTCollector(pid int) (*RDTCollector, error) {
	logger := logging.GetLogger()

	collector := &RDTCollector{
		pid:       pid,
		groupName: "task-" + strconv.Itoa(pid),
	}

	if !rdt.MonSupported() {
		logger.Debug("RDT monitoring not available")
		return collector, nil
	}

	class, ok := rdt.GetClass("default")
	if !ok {
		logger.Debug("Default resctrl class not available")
		return collector, nil
	}
	collector.class = class

	monGroup, err := class.CreateMonGroup(collector.groupName, nil)
	if err != nil {
		logger.WithField("pid", pid).WithError(err).Warn("Failed to create monitoring group")
		return collector, nil
	}
	if err := monGroup.AddPids(strconv.Itoa(pid)); err != nil {
		logger.WithField("pid", pid).WithError(err).Warn("Failed to add PID to monitoring group")
		return collector, nil
	}

	collector.monGroup = monGroup
	collector.rdtEnabled = true
	return collector, nil
}

func (rc *RDTCollector) Collect() RDTCounters {
	if !rc.rdtEnabled {
		return RDTCounters{}
	}

	var counters RDTCounters
	monData := rc.monGroup.GetMonData()
	for _, l3Data := range monData.L3 {
		if occupancy, ok := l3Data["llc_occupancy"]; ok {
			counters.LLCOccupancy += occupancy
		}
		if total, ok := l3Data["mbm_total_bytes"]; ok {
			counters.MemBytes += total
		}
	}
	return counters
}

func (rc *RDTCollector) Close() {
	if !rc.rdtEnabled || rc.class == nil {
		return
	}
	if err := rc.class.DeleteMonGroup(rc.groupName); err != nil {
		logging.GetLogger().WithField("group", rc.groupName).WithError(err).Debug("Failed to delete monitoring group")
	}
}
