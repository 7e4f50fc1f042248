// Package allocator hosts the per-cycle orchestration loop: it ingests
// measurement snapshots, maintains task bookkeeping, runs contention
// detection at aggregation boundaries, and forwards the aggregated
// contention flags to the budgeting controllers.
package allocator

import (
	"fmt"

	"contention-agent/internal/config"
	"contention-agent/internal/controller"
	"contention-agent/internal/detect"
	"contention-agent/internal/logging"
	"contention-agent/internal/model"
	"contention-agent/internal/task"

	"github.com/sirupsen/logrus"
)

const (
	metricLCCapacity = "lccapacity"
	metricLCMax      = "lcmax"
	metricSysUtil    = "sysutil"

	cpuMarginRatio = 0.5
)

// Options carries the platform capabilities needed to size the budgeting
// controllers at construction time.
type Options struct {
	CacheWays      int
	MBMinBandwidth int
	MBGranularity  int
}

// ResourceAllocator is the cycle orchestrator. It owns all mutable cycle
// state (task records, BE/LC partition, aggregation counter) and must not
// be invoked concurrently.
type ResourceAllocator struct {
	mode         string
	exclusiveCAT bool

	aggRatio int
	counter  int
	state    CycleState

	store *task.Store
	bes   map[string]struct{}
	lcs   map[string]struct{}

	model        model.Accessor
	workloadMeta model.WorkloadMeta
	metaFile     string
	records      *recordWriter

	cpu           *controller.CPUQuota
	llc           *controller.LLCOccupancy
	mbw           *controller.MemBandwidth
	mbwController controller.Controller
	controllers   map[detect.Resource]controller.Controller

	mbControlEnabled bool

	logger *logrus.Logger
}

// New builds the orchestrator. In detect mode a missing or unreadable
// threshold model is fatal: no cycle may run without one.
func New(cfg *config.AgentConfig, opts Options) (*ResourceAllocator, error) {
	agent := cfg.Agent

	aggRatio := 1
	if agent.AggPeriod%agent.ActionDelay == 0 {
		aggRatio = agent.AggPeriod / agent.ActionDelay
	}

	a := &ResourceAllocator{
		mode:         agent.Mode,
		exclusiveCAT: agent.ExclusiveCAT,
		aggRatio:     aggRatio,
		store:        task.NewStore(agent.HistoryDepth),
		bes:          make(map[string]struct{}),
		lcs:          make(map[string]struct{}),
		metaFile:     agent.Model.WorkloadMetaFile,
		logger:       logging.GetLogger(),
	}

	a.logger.WithFields(logrus.Fields{
		"mode":         agent.Mode,
		"action_delay": agent.ActionDelay,
		"agg_period":   agent.AggPeriod,
		"agg_ratio":    aggRatio,
		"exclusive":    agent.ExclusiveCAT,
	}).Debug("Building resource allocator")

	if agent.Mode == config.ModeCollect {
		a.model = model.New(model.ThresholdModel{})
		a.workloadMeta = make(model.WorkloadMeta)
		a.records = newRecordWriter(agent.Records.UtilFile, agent.Records.MetricFile)
		return a, nil
	}

	thresholdFile := agent.Model.ThresholdFile
	if thresholdFile == "" {
		thresholdFile = "threshold.json"
	}
	m, err := model.Load(thresholdFile)
	if err != nil {
		return nil, fmt.Errorf("detect mode requires a threshold model: %w", err)
	}
	a.model = m

	a.workloadMeta, err = model.LoadWorkloadMeta(a.metaFile)
	if err != nil {
		return nil, fmt.Errorf("detect mode requires workload metadata: %w", err)
	}

	a.cpu = controller.NewCPUQuota(m.LCUtilizationCeiling(), cpuMarginRatio)
	a.llc, err = controller.NewLLCOccupancy(opts.CacheWays, agent.ExclusiveCAT)
	if err != nil {
		return nil, err
	}
	a.mbw = controller.NewMemBandwidth(opts.MBMinBandwidth, opts.MBGranularity)
	a.mbControlEnabled = true

	a.mbwController = controller.NewNaiveController(a.mbw, agent.Controllers.MBCycles)
	a.controllers = map[detect.Resource]controller.Controller{
		detect.ResourceCPU:      controller.NewNaiveController(a.cpu, agent.Controllers.CPUCycles),
		detect.ResourceLLC:      controller.NewNaiveController(a.llc, agent.Controllers.LLCCycles),
		detect.ResourceMemoryBW: a.mbwController,
	}

	return a, nil
}

// State reports whether the last Allocate call closed an aggregation
// window.
func (a *ResourceAllocator) State() CycleState {
	return a.state
}

// Model exposes the threshold accessor, mainly for observability.
func (a *ResourceAllocator) Model() model.Accessor {
	return a.model
}

// Allocate runs one cycle: bookkeeping every call, detection and controller
// dispatch only at aggregation boundaries. It returns the allocation
// directives produced by the controllers, the cycle's anomalies, and the
// observability metrics. Results are always complete for the cycle.
func (a *ResourceAllocator) Allocate(
	platform Platform,
	counters TasksCounters,
	resources TasksResources,
	labels TasksLabels,
	current controller.TaskAllocations,
) (controller.TaskAllocations, []detect.Anomaly, []detect.Metric) {
	a.advanceCycle()

	assignedCPUs := a.partitionTasks(resources, labels)

	allocs := make(controller.TaskAllocations)
	if a.mode == config.ModeDetect {
		a.cpu.UpdateAllocs(current, allocs, platform.CPUs)
		a.llc.UpdateAllocs(current, allocs)

		if platform.MBControl {
			if !a.mbControlEnabled {
				a.mbControlEnabled = true
				a.controllers[detect.ResourceMemoryBW] = a.mbwController
			}
			a.mbw.UpdateAllocs(current, allocs)
		} else if a.mbControlEnabled {
			// Without MBA hardware the bandwidth signal degrades into
			// CPU-share rebalancing instead of being dropped.
			a.mbControlEnabled = false
			a.controllers[detect.ResourceMemoryBW] = a.controllers[detect.ResourceCPU]
		}
	}

	metricList := a.thresholdMetrics()
	metricList = a.processMeasurements(platform, counters, labels, metricList, assignedCPUs)

	var anomalyList []detect.Anomaly
	if a.state == AggregationBoundary && a.mode == config.ModeDetect {
		a.store.Each(func(rec *task.Record) {
			if _, isBE := a.bes[rec.CID]; isBE {
				return
			}
			app := appKey(rec.CID, labels)
			if app == "" {
				return
			}
			anomalyList = append(anomalyList, a.detectOneTask(rec, app)...)
		})
		if len(anomalyList) > 0 {
			a.logger.WithField("anomalies", len(anomalyList)).Debug("Contention anomalies detected")
		}
		a.dispatchContention(anomalyList)
	}

	return allocs, anomalyList, metricList
}

// advanceCycle steps the aggregation counter and derives the cycle state.
func (a *ResourceAllocator) advanceCycle() {
	a.counter++
	if a.counter >= a.aggRatio {
		a.counter = 0
		a.state = AggregationBoundary
	} else {
		a.state = PassThrough
	}
}

// partitionTasks rebuilds the BE/LC partition from scratch, reconciles the
// record store against the live task set, and returns the CPU count
// assigned to latency-critical tasks.
func (a *ResourceAllocator) partitionTasks(resources TasksResources, labels TasksLabels) float64 {
	for cid := range a.bes {
		delete(a.bes, cid)
	}
	for cid := range a.lcs {
		delete(a.lcs, cid)
	}

	var assignedCPUs float64
	live := make(map[string]struct{}, len(resources))
	for cid, res := range resources {
		live[cid] = struct{}{}
		if isBestEffort(cid, labels) {
			a.bes[cid] = struct{}{}
		} else {
			a.lcs[cid] = struct{}{}
			assignedCPUs += res["cpus"]
		}
		if a.mode == config.ModeCollect {
			if app := appKey(cid, labels); app != "" {
				a.workloadMeta[app] = res
			}
		}
	}

	if a.mode == config.ModeCollect {
		if err := model.SaveWorkloadMeta(a.metaFile, a.workloadMeta); err != nil {
			a.logger.WithError(err).Warn("Failed to persist workload metadata")
		}
	}

	a.store.RemoveAbsent(live)
	return assignedCPUs
}

// processMeasurements feeds every task's raw snapshot into its record,
// accumulates system/LC/BE utilization, and emits per-task metrics at
// aggregation boundaries.
func (a *ResourceAllocator) processMeasurements(
	platform Platform,
	counters TasksCounters,
	labels TasksLabels,
	metricList []detect.Metric,
	assignedCPUs float64,
) []detect.Metric {
	var sysUtil, lcUtil, beUtil float64

	for cid, raw := range counters {
		rec, created := a.store.Ensure(cid)
		if created && a.mode == config.ModeDetect {
			a.seedNewcomer(cid)
		}

		rec.Update(platform.Timestamp, raw, a.state == AggregationBoundary)

		util := rec.Utilization()
		if _, isBE := a.bes[cid]; isBE {
			beUtil += util
		} else {
			lcUtil += util
		}
		sysUtil += util

		if a.state != AggregationBoundary {
			continue
		}
		m, ok := rec.Metrics()
		if !ok {
			continue
		}
		app := appKey(cid, labels)
		metricList = append(metricList, taskMetrics(cid, app, m)...)
		if a.mode == config.ModeCollect && app != "" {
			a.records.appendMetrics(platform.Timestamp, cid, app, m)
		}
	}

	if a.state == AggregationBoundary && a.mode == config.ModeCollect {
		a.records.appendUtil(platform.Timestamp, lcUtil)
	}

	if a.mode == config.ModeDetect {
		metricList = append(metricList, a.headroomMetrics(assignedCPUs, lcUtil, sysUtil)...)
		if a.state == AggregationBoundary && len(a.bes) > 0 {
			exceed, hold := a.cpu.DetectMarginExceed(lcUtil, beUtil)
			a.controllers[detect.ResourceCPU].Update(setToSlice(a.bes), nil, exceed, hold)
		}
	}

	return metricList
}

// seedNewcomer applies the initial budget policy for a task seen for the
// first time: best-effort tasks start from a zero CPU share and the current
// restriction level, latency-critical tasks start at full share.
func (a *ResourceAllocator) seedNewcomer(cid string) {
	newcomer := []string{cid}
	if _, isBE := a.bes[cid]; isBE {
		a.cpu.SetShare(cid, 0.0)
		a.cpu.Budgeting(newcomer, nil)
		a.llc.Budgeting(newcomer, nil)
		if a.mbControlEnabled {
			a.mbw.Budgeting(newcomer, nil)
		}
		return
	}

	a.cpu.SetShare(cid, 1.0)
	if a.exclusiveCAT {
		a.llc.Budgeting(nil, newcomer)
	}
}

func (a *ResourceAllocator) detectOneTask(rec *task.Record, app string) []detect.Anomaly {
	var anomalies []detect.Anomaly

	bins, ok := a.model.ThresholdsFor(app)
	if !ok {
		return nil
	}

	contended, diagnostics := detect.Detect(rec, bins)
	for _, res := range contended {
		anomalies = append(anomalies, detect.Anomaly{
			Resource:          res,
			ContendedTaskID:   rec.CID,
			ContendingTaskIDs: detect.Attribute(a.store, rec, res),
			Metrics:           diagnostics,
		})
	}

	if tdp, ok := a.model.TDPThresholdFor(app); ok {
		if res, tdpMetrics := detect.TDPDetect(rec, tdp); res != "" {
			anomalies = append(anomalies, detect.Anomaly{
				Resource:          res,
				ContendedTaskID:   rec.CID,
				ContendingTaskIDs: detect.Attribute(a.store, rec, res),
				Metrics:           tdpMetrics,
			})
		}
	}

	return anomalies
}

// dispatchContention folds the cycle's anomalies into per-resource boolean
// flags and forwards each flag to its registered controller. Flags without
// a controller (TDP, unknown without fallback) stay visible in the returned
// anomaly list but are not dispatched.
func (a *ResourceAllocator) dispatchContention(anomalies []detect.Anomaly) {
	contentions := map[detect.Resource]bool{
		detect.ResourceLLC:      false,
		detect.ResourceMemoryBW: false,
		detect.ResourceUnknown:  false,
	}
	for _, anomaly := range anomalies {
		contentions[anomaly.Resource] = true
	}

	bes := setToSlice(a.bes)
	lcs := setToSlice(a.lcs)
	for res, flag := range contentions {
		if ctl, ok := a.controllers[res]; ok {
			ctl.Update(bes, lcs, flag, false)
		}
	}
}

// headroomMetrics reports capacity and observed utilization, raising the
// model's LC utilization ceiling when observation exceeds it.
func (a *ResourceAllocator) headroomMetrics(assignedCPUs, lcUtil, sysUtil float64) []detect.Metric {
	utilMax := a.model.LCUtilizationCeiling()
	if utilMax < lcUtil {
		a.model.RaiseLCUtilizationCeiling(lcUtil)
		a.cpu.UpdateMaxSysUtil(lcUtil)
		utilMax = lcUtil
	}

	return []detect.Metric{
		{Name: metricLCCapacity, Value: assignedCPUs * 100},
		{Name: metricLCMax, Value: utilMax},
		{Name: metricSysUtil, Value: sysUtil},
	}
}

// thresholdMetrics encodes the loaded threshold tables as metrics, only
// when debug logging is enabled: the full table is large and static.
func (a *ResourceAllocator) thresholdMetrics() []detect.Metric {
	if !a.logger.IsLevelEnabled(logrus.DebugLevel) {
		return nil
	}

	var metrics []detect.Metric
	metrics = append(metrics, detect.Metric{
		Name:  "threshold_lcutilmax",
		Value: a.model.LCUtilizationCeiling(),
	})

	for _, app := range a.model.Applications() {
		if tdp, ok := a.model.TDPThresholdFor(app); ok {
			metrics = append(metrics,
				detect.Metric{Name: "threshold_tdp_bar", Value: tdp.Bar, Labels: map[string]string{"app": app}},
				detect.Metric{Name: "threshold_tdp_util", Value: tdp.Util, Labels: map[string]string{"app": app}})
		}
		bins, ok := a.model.ThresholdsFor(app)
		if !ok {
			continue
		}
		for _, bin := range bins {
			binLabels := map[string]string{
				"app":   app,
				"start": fmt.Sprintf("%d", int(bin.UtilStart)),
				"end":   fmt.Sprintf("%d", int(bin.UtilEnd)),
			}
			metrics = append(metrics,
				detect.Metric{Name: "threshold_cpi", Value: bin.CPI, Labels: binLabels},
				detect.Metric{Name: "threshold_mpki", Value: bin.MPKI, Labels: binLabels},
				detect.Metric{Name: "threshold_mb", Value: bin.MB, Labels: binLabels})
		}
	}

	return metrics
}

func taskMetrics(cid, app string, m task.Metrics) []detect.Metric {
	kinds := []task.MetricKind{
		task.MetricCycles, task.MetricInstructions, task.MetricCacheMisses,
		task.MetricLLCOccupancy, task.MetricCPI, task.MetricMPKI,
		task.MetricUtilization, task.MetricMemBandwidth, task.MetricNormalizedFreq,
	}

	metrics := make([]detect.Metric, 0, len(kinds))
	for _, kind := range kinds {
		labels := map[string]string{"task_id": cid}
		if app != "" {
			labels["application"] = app
		}
		metrics = append(metrics, detect.Metric{
			Name:   string(kind),
			Value:  m.Value(kind),
			Labels: labels,
		})
	}
	return metrics
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	return out
}
