// Package detect implements threshold-based contention detection and
// contender attribution over per-task windowed metrics.
package detect

import (
	"contention-agent/internal/logging"
	"contention-agent/internal/model"
	"contention-agent/internal/task"

	"github.com/sirupsen/logrus"
)

// Detect evaluates a task's current window against its per-application
// utilization-bin thresholds. Bins are scanned in order: utilization below
// the first bin yields nothing, utilization inside a bin is evaluated
// against that bin, and utilization beyond the last bin's end is still
// evaluated against the last bin.
func Detect(rec *task.Record, bins []model.BinThreshold) ([]Resource, []Metric) {
	if len(bins) == 0 {
		return nil, nil
	}
	metrics, ok := rec.Metrics()
	if !ok {
		return nil, nil
	}

	util := metrics.Utilization
	for i, bin := range bins {
		if util < bin.UtilStart {
			if i == 0 {
				return nil, nil
			}
			return detectInBin(rec, metrics, bins[i-1])
		}
		if util < bin.UtilEnd || i == len(bins)-1 {
			return detectInBin(rec, metrics, bin)
		}
	}
	return nil, nil
}

func detectInBin(rec *task.Record, m task.Metrics, bin model.BinThreshold) ([]Resource, []Metric) {
	logger := logging.GetDetectorLogger()

	if m.CPI <= bin.CPI {
		return nil, nil
	}

	diagnostics := []Metric{
		taskMetric(rec.CID, string(task.MetricCPI), m.CPI),
		taskMetric(rec.CID, "cpi_threshold", bin.CPI),
	}

	var contended []Resource
	unknownReason := true

	if m.MPKI > bin.MPKI {
		logger.WithFields(logrus.Fields{
			"cid":  rec.CID,
			"cpi":  m.CPI,
			"mpki": m.MPKI,
		}).Info("Last level cache contention detected")
		diagnostics = append(diagnostics,
			taskMetric(rec.CID, string(task.MetricMPKI), m.MPKI),
			taskMetric(rec.CID, "mpki_threshold", bin.MPKI))
		contended = append(contended, ResourceLLC)
		unknownReason = false
	}

	if m.MemBandwidth < bin.MB {
		logger.WithFields(logrus.Fields{
			"cid": rec.CID,
			"cpi": m.CPI,
			"mb":  m.MemBandwidth,
		}).Info("Memory bandwidth contention detected")
		diagnostics = append(diagnostics,
			taskMetric(rec.CID, string(task.MetricMemBandwidth), m.MemBandwidth),
			taskMetric(rec.CID, "mb_threshold", bin.MB))
		contended = append(contended, ResourceMemoryBW)
		unknownReason = false
	}

	if unknownReason {
		logger.WithFields(logrus.Fields{
			"cid": rec.CID,
			"cpi": m.CPI,
		}).Info("Performance degraded for unknown reason")
		contended = append(contended, ResourceUnknown)
	}

	return contended, diagnostics
}

// TDPDetect reports thermal throttling: utilization at or above the model's
// TDP utilization threshold combined with a normalized frequency below the
// frequency bar. It runs independently of the bin-based path.
func TDPDetect(rec *task.Record, tdp *model.TDPThreshold) (Resource, []Metric) {
	if tdp == nil {
		return "", nil
	}
	m, ok := rec.Metrics()
	if !ok {
		return "", nil
	}

	logger := logging.GetDetectorLogger()
	logger.WithFields(logrus.Fields{
		"cid":      rec.CID,
		"util":     m.Utilization,
		"freq":     m.NormalizedFreq,
		"tdp_util": tdp.Util,
		"tdp_bar":  tdp.Bar,
	}).Debug("TDP check")

	if m.Utilization >= tdp.Util && m.NormalizedFreq < tdp.Bar {
		logger.WithField("cid", rec.CID).Info("TDP contention detected")
		diagnostics := []Metric{
			taskMetric(rec.CID, string(task.MetricNormalizedFreq), m.NormalizedFreq),
			taskMetric(rec.CID, "nf_threshold", tdp.Bar),
			taskMetric(rec.CID, string(task.MetricUtilization), m.Utilization),
			taskMetric(rec.CID, "util_threshold", tdp.Util),
		}
		return ResourceTDP, diagnostics
	}

	return "", nil
}

func taskMetric(cid, name string, value float64) Metric {
	return Metric{
		Name:   name,
		Value:  value,
		Labels: map[string]string{"task_id": cid},
	}
}
