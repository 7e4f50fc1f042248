package allocator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"contention-agent/internal/logging"
	"contention-agent/internal/task"
)

var utilColumns = []string{"time", "cid", "name", string(task.MetricUtilization)}

var metricColumns = []string{
	"time", "cid", "name",
	string(task.MetricCycles),
	string(task.MetricInstructions),
	string(task.MetricCacheMisses),
	string(task.MetricLLCOccupancy),
	string(task.MetricMemBandwidth),
	string(task.MetricCPI),
	string(task.MetricMPKI),
	string(task.MetricNormalizedFreq),
	string(task.MetricUtilization),
}

// recordWriter appends collect-mode trace rows to the delimited record
// files consumed by the offline analyzer. Append failures are logged and
// swallowed; they never abort a cycle.
type recordWriter struct {
	utilFile   string
	metricFile string
}

func newRecordWriter(utilFile, metricFile string) *recordWriter {
	w := &recordWriter{utilFile: utilFile, metricFile: metricFile}
	w.initDataFile(utilFile, utilColumns)
	w.initDataFile(metricFile, metricColumns)
	return w
}

// initDataFile rewrites the header row only when it is missing or does not
// match the expected columns, so appends across agent restarts stay valid.
func (w *recordWriter) initDataFile(path string, cols []string) {
	logger := logging.GetLogger()
	expected := strings.Join(cols, ",") + "\n"

	var headline string
	if f, err := os.Open(path); err == nil {
		buf := make([]byte, len(expected))
		if n, err := f.Read(buf); err == nil {
			headline = string(buf[:n])
		}
		f.Close()
	} else {
		logger.WithField("path", path).Debug("Cannot open record file for reading, rewriting header")
	}

	if headline != expected {
		if err := os.WriteFile(path, []byte(expected), 0o644); err != nil {
			logger.WithField("path", path).WithError(err).Warn("Failed to initialize record file")
		}
	}
}

func (w *recordWriter) appendRow(path string, fields []string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logging.GetLogger().WithField("path", path).WithError(err).Warn("Failed to open record file for append")
		return
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
		logging.GetLogger().WithField("path", path).WithError(err).Warn("Failed to append record row")
	}
}

func (w *recordWriter) appendUtil(timestamp time.Time, lcUtil float64) {
	w.appendRow(w.utilFile, []string{
		strconv.FormatInt(timestamp.Unix(), 10),
		"",
		"lcs",
		formatFloat(lcUtil),
	})
}

func (w *recordWriter) appendMetrics(timestamp time.Time, cid, app string, m task.Metrics) {
	w.appendRow(w.metricFile, []string{
		strconv.FormatInt(timestamp.Unix(), 10),
		cid,
		app,
		formatFloat(m.Cycles),
		formatFloat(m.Instructions),
		formatFloat(m.CacheMisses),
		formatFloat(m.LLCOccupancyMB),
		formatFloat(m.MemBandwidth),
		formatFloat(m.CPI),
		formatFloat(m.MPKI),
		formatFloat(m.NormalizedFreq),
		formatFloat(m.Utilization),
	})
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
