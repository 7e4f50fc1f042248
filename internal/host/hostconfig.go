// Package host probes the machine the agent runs on: CPU topology, L3
// cache geometry, and RDT allocation/monitoring capabilities. The probe
// runs once at startup; per-cycle platform snapshots are derived from it.
package host

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"contention-agent/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

const (
	resctrlCBMMaskPath   = "/sys/fs/resctrl/info/L3/cbm_mask"
	resctrlMinBandwidth  = "/sys/fs/resctrl/info/MB/min_bandwidth"
	resctrlBandwidthGran = "/sys/fs/resctrl/info/MB/bandwidth_gran"
	defaultMinBandwidth  = 10
	defaultBandwidthGran = 10
	defaultCacheWays     = 12
)

type HostConfig struct {
	CPUVendor    string
	CPUModel     string
	TotalThreads int
	NumSockets   int

	CacheWays    int
	CacheControl bool

	MBControl      bool
	MBMinBandwidth int
	MBGranularity  int

	MonitoringSupported bool

	Hostname      string
	KernelVersion string

	logger *logrus.Logger
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
	hostConfigErr    error
)

// GetHostConfig probes the host on first call and caches the result.
func GetHostConfig() (*HostConfig, error) {
	hostConfigOnce.Do(func() {
		globalHostConfig, hostConfigErr = initializeHostConfig()
	})
	return globalHostConfig, hostConfigErr
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()
	logger.Info("Probing host configuration")

	hc := &HostConfig{logger: logger}

	if err := hc.initSystemInfo(); err != nil {
		return nil, fmt.Errorf("failed to read system info: %w", err)
	}
	if err := hc.initCPUInfo(); err != nil {
		return nil, fmt.Errorf("failed to read CPU info: %w", err)
	}
	hc.initRDTInfo()

	logger.WithFields(logrus.Fields{
		"cpu_model":     hc.CPUModel,
		"threads":       hc.TotalThreads,
		"sockets":       hc.NumSockets,
		"cache_ways":    hc.CacheWays,
		"cache_control": hc.CacheControl,
		"mb_control":    hc.MBControl,
	}).Info("Host configuration probed")

	return hc, nil
}

func (hc *HostConfig) initSystemInfo() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	hc.Hostname = hostname

	if data, err := os.ReadFile("/proc/version"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			hc.KernelVersion = fields[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}

	return nil
}

func (hc *HostConfig) initCPUInfo() error {
	hc.TotalThreads = runtime.NumCPU()

	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		hc.CPUVendor = "unknown"
		hc.CPUModel = "unknown"
		hc.NumSockets = 1
		return nil
	}
	defer file.Close()

	physicalIDs := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "vendor_id") && hc.CPUVendor == "":
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				hc.CPUVendor = strings.TrimSpace(parts[1])
			}
		case strings.HasPrefix(line, "model name") && hc.CPUModel == "":
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				hc.CPUModel = strings.TrimSpace(parts[1])
			}
		case strings.HasPrefix(line, "physical id"):
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				physicalIDs[strings.TrimSpace(parts[1])] = struct{}{}
			}
		}
	}

	if hc.CPUVendor == "" {
		hc.CPUVendor = "unknown"
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}
	hc.NumSockets = len(physicalIDs)
	if hc.NumSockets == 0 {
		hc.NumSockets = 1
	}

	return nil
}

// initRDTInfo reads allocation capabilities straight from resctrl. Missing
// capabilities only disable the corresponding controller, never the agent.
func (hc *HostConfig) initRDTInfo() {
	hc.MonitoringSupported = rdt.MonSupported()

	hc.CacheWays = defaultCacheWays
	if mask, err := readHexFile(resctrlCBMMaskPath); err == nil {
		hc.CacheControl = true
		hc.CacheWays = popcount(mask)
	} else {
		hc.logger.WithError(err).Warn("L3 cache allocation unavailable")
	}

	hc.MBMinBandwidth = defaultMinBandwidth
	hc.MBGranularity = defaultBandwidthGran
	if minBW, err := readIntFile(resctrlMinBandwidth); err == nil {
		hc.MBControl = true
		hc.MBMinBandwidth = minBW
		if gran, err := readIntFile(resctrlBandwidthGran); err == nil {
			hc.MBGranularity = gran
		}
	} else {
		hc.logger.WithError(err).Warn("Memory bandwidth allocation unavailable")
	}
}

func readHexFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var mask uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%x", &mask); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return mask, nil
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func popcount(mask uint64) int {
	count := 0
	for mask > 0 {
		count += int(mask & 1)
		mask >>= 1
	}
	return count
}
