package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"contention-agent/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// TaskInfo describes one running container as seen by task discovery.
type TaskInfo struct {
	ID         string
	PID        int
	CgroupPath string
	Labels     map[string]string
	CPUs       float64
}

// DockerClient wraps task discovery and per-container stats.
type DockerClient struct {
	client *client.Client
}

func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerClient{client: cli}, nil
}

// ListTasks returns the running containers with their labels, init PID,
// cgroup path and CPU assignment.
func (dc *DockerClient) ListTasks(ctx context.Context) (map[string]TaskInfo, error) {
	containers, err := dc.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	tasks := make(map[string]TaskInfo, len(containers))
	for _, c := range containers {
		inspect, err := dc.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			logging.GetLogger().WithField("container_id", c.ID[:12]).WithError(err).Warn("Failed to inspect container")
			continue
		}

		info := TaskInfo{
			ID:     c.ID,
			Labels: c.Labels,
		}
		if inspect.State != nil {
			info.PID = inspect.State.Pid
		}
		if inspect.HostConfig != nil && inspect.HostConfig.NanoCPUs > 0 {
			info.CPUs = float64(inspect.HostConfig.NanoCPUs) / 1e9
		}
		info.CgroupPath = findCgroupPath(c.ID)

		tasks[c.ID] = info
	}

	return tasks, nil
}

// findCgroupPath locates the cgroup v2 directory of a container.
func findCgroupPath(containerID string) string {
	candidates := []string{
		fmt.Sprintf("/sys/fs/cgroup/system.slice/docker-%s.scope", containerID),
		fmt.Sprintf("/sys/fs/cgroup/docker/%s", containerID),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// StatsCollector streams one container's docker stats and exposes the most
// recent cumulative CPU usage.
type StatsCollector struct {
	client      *client.Client
	containerID string

	mutex      sync.RWMutex
	cpuUsageNS uint64

	streamCancel context.CancelFunc
}

func (dc *DockerClient) NewStatsCollector(containerID string) *StatsCollector {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &StatsCollector{
		client:       dc.client,
		containerID:  containerID,
		streamCancel: cancel,
	}
	go sc.streamStats(ctx)
	return sc
}

func (sc *StatsCollector) streamStats(ctx context.Context) {
	stats, err := sc.client.ContainerStats(ctx, sc.containerID, true)
	if err != nil {
		logging.GetLogger().WithField("container_id", sc.containerID[:12]).WithError(err).Warn("Failed to stream container stats")
		return
	}
	defer stats.Body.Close()

	decoder := json.NewDecoder(stats.Body)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			var dockerStats types.StatsJSON
			if err := decoder.Decode(&dockerStats); err != nil {
				return
			}

			sc.mutex.Lock()
			sc.cpuUsageNS = dockerStats.CPUStats.CPUUsage.TotalUsage
			sc.mutex.Unlock()
		}
	}
}

// CPUUsageNS returns the latest cumulative CPU usage in nanoseconds.
func (sc *StatsCollector) CPUUsageNS() uint64 {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.cpuUsageNS
}

func (sc *StatsCollector) Close() {
	sc.streamCancel()
}
