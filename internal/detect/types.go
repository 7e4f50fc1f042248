package detect

// Resource identifies a contended hardware resource kind.
type Resource string

const (
	ResourceCPU      Resource = "cpus"
	ResourceLLC      Resource = "cache"
	ResourceMemoryBW Resource = "memory_bandwidth"
	ResourceTDP      Resource = "thermal"
	ResourceUnknown  Resource = "unknown"
)

// Metric is one observability data point returned from a cycle.
type Metric struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Anomaly reports contention on one resource for one task, optionally
// naming the most plausible contending task.
type Anomaly struct {
	Resource          Resource `json:"resource"`
	ContendedTaskID   string   `json:"contended_task_id"`
	ContendingTaskIDs []string `json:"contending_task_ids"`
	Metrics           []Metric `json:"metrics,omitempty"`
}
