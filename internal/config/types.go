package config

import (
	"time"
)

const (
	ModeCollect = "collect"
	ModeDetect  = "detect"
)

type AgentConfig struct {
	Agent AgentInfo `yaml:"agent"`
}

type AgentInfo struct {
	Name         string            `yaml:"name"`
	Mode         string            `yaml:"mode"`
	ActionDelay  int               `yaml:"action_delay"`
	AggPeriod    int               `yaml:"agg_period"`
	HistoryDepth int               `yaml:"history_depth"`
	ExclusiveCAT bool              `yaml:"exclusive_cat"`
	LogLevel     string            `yaml:"log_level"`
	Model        ModelConfig       `yaml:"model"`
	Records      RecordsConfig     `yaml:"records"`
	Controllers  ControllersConfig `yaml:"controllers"`
	Data         DataConfig        `yaml:"data"`
}

type ModelConfig struct {
	WorkloadMetaFile string `yaml:"workload_meta_file"`
	ThresholdFile    string `yaml:"threshold_file"`
}

type RecordsConfig struct {
	UtilFile   string `yaml:"util_file"`
	MetricFile string `yaml:"metric_file"`
}

// ControllersConfig holds the per-resource cycle thresholds used by the
// naive budgeting controllers.
type ControllersConfig struct {
	CPUCycles int `yaml:"cpu_cycles"`
	LLCCycles int `yaml:"llc_cycles"`
	MBCycles  int `yaml:"mb_cycles"`
}

type DataConfig struct {
	DB DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

func (c *AgentConfig) GetActionDelay() time.Duration {
	return time.Duration(c.Agent.ActionDelay) * time.Second
}

func (c *AgentConfig) GetAggPeriod() time.Duration {
	return time.Duration(c.Agent.AggPeriod) * time.Second
}

func (c *AgentConfig) IsDetectMode() bool {
	return c.Agent.Mode == ModeDetect
}
