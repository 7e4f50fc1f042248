package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"contention-agent/internal/logging"

	"gopkg.in/yaml.v3"
)

const (
	defaultActionDelay  = 1
	defaultAggPeriod    = 20
	defaultHistoryDepth = 5
)

func LoadConfig(filepath string) (*AgentConfig, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var config AgentConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, err
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func applyDefaults(config *AgentConfig) {
	agent := &config.Agent
	if agent.Mode == "" {
		agent.Mode = ModeCollect
	}
	if agent.ActionDelay <= 0 {
		agent.ActionDelay = defaultActionDelay
	}
	if agent.AggPeriod <= 0 {
		agent.AggPeriod = defaultAggPeriod
	}
	if agent.HistoryDepth <= 0 {
		agent.HistoryDepth = defaultHistoryDepth
	}
	if agent.Model.WorkloadMetaFile == "" {
		agent.Model.WorkloadMetaFile = "workload.json"
	}
	if agent.Records.UtilFile == "" {
		agent.Records.UtilFile = "util.csv"
	}
	if agent.Records.MetricFile == "" {
		agent.Records.MetricFile = "metric.csv"
	}
	if agent.Controllers.CPUCycles <= 0 {
		agent.Controllers.CPUCycles = 15
	}
	if agent.Controllers.LLCCycles <= 0 {
		agent.Controllers.LLCCycles = 4
	}
	if agent.Controllers.MBCycles <= 0 {
		agent.Controllers.MBCycles = 4
	}
}

func validateConfig(config *AgentConfig) error {
	agent := &config.Agent
	if agent.Name == "" {
		return fmt.Errorf("agent name is required")
	}

	if agent.Mode != ModeCollect && agent.Mode != ModeDetect {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeCollect, ModeDetect, agent.Mode)
	}

	if agent.AggPeriod < agent.ActionDelay {
		return fmt.Errorf("agg_period (%d) must not be smaller than action_delay (%d)",
			agent.AggPeriod, agent.ActionDelay)
	}

	if agent.Mode == ModeDetect && agent.Model.WorkloadMetaFile == "" {
		return fmt.Errorf("detect mode requires a workload metadata file")
	}

	return nil
}
