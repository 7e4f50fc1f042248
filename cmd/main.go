package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"contention-agent/internal/allocator"
	"contention-agent/internal/collectors"
	"contention-agent/internal/config"
	"contention-agent/internal/controller"
	"contention-agent/internal/database"
	"contention-agent/internal/host"
	"contention-agent/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
	} else if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func main() {
	logger := logging.GetLogger()

	loadEnvironment()

	var configFile string
	var logLevel string
	var detectorLogLevel string

	rootCmd := &cobra.Command{
		Use:   "contention-agent",
		Short: "Host-resident resource contention controller",
		Long:  "Detects LLC, memory bandwidth and TDP contention between colocated containers and rebalances cache, bandwidth and CPU budgets through Intel RDT and cgroups",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			if detectorLogLevel != "" {
				if err := logging.SetDetectorLogLevel(detectorLogLevel); err != nil {
					return fmt.Errorf("invalid detector log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&detectorLogLevel, "detector-log-level", "", "Set detector log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configFile)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an agent configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfigFile(configFile)
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to agent configuration file")
	runCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to agent configuration file")
	validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func validateConfigFile(configFile string) error {
	logger := logging.GetLogger()

	_, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	logger.WithField("config_file", configFile).Info("Configuration is valid")
	return nil
}

// Agent wires the collectors, the allocator and the enforcement applier
// into the periodic control loop.
type Agent struct {
	config     *config.AgentConfig
	hostConfig *host.HostConfig
	manager    *collectors.Manager
	alloc      *allocator.ResourceAllocator
	applier    *host.Applier
	dbClient   *database.InfluxDBClient

	// Allocations applied so far, fed back into the next cycle.
	current controller.TaskAllocations
	// Last seen PID per container, for class cleanup on exit.
	pids map[string]int
}

func runAgent(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Failed to load configuration")
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.SetLogLevel(cfg.Agent.LogLevel); err != nil {
		logger.WithField("log_level", cfg.Agent.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
		logging.SetLogLevel("info")
	}

	if err := rdt.Initialize(""); err != nil {
		logger.WithError(err).Warn("Failed to initialize RDT, cache and bandwidth control will be disabled")
	}

	hostConfig, err := host.GetHostConfig()
	if err != nil {
		logger.WithError(err).Error("Failed to initialize host configuration")
		return err
	}

	dockerClient, err := collectors.NewDockerClient()
	if err != nil {
		logger.WithError(err).Error("Failed to create Docker client")
		return fmt.Errorf("failed to create Docker client: %w", err)
	}

	agent := &Agent{
		config:     cfg,
		hostConfig: hostConfig,
		manager:    collectors.NewManager(dockerClient),
		applier:    host.NewApplier(hostConfig),
		current:    make(controller.TaskAllocations),
		pids:       make(map[string]int),
	}
	defer agent.manager.Close()

	agent.alloc, err = allocator.New(cfg, allocator.Options{
		CacheWays:      hostConfig.CacheWays,
		MBMinBandwidth: hostConfig.MBMinBandwidth,
		MBGranularity:  hostConfig.MBGranularity,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build resource allocator")
		return err
	}

	if cfg.Agent.Data.DB.Host != "" {
		agent.dbClient, err = database.NewInfluxDBClient(cfg.Agent.Data.DB, hostConfig.Hostname)
		if err != nil {
			logger.WithError(err).Warn("Database unavailable, metrics will not be exported")
		} else {
			defer agent.dbClient.Close()
		}
	}

	logger.WithFields(logrus.Fields{
		"name":    cfg.Agent.Name,
		"mode":    cfg.Agent.Mode,
		"version": Version,
	}).Info("Starting agent")

	return agent.run()
}

func (a *Agent) run() error {
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down")
		cancel()
	}()

	ticker := time.NewTicker(a.config.GetActionDelay())
	defer ticker.Stop()

	logger.WithField("action_delay", a.config.GetActionDelay()).Info("Agent running")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Agent stopped")
			return nil
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// cycle runs one control iteration: refresh the task set, snapshot
// counters, run the allocator, and enforce the resulting directives.
func (a *Agent) cycle(ctx context.Context) {
	logger := logging.GetLogger()

	tasks, err := a.manager.Refresh(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to refresh task set")
		return
	}

	timestamp := time.Now()
	platform := allocator.Platform{
		Timestamp:      timestamp,
		CPUs:           a.hostConfig.TotalThreads,
		Sockets:        a.hostConfig.NumSockets,
		CacheControl:   a.hostConfig.CacheControl,
		CacheWays:      a.hostConfig.CacheWays,
		MBControl:      a.hostConfig.MBControl,
		MBMinBandwidth: a.hostConfig.MBMinBandwidth,
		MBGranularity:  a.hostConfig.MBGranularity,
	}

	resources := make(allocator.TasksResources, len(tasks))
	labels := make(allocator.TasksLabels, len(tasks))
	handles := make(map[string]host.TaskHandle, len(tasks))
	for cid, info := range tasks {
		resources[cid] = map[string]float64{"cpus": info.CPUs}
		labels[cid] = info.Labels
		handles[cid] = host.TaskHandle{PID: info.PID, CgroupPath: info.CgroupPath}
	}

	counters := a.manager.Snapshot()

	allocs, anomalies, metrics := a.alloc.Allocate(platform, counters, resources, labels, a.current)

	if a.config.IsDetectMode() {
		a.applier.Apply(allocs, handles)
		for cid, info := range tasks {
			a.applier.AssignTask(info.PID, labels[cid]["type"] == "best_efforts")
			a.pids[cid] = info.PID
		}
		for cid, alloc := range allocs {
			merged := a.current.Ensure(cid)
			if alloc.CPUQuota != nil {
				merged.CPUQuota = alloc.CPUQuota
			}
			if alloc.L3CacheMask != nil {
				merged.L3CacheMask = alloc.L3CacheMask
			}
			if alloc.MBPercent != nil {
				merged.MBPercent = alloc.MBPercent
			}
		}
		for cid := range a.current {
			if _, ok := tasks[cid]; !ok {
				if pid, seen := a.pids[cid]; seen {
					a.applier.ForgetTask(pid)
					delete(a.pids, cid)
				}
				delete(a.current, cid)
			}
		}
	}

	if a.dbClient != nil && a.alloc.State() == allocator.AggregationBoundary {
		a.dbClient.WriteMetrics(metrics, timestamp)
		a.dbClient.WriteAnomalies(anomalies, timestamp)
	}
}
