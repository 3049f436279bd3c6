// Package config loads the control plane's configuration surface from a
// YAML file and applies sensible defaults for any file or field that is
// absent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Pool bounds the managed container population.
type Pool struct {
	MinSize          int `yaml:"minSize"`
	MaxSize          int `yaml:"maxSize"`
	TargetSize       int `yaml:"targetSize"`
	WarmupContainers int `yaml:"warmupContainers"`
}

// Container carries the default template's resource shape and the shell
// commands run inside a container before it's returned to the available
// pool.
type Container struct {
	BaseImage       string     `yaml:"baseImage"`
	Memory          string     `yaml:"memory"`
	CPUs            string     `yaml:"cpus"`
	CleanupCommands [][]string `yaml:"cleanupCommands"`
}

// ScalerThresholds are the utilization bands that drive scale decisions.
type ScalerThresholds struct {
	ScaleUp   float64 `yaml:"scaleUp"`
	ScaleDown float64 `yaml:"scaleDown"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// ScalerLimits cap the size of any single scaling decision.
type ScalerLimits struct {
	MaxUp         int `yaml:"maxUp"`
	MaxDown       int `yaml:"maxDown"`
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// ScalerTiming controls the scaler's cadence and cooldowns.
type ScalerTiming struct {
	Interval     time.Duration `yaml:"interval"`
	UpCooldown   time.Duration `yaml:"upCooldown"`
	DownCooldown time.Duration `yaml:"downCooldown"`
}

// Scaler holds the DynamicScaler's tunables.
type Scaler struct {
	Thresholds ScalerThresholds `yaml:"thresholds"`
	Limits     ScalerLimits     `yaml:"limits"`
	Timing     ScalerTiming     `yaml:"timing"`
}

// Prediction controls the scaler's predictive overlay.
type Prediction struct {
	Enable      bool    `yaml:"enable"`
	Smoothing   float64 `yaml:"smoothing"`
	TrendWeight float64 `yaml:"trendWeight"`
}

// Cost controls the scaler's cost overlay.
type Cost struct {
	Enable        bool     `yaml:"enable"`
	IdleThreshold float64  `yaml:"idleThreshold"`
	Schedule      []string `yaml:"schedule"`
}

// Health bounds per-container health/idle/recovery windows.
type Health struct {
	CheckInterval      time.Duration `yaml:"checkInterval"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	IdleTimeout        time.Duration `yaml:"idleTimeout"`
	MaxAge             time.Duration `yaml:"maxAge"`
}

// Monitor controls the ResourceMonitor's sampling cadence and alerting.
type Monitor struct {
	Interval      time.Duration `yaml:"interval"`
	AlertCooldown time.Duration `yaml:"alertCooldown"`
	AlertTTL      time.Duration `yaml:"alertTTL"`
}

// Coordinator controls the Coordinator's health and optimization loops.
type Coordinator struct {
	HealthInterval       time.Duration `yaml:"healthInterval"`
	OptimizationInterval time.Duration `yaml:"optimizationInterval"`
	AutoRestart          bool          `yaml:"autoRestart"`
}

// ThresholdBand is one resource's warning/critical/low alert bands.
type ThresholdBand struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Low      float64 `yaml:"low"`
}

// Thresholds holds the per-resource alert bands.
type Thresholds struct {
	CPU    ThresholdBand `yaml:"cpu"`
	Memory ThresholdBand `yaml:"memory"`
	Disk   ThresholdBand `yaml:"disk"`
}

// StateValidation controls the StateManager's reconciliation loop.
type StateValidation struct {
	Enable      bool          `yaml:"enable"`
	Interval    time.Duration `yaml:"interval"`
	AutoCorrect bool          `yaml:"autoCorrect"`
}

// StateRecovery controls the StateManager's failure-recovery attempts.
type StateRecovery struct {
	Enable      bool          `yaml:"enable"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
	OrphanAge   time.Duration `yaml:"orphanAge"`
}

// OptimizerWeights are the ReuseOptimizer's scoring weights.
type OptimizerWeights struct {
	Pattern float64 `yaml:"pattern"`
	Perf    float64 `yaml:"perf"`
	Res     float64 `yaml:"res"`
}

// Optimizer controls the ReuseOptimizer's recycling policy and scoring.
type Optimizer struct {
	MaxReuseCount       int              `yaml:"maxReuseCount"`
	MaxContainerAge     time.Duration    `yaml:"maxContainerAge"`
	PreemptiveThreshold float64          `yaml:"preemptiveThreshold"`
	Weights             OptimizerWeights `yaml:"weights"`
}

// Config is the control plane's full configuration surface.
type Config struct {
	Pool            Pool            `yaml:"pool"`
	Container       Container       `yaml:"container"`
	Scaler          Scaler          `yaml:"scaler"`
	Prediction      Prediction      `yaml:"prediction"`
	Cost            Cost            `yaml:"cost"`
	Health          Health          `yaml:"health"`
	Monitor         Monitor         `yaml:"monitor"`
	Thresholds      Thresholds      `yaml:"thresholds"`
	StateValidation StateValidation `yaml:"state.validation"`
	StateRecovery   StateRecovery   `yaml:"state.recovery"`
	Optimizer       Optimizer       `yaml:"optimizer"`
	Coordinator     Coordinator     `yaml:"coordinator"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
	DataDir  string `yaml:"dataDir"`
}

// Default returns the control plane's default configuration surface.
func Default() Config {
	return Config{
		Pool: Pool{MinSize: 3, MaxSize: 20, TargetSize: 8, WarmupContainers: 2},
		Container: Container{
			BaseImage: "ghcr.io/actions/runner:latest",
			Memory:    "2g",
			CPUs:      "1.0",
			CleanupCommands: [][]string{
				{"sh", "-c", "rm -rf /workspace/* 2>/dev/null || true"},
				{"sh", "-c", "pkill -u runner 2>/dev/null || true"},
			},
		},
		Scaler: Scaler{
			Thresholds: ScalerThresholds{ScaleUp: 0.8, ScaleDown: 0.3, Critical: 0.95, Emergency: 0.9},
			Limits:     ScalerLimits{MaxUp: 3, MaxDown: 2, MaxConcurrent: 5},
			Timing:     ScalerTiming{Interval: 30 * time.Second, UpCooldown: 30 * time.Second, DownCooldown: 3 * time.Minute},
		},
		Prediction: Prediction{Enable: true, Smoothing: 0.3, TrendWeight: 0.4},
		Cost:       Cost{Enable: true, IdleThreshold: 0.8, Schedule: nil},
		Health: Health{
			CheckInterval:      30 * time.Second,
			UnhealthyThreshold: 3,
			IdleTimeout:        5 * time.Minute,
			MaxAge:             time.Hour,
		},
		Monitor: Monitor{Interval: 15 * time.Second, AlertCooldown: 5 * time.Minute, AlertTTL: 24 * time.Hour},
		Thresholds: Thresholds{
			CPU:    ThresholdBand{Warning: 80, Critical: 95, Low: 20},
			Memory: ThresholdBand{Warning: 85, Critical: 95, Low: 30},
			Disk:   ThresholdBand{Warning: 80, Critical: 90, Low: 40},
		},
		StateValidation: StateValidation{Enable: true, Interval: 30 * time.Second, AutoCorrect: true},
		StateRecovery:   StateRecovery{Enable: true, Timeout: 30 * time.Second, MaxAttempts: 3, OrphanAge: 5 * time.Minute},
		Optimizer: Optimizer{
			MaxReuseCount:       100,
			MaxContainerAge:     time.Hour,
			PreemptiveThreshold: 0.7,
			Weights:             OptimizerWeights{Pattern: 0.4, Perf: 0.3, Res: 0.3},
		},
		Coordinator: Coordinator{
			HealthInterval:       30 * time.Second,
			OptimizationInterval: 5 * time.Minute,
			AutoRestart:          true,
		},
		LogLevel: "info",
		DataDir:  "./data",
	}
}

// Load reads a YAML file at path and overlays it on top of Default(). A
// missing file is not an error: the defaults are returned unmodified.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the obvious invariants: pool sizing order, scaler
// threshold order, and non-negative cooldowns/intervals.
func (c Config) Validate() error {
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("config: pool.minSize (%d) must be <= pool.maxSize (%d)", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Pool.TargetSize < c.Pool.MinSize || c.Pool.TargetSize > c.Pool.MaxSize {
		return fmt.Errorf("config: pool.targetSize (%d) must be within [minSize, maxSize]", c.Pool.TargetSize)
	}
	if c.Scaler.Thresholds.ScaleDown >= c.Scaler.Thresholds.ScaleUp {
		return fmt.Errorf("config: scaler.thresholds.scaleDown must be < scaleUp")
	}
	if c.Scaler.Thresholds.Critical < c.Scaler.Thresholds.Emergency {
		return fmt.Errorf("config: scaler.thresholds.critical must be >= emergency")
	}
	for name, d := range map[string]time.Duration{
		"scaler.timing.interval":           c.Scaler.Timing.Interval,
		"scaler.timing.upCooldown":         c.Scaler.Timing.UpCooldown,
		"scaler.timing.downCooldown":       c.Scaler.Timing.DownCooldown,
		"health.checkInterval":             c.Health.CheckInterval,
		"monitor.interval":                 c.Monitor.Interval,
		"monitor.alertCooldown":            c.Monitor.AlertCooldown,
		"state.validation.interval":        c.StateValidation.Interval,
		"coordinator.healthInterval":       c.Coordinator.HealthInterval,
		"coordinator.optimizationInterval": c.Coordinator.OptimizationInterval,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must be non-negative", name)
		}
	}
	return nil
}
