// Package concurrency sizes and bounds the processor's worker concurrency.
package concurrency

import (
	"os"
	"runtime"
	"strconv"

	"go.uber.org/zap"
)

// ConfigSource indicates where the concurrency limit came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the concurrency limits of a processor process
type Config struct {
	// MaxConcurrent bounds activities in flight across all workers
	MaxConcurrent int
	// RunnerWorkers is the number of goroutines draining pulled messages
	RunnerWorkers int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig reads TALOS_MAX_CONCURRENT, TALOS_CONCURRENCY_MULTIPLIER and
// TALOS_RUNNER_WORKERS, falling back to values derived from GOMAXPROCS
func LoadConfig() *Config {
	cfg := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if n := getEnvInt("TALOS_MAX_CONCURRENT", 0); n > 0 {
		cfg.MaxConcurrent = n
		cfg.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("TALOS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		cfg.MaxConcurrent = cfg.EffectiveCPUs * multiplier
		cfg.Source = ConfigSourceEnvVar
	} else {
		cfg.MaxConcurrent = defaultMaxConcurrent(cfg.IsKubernetes, cfg.EffectiveCPUs)
		cfg.Source = ConfigSourceAutoDetect
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	if workers := getEnvInt("TALOS_RUNNER_WORKERS", 0); workers > 0 {
		cfg.RunnerWorkers = workers
	} else {
		cfg.RunnerWorkers = defaultRunnerWorkers(cfg.IsKubernetes, cfg.EffectiveCPUs)
	}
	return cfg
}

// Fields renders the configuration for structured logging
func (c *Config) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("max_concurrent", c.MaxConcurrent),
		zap.Int("runner_workers", c.RunnerWorkers),
		zap.String("source", string(c.Source)),
		zap.Bool("kubernetes", c.IsKubernetes),
		zap.Int("effective_cpus", c.EffectiveCPUs),
	}
}

// isKubernetes detects if the process runs inside a Kubernetes pod
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// Activities mostly wait on the bus and the cache, so the limit sits above the CPU count
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func defaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
