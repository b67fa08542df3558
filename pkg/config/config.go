// Package config loads processor configuration from defaults, an optional YAML
// file and TALOS_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of a processor process
type Config struct {
	Processor  ProcessorConfig  `yaml:"processor"`
	Validation ValidationConfig `yaml:"validation"`
	NATS       NATSConfig       `yaml:"nats"`
	Subjects   SubjectsConfig   `yaml:"subjects"`
	Cache      CacheConfig      `yaml:"cache"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	SentryDSN  string           `yaml:"sentryDsn"`
}

// ProcessorConfig describes the identity this process registers with the control plane
type ProcessorConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	Version        string        `yaml:"version" validate:"required"`
	Description    string        `yaml:"description"`
	InputSchemaID  string        `yaml:"inputSchemaId" validate:"omitempty,uuid"`
	OutputSchemaID string        `yaml:"outputSchemaId" validate:"omitempty,uuid"`
	RequestTimeout time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	CreateGrace    time.Duration `yaml:"createGrace" validate:"gte=0"`
	ProcessTimeout time.Duration `yaml:"processTimeout" validate:"gt=0"`
	BatchSize      int           `yaml:"batchSize" validate:"gt=0"`
}

// ValidationConfig controls the schema gate policy
type ValidationConfig struct {
	EnableInputValidation  bool `yaml:"enableInputValidation"`
	EnableOutputValidation bool `yaml:"enableOutputValidation"`
	FailOnValidationError  bool `yaml:"failOnValidationError"`
	LogValidationErrors    bool `yaml:"logValidationErrors"`
	LogValidationWarnings  bool `yaml:"logValidationWarnings"`
	SchemaCacheSize        int  `yaml:"schemaCacheSize" validate:"gt=0"`
}

// NATSConfig holds bus connection settings
type NATSConfig struct {
	URL           string        `yaml:"url" validate:"required"`
	ClientName    string        `yaml:"clientName"`
	MaxReconnects int           `yaml:"maxReconnects"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	Token         string        `yaml:"token"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	MaxDeliver    int           `yaml:"maxDeliver"`
}

// SubjectsConfig names every subject the processor talks on
type SubjectsConfig struct {
	GetProcessor       string `yaml:"getProcessor" validate:"required"`
	GetSchema          string `yaml:"getSchema" validate:"required"`
	CreateProcessor    string `yaml:"createProcessor" validate:"required"`
	ActivityStream     string `yaml:"activityStream" validate:"required"`
	ActivitySubject    string `yaml:"activitySubject" validate:"required"`
	ResultStream       string `yaml:"resultStream" validate:"required"`
	ResultSubject      string `yaml:"resultSubject" validate:"required"`
	ExecutedEvent      string `yaml:"executedEvent" validate:"required"`
	FailedEvent        string `yaml:"failedEvent" validate:"required"`
	HealthSubject      string `yaml:"healthSubject" validate:"required"`
	StatisticsSubject  string `yaml:"statisticsSubject" validate:"required"`
	ConsumerNamePrefix string `yaml:"consumerNamePrefix"`
}

// CacheConfig selects and configures the cache store
type CacheConfig struct {
	Backend          string `yaml:"backend" validate:"oneof=kv blob memory"`
	BucketPrefix     string `yaml:"bucketPrefix"`
	BlobConnection   string `yaml:"blobConnection" validate:"required_if=Backend blob"`
	BlobContainer    string `yaml:"blobContainer" validate:"required_if=Backend blob"`
	HealthNamespace  string `yaml:"healthNamespace" validate:"required"`
	StatisticsWindow int    `yaml:"statisticsWindow" validate:"gt=0"`
}

// ExecutorConfig selects the business logic plugged into the pipeline
type ExecutorConfig struct {
	Kind       string `yaml:"kind" validate:"oneof=echo script"`
	ScriptPath string `yaml:"scriptPath" validate:"required_if=Kind script"`
}

// TracingConfig enables the OTLP exporter
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol" validate:"omitempty,oneof=http grpc"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Processor: ProcessorConfig{
			Name:           "talos-processor",
			Version:        "1.0.0",
			RequestTimeout: 30 * time.Second,
			CreateGrace:    2 * time.Second,
			ProcessTimeout: 5 * time.Minute,
			BatchSize:      10,
		},
		Validation: ValidationConfig{
			EnableInputValidation:  true,
			EnableOutputValidation: true,
			FailOnValidationError:  true,
			LogValidationErrors:    true,
			LogValidationWarnings:  true,
			SchemaCacheSize:        100,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ClientName:    "talos-processor",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
			MaxDeliver:    5,
		},
		Subjects: SubjectsConfig{
			GetProcessor:      "controlplane.processor.get",
			GetSchema:         "controlplane.schema.get",
			CreateProcessor:   "controlplane.processor.create",
			ActivityStream:    "ACTIVITIES",
			ActivitySubject:   "ACTIVITIES.execute",
			ResultStream:      "RESULTS",
			ResultSubject:     "result",
			ExecutedEvent:     "events.activity.executed",
			FailedEvent:       "events.activity.failed",
			HealthSubject:     "processor.health",
			StatisticsSubject: "processor.statistics",
		},
		Cache: CacheConfig{
			Backend:          "kv",
			BucketPrefix:     "activity",
			HealthNamespace:  "health",
			StatisticsWindow: 10000,
		},
		Executor: ExecutorConfig{
			Kind: "echo",
		},
		Tracing: TracingConfig{
			Endpoint:    "127.0.0.1:4318",
			Protocol:    "http",
			Environment: "development",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if non-empty),
// then environment overrides. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CompositeKey is the control-plane lookup key for this processor
func (p ProcessorConfig) CompositeKey() string {
	return p.Version + "_" + p.Name
}

// ConsumerName is the durable JetStream consumer for this processor configuration
func (c *Config) ConsumerName() string {
	name := c.Processor.Name + "-" + strings.ReplaceAll(c.Processor.Version, ".", "_")
	if c.Subjects.ConsumerNamePrefix != "" {
		name = c.Subjects.ConsumerNamePrefix + "-" + name
	}
	return name
}

func (c *Config) applyEnv() {
	c.Processor.Name = getEnv("TALOS_PROCESSOR_NAME", c.Processor.Name)
	c.Processor.Version = getEnv("TALOS_PROCESSOR_VERSION", c.Processor.Version)
	c.Processor.Description = getEnv("TALOS_PROCESSOR_DESCRIPTION", c.Processor.Description)
	c.Processor.InputSchemaID = getEnv("TALOS_INPUT_SCHEMA_ID", c.Processor.InputSchemaID)
	c.Processor.OutputSchemaID = getEnv("TALOS_OUTPUT_SCHEMA_ID", c.Processor.OutputSchemaID)
	c.Processor.RequestTimeout = getEnvDuration("TALOS_REQUEST_TIMEOUT", c.Processor.RequestTimeout)
	c.Processor.CreateGrace = getEnvDuration("TALOS_CREATE_GRACE", c.Processor.CreateGrace)
	c.Processor.ProcessTimeout = getEnvDuration("TALOS_PROCESS_TIMEOUT", c.Processor.ProcessTimeout)
	c.Processor.BatchSize = getEnvInt("TALOS_BATCH_SIZE", c.Processor.BatchSize)

	c.Validation.EnableInputValidation = getEnvBool("TALOS_ENABLE_INPUT_VALIDATION", c.Validation.EnableInputValidation)
	c.Validation.EnableOutputValidation = getEnvBool("TALOS_ENABLE_OUTPUT_VALIDATION", c.Validation.EnableOutputValidation)
	c.Validation.FailOnValidationError = getEnvBool("TALOS_FAIL_ON_VALIDATION_ERROR", c.Validation.FailOnValidationError)
	c.Validation.LogValidationErrors = getEnvBool("TALOS_LOG_VALIDATION_ERRORS", c.Validation.LogValidationErrors)
	c.Validation.LogValidationWarnings = getEnvBool("TALOS_LOG_VALIDATION_WARNINGS", c.Validation.LogValidationWarnings)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.URL = getEnv("TALOS_NATS_URL", c.NATS.URL)
	c.NATS.Token = getEnv("TALOS_NATS_TOKEN", c.NATS.Token)
	c.NATS.Username = getEnv("TALOS_NATS_USERNAME", c.NATS.Username)
	c.NATS.Password = getEnv("TALOS_NATS_PASSWORD", c.NATS.Password)
	c.NATS.MaxDeliver = getEnvInt("TALOS_NATS_MAX_DELIVER", c.NATS.MaxDeliver)

	c.Cache.Backend = strings.ToLower(getEnv("TALOS_CACHE_BACKEND", c.Cache.Backend))
	c.Cache.BlobConnection = getEnv("TALOS_BLOB_CONNECTION_STRING", c.Cache.BlobConnection)
	c.Cache.BlobContainer = getEnv("TALOS_BLOB_CONTAINER", c.Cache.BlobContainer)

	c.Executor.Kind = strings.ToLower(getEnv("TALOS_EXECUTOR", c.Executor.Kind))
	c.Executor.ScriptPath = getEnv("TALOS_EXECUTOR_SCRIPT", c.Executor.ScriptPath)

	c.Tracing.Enabled = getEnvBool("TALOS_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TALOS_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Protocol = strings.ToLower(getEnv("TALOS_OTLP_PROTOCOL", c.Tracing.Protocol))
	c.Tracing.Environment = getEnv("TALOS_ENVIRONMENT", c.Tracing.Environment)

	c.Metrics.Enabled = getEnvBool("TALOS_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getEnv("TALOS_METRICS_ADDRESS", c.Metrics.Address)

	c.SentryDSN = getEnv("TALOS_SENTRY_DSN", c.SentryDSN)
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
