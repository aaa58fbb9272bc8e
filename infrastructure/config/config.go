// Package config loads the process configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	domainconfig "github.com/cybersemics/em-sub013/domain/config"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"serverAddress" validate:"required"`
	Environment   string `yaml:"environment" validate:"oneof=development staging production"`

	// Identity of this replica and the outline it serves
	PeerID  string `yaml:"peerId" validate:"required"`
	Outline string `yaml:"outline" validate:"required"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Replication ReplicationConfig `yaml:"replication"`
	Domain      DomainSection     `yaml:"domain"`
	Tracing     TracingConfig     `yaml:"tracing"`

	// Logging
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	// Feature flags
	EnableMetrics bool `yaml:"enableMetrics"`
	EnableCORS    bool `yaml:"enableCors"`

	// File is the YAML file the configuration was read from, if any
	File string `yaml:"-"`
}

// PersistenceConfig selects and locates the local store
type PersistenceConfig struct {
	Backend          string `yaml:"backend" validate:"oneof=memory badger dynamodb"`
	BadgerPath       string `yaml:"badgerPath" validate:"required_if=Backend badger"`
	DynamoDBTable    string `yaml:"dynamodbTable" validate:"required_if=Backend dynamodb"`
	DynamoDBEndpoint string `yaml:"dynamodbEndpoint"`
	AWSRegion        string `yaml:"awsRegion"`
}

// BroadcastConfig selects the transport to remote peers
type BroadcastConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=none redis"`
	RedisAddr    string `yaml:"redisAddr" validate:"required_if=Backend redis"`
	RedisChannel string `yaml:"redisChannel"`
}

// ReplicationConfig tunes the outbox processor
type ReplicationConfig struct {
	OutboxInterval   time.Duration `yaml:"outboxInterval" validate:"gt=0"`
	BatchSize        int           `yaml:"batchSize" validate:"min=1"`
	RetryMax         time.Duration `yaml:"retryMax" validate:"gt=0"`
	BreakerTimeout   time.Duration `yaml:"breakerTimeout" validate:"gt=0"`
	FailureThreshold uint32        `yaml:"failureThreshold" validate:"min=1"`
	// DeferredLimit caps parked inbound batches retried per pass
	DeferredLimit    int           `yaml:"deferredLimit" validate:"min=0"`
	// RealTimeSync runs the outbox processor and the inbound subscription.
	// When off, batches collect in the outbox and nothing is pulled.
	RealTimeSync     bool          `yaml:"realTimeSync"`
}

// DomainSection overrides the environment's business limits. Zero values and
// nil pointers keep the environment default. It is the only section applied
// on hot reload.
type DomainSection struct {
	MaxValueLength                int   `yaml:"maxValueLength" validate:"min=0"`
	AllowEmptyValue               *bool `yaml:"allowEmptyValue"`
	AllowDuplicateValuesInContext *bool `yaml:"allowDuplicateValuesInContext"`
	MaxRepairDepth                int   `yaml:"maxRepairDepth" validate:"min=0"`
	MaxRepairItems                int   `yaml:"maxRepairItems" validate:"min=0"`
}

// TracingConfig configures OTLP trace export
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	SampleRate float64 `yaml:"sampleRate" validate:"min=0,max=1"`
	Insecure   bool    `yaml:"insecure"`
}

var validate = validator.New()

// Load builds the configuration. path names an optional YAML file; when empty
// CONFIG_FILE is consulted.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
		cfg.File = path
	}

	loadEnvironmentVariables(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "peer"
	}
	return &Config{
		ServerAddress: ":8080",
		Environment:   "development",
		PeerID:        fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		Outline:       "default",
		Persistence: PersistenceConfig{
			Backend:    "badger",
			BadgerPath: "data/outline",
			AWSRegion:  "us-west-2",
		},
		Broadcast: BroadcastConfig{
			Backend:      "none",
			RedisChannel: "outline",
		},
		Replication: ReplicationConfig{
			OutboxInterval:   2 * time.Second,
			BatchSize:        50,
			RetryMax:         5 * time.Minute,
			BreakerTimeout:   30 * time.Second,
			FailureThreshold: 5,
			DeferredLimit:    1000,
			RealTimeSync:     true,
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
			Insecure:   true,
		},
		LogLevel:      "info",
		EnableMetrics: true,
		EnableCORS:    true,
	}
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// loadEnvironmentVariables overlays environment variables, the highest
// priority source
func loadEnvironmentVariables(cfg *Config) {
	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.PeerID = getEnv("PEER_ID", cfg.PeerID)
	cfg.Outline = getEnv("OUTLINE", cfg.Outline)

	cfg.Persistence.Backend = getEnv("PERSISTENCE_BACKEND", cfg.Persistence.Backend)
	cfg.Persistence.BadgerPath = getEnv("BADGER_PATH", cfg.Persistence.BadgerPath)
	cfg.Persistence.DynamoDBTable = getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", cfg.Persistence.DynamoDBTable))
	cfg.Persistence.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", cfg.Persistence.DynamoDBEndpoint)
	cfg.Persistence.AWSRegion = getEnv("AWS_REGION", cfg.Persistence.AWSRegion)

	cfg.Broadcast.Backend = getEnv("BROADCAST_BACKEND", cfg.Broadcast.Backend)
	cfg.Broadcast.RedisAddr = getEnv("REDIS_ADDR", cfg.Broadcast.RedisAddr)
	cfg.Broadcast.RedisChannel = getEnv("REDIS_CHANNEL", cfg.Broadcast.RedisChannel)

	cfg.Replication.OutboxInterval = getEnvDuration("OUTBOX_INTERVAL", cfg.Replication.OutboxInterval)
	cfg.Replication.BatchSize = getEnvInt("OUTBOX_BATCH_SIZE", cfg.Replication.BatchSize)
	cfg.Replication.RetryMax = getEnvDuration("OUTBOX_RETRY_MAX", cfg.Replication.RetryMax)
	cfg.Replication.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", cfg.Replication.BreakerTimeout)
	cfg.Replication.FailureThreshold = uint32(getEnvInt("BREAKER_FAILURE_THRESHOLD", int(cfg.Replication.FailureThreshold)))
	cfg.Replication.DeferredLimit = getEnvInt("DEFERRED_LIMIT", cfg.Replication.DeferredLimit)
	cfg.Replication.RealTimeSync = getEnvBool("REALTIME_SYNC", cfg.Replication.RealTimeSync)

	cfg.Domain.MaxRepairDepth = getEnvInt("MAX_REPAIR_DEPTH", cfg.Domain.MaxRepairDepth)
	cfg.Domain.MaxRepairItems = getEnvInt("MAX_REPAIR_ITEMS", cfg.Domain.MaxRepairItems)

	cfg.Tracing.Enabled = getEnvBool("ENABLE_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SampleRate = getEnvFloat("TRACE_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.EnableCORS = getEnvBool("ENABLE_CORS", cfg.EnableCORS)
}

// Validate checks the configuration against its struct rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DomainConfig returns the business limits for the environment with the
// domain and replication overrides applied
func (c *Config) DomainConfig() *domainconfig.DomainConfig {
	dc := domainconfig.LoadDomainConfig(c.Environment)
	c.Domain.ApplyTo(dc)
	dc.ReplicationBatchSize = c.Replication.BatchSize
	dc.OutboxInterval = c.Replication.OutboxInterval
	dc.DeferredRetryLimit = c.Replication.DeferredLimit
	dc.EnableRealTimeSync = c.Replication.RealTimeSync
	return dc
}

// ApplyTo copies the overrides set in s onto dc
func (s DomainSection) ApplyTo(dc *domainconfig.DomainConfig) {
	if s.MaxValueLength > 0 {
		dc.MaxValueLength = s.MaxValueLength
	}
	if s.AllowEmptyValue != nil {
		dc.AllowEmptyValue = *s.AllowEmptyValue
	}
	if s.AllowDuplicateValuesInContext != nil {
		dc.AllowDuplicateValuesInContext = *s.AllowDuplicateValuesInContext
	}
	if s.MaxRepairDepth > 0 {
		dc.MaxRepairDepth = s.MaxRepairDepth
	}
	if s.MaxRepairItems > 0 {
		dc.MaxRepairItems = s.MaxRepairItems
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
