package config

import (
	"fmt"
	"time"
)

// DomainConfig holds all configurable business rules and constraints
type DomainConfig struct {
	// Value constraints
	MaxValueLength int
	AllowEmptyValue bool

	// Sibling constraints
	AllowDuplicateValuesInContext bool

	// Repair limits
	MaxRepairDepth int
	MaxRepairItems int

	// Replication. DeferredRetryLimit caps how many parked inbound batches
	// one retry pass re-reads; parked batches are never dropped.
	ReplicationBatchSize int
	OutboxInterval       time.Duration
	DeferredRetryLimit   int

	// Feature flags. EnableRealTimeSync runs the outbox processor and the
	// inbound subscription.
	EnableRealTimeSync bool
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		MaxValueLength:  10000,
		AllowEmptyValue: true,

		AllowDuplicateValuesInContext: false,

		MaxRepairDepth: 1000,
		MaxRepairItems: 1000000,

		ReplicationBatchSize: 50,
		OutboxInterval:       2 * time.Second,
		DeferredRetryLimit:   1000,

		EnableRealTimeSync: true,
	}
}

// ProductionDomainConfig returns production-specific configuration
func ProductionDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()
	config.OutboxInterval = 5 * time.Second
	config.MaxRepairItems = 500000
	return config
}

// DevelopmentDomainConfig returns development-specific configuration
func DevelopmentDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()
	config.OutboxInterval = 500 * time.Millisecond
	config.AllowDuplicateValuesInContext = true
	return config
}

// LoadDomainConfig loads domain configuration based on environment
func LoadDomainConfig(environment string) *DomainConfig {
	switch environment {
	case "production":
		return ProductionDomainConfig()
	case "development":
		return DevelopmentDomainConfig()
	default:
		return DefaultDomainConfig()
	}
}

// Validate checks if the configuration is valid
func (c *DomainConfig) Validate() error {
	if c.MaxValueLength <= 0 {
		return fmt.Errorf("max value length must be positive, got %d", c.MaxValueLength)
	}
	if c.MaxRepairDepth <= 0 {
		return fmt.Errorf("max repair depth must be positive, got %d", c.MaxRepairDepth)
	}
	if c.MaxRepairItems <= 0 {
		return fmt.Errorf("max repair items must be positive, got %d", c.MaxRepairItems)
	}
	if c.ReplicationBatchSize <= 0 {
		return fmt.Errorf("replication batch size must be positive, got %d", c.ReplicationBatchSize)
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("outbox interval must be positive, got %s", c.OutboxInterval)
	}
	return nil
}
