package config

import (
	"time"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/resilience"
)

// Storage type constants
const (
	// StorageTypeMemory keeps the collection in process
	StorageTypeMemory = "memory"
	// StorageTypeDynamoDB represents AWS DynamoDB
	StorageTypeDynamoDB = "dynamodb"
	// StorageTypeMongoDB represents MongoDB
	StorageTypeMongoDB = "mongodb"
	// StorageTypePostgres represents PostgreSQL
	StorageTypePostgres = "postgres"
	// StorageTypeMySQL represents MySQL
	StorageTypeMySQL = "mysql"
)

// DefaultEnvPrefix prefixes every environment variable read by the loader.
const DefaultEnvPrefix = "DOCROUTE"

// Config is the root configuration of docroute
type Config struct {
	Service       ServiceConfig
	Collection    CollectionConfig
	Query         feed.Options `mapstructure:"query"`
	Retry         RetryConfig
	Cost          CostConfig
	Storage       StorageConfig
	Catalog       CatalogConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// CollectionConfig describes the partitioned collection.
type CollectionConfig struct {
	Name string `mapstructure:"name"`
	// Partitions is the initial number of physical partitions.
	Partitions int `mapstructure:"partitions"`
	// CapacityBytes splits a partition once the bytes written to it exceed
	// the threshold; 0 disables automatic splits.
	CapacityBytes int64 `mapstructure:"capacity_bytes"`
}

// RetryConfig configures round-trip retries and per-partition circuit breakers.
type RetryConfig struct {
	resilience.RetryPolicy `mapstructure:",squash"`
	// BreakerFailures opens a partition's breaker after that many consecutive
	// transient failures; 0 disables breakers.
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// CostConfig overrides request-unit rates per operation kind.
type CostConfig struct {
	Rates map[string]cost.Rate `mapstructure:"rates"`
}

// Model returns the default price table with the configured overrides applied.
func (c CostConfig) Model() cost.Model {
	m := cost.DefaultModel()
	for kind, rate := range c.Rates {
		m.Rates[cost.Kind(kind)] = rate
	}
	return m
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Type     string         `mapstructure:"type"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	MongoDB  MongoDBConfig  `mapstructure:"mongodb"`
	Postgres SQLConfig      `mapstructure:"postgres"`
	MySQL    SQLConfig      `mapstructure:"mysql"`
}

// MemoryConfig configures the in-process store.
type MemoryConfig struct {
	// Latency is added to every round trip.
	Latency time.Duration `mapstructure:"latency"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	Table            string        `mapstructure:"table"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// CreateTable creates the table on startup when it does not exist.
	CreateTable bool `mapstructure:"create_table"`
}

// MongoDBConfig configures the MongoDB backend.
type MongoDBConfig struct {
	URL              string        `mapstructure:"url"`
	Database         string        `mapstructure:"database"`
	Collection       string        `mapstructure:"collection"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// SQLConfig configures a relational backend. URL is a connection URL for
// PostgreSQL and a driver DSN for MySQL.
type SQLConfig struct {
	URL             string        `mapstructure:"url"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	// CreateTable creates the table and its scan index on startup.
	CreateTable bool `mapstructure:"create_table"`
}

func defaultSQLConfig() SQLConfig {
	return SQLConfig{
		Table:           "documents",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
		CreateTable:     true,
	}
}

// CatalogConfig configures the shared partition catalog in Redis.
type CatalogConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// Watch follows splits published by other processes.
	Watch bool `mapstructure:"watch"`
}

// ArchiveConfig configures the S3 archive of partition map versions.
type ArchiveConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Bucket           string        `mapstructure:"bucket"`
	Prefix           string        `mapstructure:"prefix"`
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	UsePathStyle     bool          `mapstructure:"use_path_style"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"`
	MetricsAddr       string  `mapstructure:"metrics_addr"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "docroute",
			Environment: "development",
		},
		Collection: CollectionConfig{
			Name:       "FoodCollection",
			Partitions: 4,
		},
		Query: feed.DefaultOptions(),
		Retry: RetryConfig{
			RetryPolicy:     resilience.DefaultRetryPolicy(),
			BreakerFailures: 0,
			BreakerCooldown: 30 * time.Second,
		},
		Cost: CostConfig{Rates: map[string]cost.Rate{}},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			DynamoDB: DynamoDBConfig{
				Table:            "docroute",
				OperationTimeout: 5 * time.Second,
			},
			MongoDB: MongoDBConfig{
				Database:         "docroute",
				Collection:       "documents",
				ConnectTimeout:   10 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
			Postgres: defaultSQLConfig(),
			MySQL:    defaultSQLConfig(),
		},
		Catalog: CatalogConfig{
			MaxConns:         10,
			OperationTimeout: 2 * time.Second,
		},
		Archive: ArchiveConfig{
			Prefix:           "docroute/partition-maps",
			OperationTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
		},
	}
}
