package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/observability/logger"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "DOCROUTE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v, err := l.newViper()
	if err != nil {
		return nil, err
	}
	return l.unmarshal(v)
}

func (l *ViperLoader) newViper() (*viper.Viper, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}
	return v, nil
}

func (l *ViperLoader) unmarshal(v *viper.Viper) (*Config, error) {
	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Collection
	v.BindEnv("collection.name", l.prefixedEnv("COLLECTION_NAME"))
	v.BindEnv("collection.partitions", l.prefixedEnv("COLLECTION_PARTITIONS"))
	v.BindEnv("collection.capacity_bytes", l.prefixedEnv("COLLECTION_CAPACITY_BYTES"))

	// Query
	v.BindEnv("query.max_concurrency", l.prefixedEnv("QUERY_MAX_CONCURRENCY"))
	v.BindEnv("query.max_buffered_items", l.prefixedEnv("QUERY_MAX_BUFFERED_ITEMS"))
	v.BindEnv("query.max_item_count", l.prefixedEnv("QUERY_MAX_ITEM_COUNT"))

	// Retry
	v.BindEnv("retry.max_attempts", l.prefixedEnv("RETRY_MAX_ATTEMPTS"))
	v.BindEnv("retry.initial_backoff", l.prefixedEnv("RETRY_INITIAL_BACKOFF"))
	v.BindEnv("retry.max_backoff", l.prefixedEnv("RETRY_MAX_BACKOFF"))
	v.BindEnv("retry.attempt_timeout", l.prefixedEnv("RETRY_ATTEMPT_TIMEOUT"))
	v.BindEnv("retry.breaker_failures", l.prefixedEnv("RETRY_BREAKER_FAILURES"))
	v.BindEnv("retry.breaker_cooldown", l.prefixedEnv("RETRY_BREAKER_COOLDOWN"))

	// Storage
	v.BindEnv("storage.type", l.prefixedEnv("STORAGE_TYPE"))
	v.BindEnv("storage.memory.latency", l.prefixedEnv("STORAGE_MEMORY_LATENCY"))
	v.BindEnv("storage.dynamodb.region", l.prefixedEnv("STORAGE_DYNAMODB_REGION"))
	v.BindEnv("storage.dynamodb.endpoint", l.prefixedEnv("STORAGE_DYNAMODB_ENDPOINT"))
	v.BindEnv("storage.dynamodb.table", l.prefixedEnv("STORAGE_DYNAMODB_TABLE"))
	v.BindEnv("storage.dynamodb.access_key_id", l.prefixedEnv("STORAGE_DYNAMODB_ACCESS_KEY_ID"))
	v.BindEnv("storage.dynamodb.secret_access_key", l.prefixedEnv("STORAGE_DYNAMODB_SECRET_ACCESS_KEY"))
	v.BindEnv("storage.dynamodb.session_token", l.prefixedEnv("STORAGE_DYNAMODB_SESSION_TOKEN"))
	v.BindEnv("storage.dynamodb.operation_timeout", l.prefixedEnv("STORAGE_DYNAMODB_OPERATION_TIMEOUT"))
	v.BindEnv("storage.dynamodb.create_table", l.prefixedEnv("STORAGE_DYNAMODB_CREATE_TABLE"))
	v.BindEnv("storage.mongodb.url", l.prefixedEnv("STORAGE_MONGODB_URL"))
	v.BindEnv("storage.mongodb.database", l.prefixedEnv("STORAGE_MONGODB_DATABASE"))
	v.BindEnv("storage.mongodb.collection", l.prefixedEnv("STORAGE_MONGODB_COLLECTION"))
	v.BindEnv("storage.mongodb.connect_timeout", l.prefixedEnv("STORAGE_MONGODB_CONNECT_TIMEOUT"))
	v.BindEnv("storage.mongodb.operation_timeout", l.prefixedEnv("STORAGE_MONGODB_OPERATION_TIMEOUT"))
	for _, backend := range []string{"postgres", "mysql"} {
		for _, field := range sqlFields {
			v.BindEnv("storage."+backend+"."+field, l.prefixedEnv("STORAGE_"+strings.ToUpper(backend+"_"+field)))
		}
	}

	// Catalog
	v.BindEnv("catalog.enabled", l.prefixedEnv("CATALOG_ENABLED"))
	v.BindEnv("catalog.url", l.prefixedEnv("CATALOG_URL"))
	v.BindEnv("catalog.max_conns", l.prefixedEnv("CATALOG_MAX_CONNS"))
	v.BindEnv("catalog.operation_timeout", l.prefixedEnv("CATALOG_OPERATION_TIMEOUT"))
	v.BindEnv("catalog.watch", l.prefixedEnv("CATALOG_WATCH"))

	// Archive
	for _, field := range archiveFields {
		v.BindEnv("archive."+field, l.prefixedEnv("ARCHIVE_"+strings.ToUpper(field)))
	}

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"), l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"), l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.metrics_addr", l.prefixedEnv("OBSERVABILITY_METRICS_ADDR"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("OBSERVABILITY_TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("OBSERVABILITY_TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("OBSERVABILITY_TRACING_ENDPOINT"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("collection.name", cfg.Collection.Name)
	v.SetDefault("collection.partitions", cfg.Collection.Partitions)
	v.SetDefault("collection.capacity_bytes", cfg.Collection.CapacityBytes)

	v.SetDefault("query.max_concurrency", cfg.Query.MaxConcurrency)
	v.SetDefault("query.max_buffered_items", cfg.Query.MaxBufferedItems)
	v.SetDefault("query.max_item_count", cfg.Query.MaxItemCount)

	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", cfg.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", cfg.Retry.MaxBackoff)
	v.SetDefault("retry.attempt_timeout", cfg.Retry.AttemptTimeout)
	v.SetDefault("retry.breaker_failures", cfg.Retry.BreakerFailures)
	v.SetDefault("retry.breaker_cooldown", cfg.Retry.BreakerCooldown)

	v.SetDefault("cost.rates", map[string]any{})

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.memory.latency", cfg.Storage.Memory.Latency)
	v.SetDefault("storage.dynamodb.region", cfg.Storage.DynamoDB.Region)
	v.SetDefault("storage.dynamodb.endpoint", cfg.Storage.DynamoDB.Endpoint)
	v.SetDefault("storage.dynamodb.table", cfg.Storage.DynamoDB.Table)
	v.SetDefault("storage.dynamodb.access_key_id", cfg.Storage.DynamoDB.AccessKeyID)
	v.SetDefault("storage.dynamodb.secret_access_key", cfg.Storage.DynamoDB.SecretAccessKey)
	v.SetDefault("storage.dynamodb.session_token", cfg.Storage.DynamoDB.SessionToken)
	v.SetDefault("storage.dynamodb.operation_timeout", cfg.Storage.DynamoDB.OperationTimeout)
	v.SetDefault("storage.dynamodb.create_table", cfg.Storage.DynamoDB.CreateTable)
	v.SetDefault("storage.mongodb.url", cfg.Storage.MongoDB.URL)
	v.SetDefault("storage.mongodb.database", cfg.Storage.MongoDB.Database)
	v.SetDefault("storage.mongodb.collection", cfg.Storage.MongoDB.Collection)
	v.SetDefault("storage.mongodb.connect_timeout", cfg.Storage.MongoDB.ConnectTimeout)
	v.SetDefault("storage.mongodb.operation_timeout", cfg.Storage.MongoDB.OperationTimeout)
	setSQLDefaults(v, "storage.postgres", cfg.Storage.Postgres)
	setSQLDefaults(v, "storage.mysql", cfg.Storage.MySQL)

	v.SetDefault("catalog.enabled", cfg.Catalog.Enabled)
	v.SetDefault("catalog.url", cfg.Catalog.URL)
	v.SetDefault("catalog.max_conns", cfg.Catalog.MaxConns)
	v.SetDefault("catalog.operation_timeout", cfg.Catalog.OperationTimeout)
	v.SetDefault("catalog.watch", cfg.Catalog.Watch)

	v.SetDefault("archive.enabled", cfg.Archive.Enabled)
	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("archive.prefix", cfg.Archive.Prefix)
	v.SetDefault("archive.region", cfg.Archive.Region)
	v.SetDefault("archive.endpoint", cfg.Archive.Endpoint)
	v.SetDefault("archive.access_key_id", cfg.Archive.AccessKeyID)
	v.SetDefault("archive.secret_access_key", cfg.Archive.SecretAccessKey)
	v.SetDefault("archive.session_token", cfg.Archive.SessionToken)
	v.SetDefault("archive.use_path_style", cfg.Archive.UsePathStyle)
	v.SetDefault("archive.operation_timeout", cfg.Archive.OperationTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
}

// Validate checks the configuration and reports every problem at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))
	cfg.Observability.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Observability.LogFormat))

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	// Collection
	if strings.TrimSpace(cfg.Collection.Name) == "" {
		errs = append(errs, errors.New("collection.name is required"))
	}
	if cfg.Collection.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("invalid collection.partitions: %d (must be positive)", cfg.Collection.Partitions))
	}
	if cfg.Collection.CapacityBytes < 0 {
		errs = append(errs, errors.New("collection.capacity_bytes cannot be negative"))
	}

	// Query options use the same rules the feed enforces at execution time.
	if err := cfg.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// Retry
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("invalid retry.max_attempts: %d (must be at least 1)", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.InitialBackoff < 0 || cfg.Retry.MaxBackoff < 0 || cfg.Retry.AttemptTimeout < 0 {
		errs = append(errs, errors.New("retry durations cannot be negative"))
	}
	if cfg.Retry.MaxBackoff > 0 && cfg.Retry.InitialBackoff > cfg.Retry.MaxBackoff {
		errs = append(errs, errors.New("retry.initial_backoff cannot exceed retry.max_backoff"))
	}
	if cfg.Retry.BreakerFailures < 0 {
		errs = append(errs, errors.New("retry.breaker_failures cannot be negative"))
	}
	if cfg.Retry.BreakerFailures > 0 && cfg.Retry.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("retry.breaker_cooldown is required when breakers are enabled"))
	}

	// Cost
	for kind := range cfg.Cost.Rates {
		if !contains(costKinds(), kind) {
			errs = append(errs, fmt.Errorf("invalid cost.rates key: %s (must be one of: %v)", kind, costKinds()))
		}
	}
	if err := cfg.Cost.Model().Validate(); err != nil {
		errs = append(errs, err)
	}

	// Storage
	validStorageTypes := []string{StorageTypeMemory, StorageTypeDynamoDB, StorageTypeMongoDB, StorageTypePostgres, StorageTypeMySQL}
	switch cfg.Storage.Type {
	case StorageTypeMemory:
		if cfg.Storage.Memory.Latency < 0 {
			errs = append(errs, errors.New("storage.memory.latency cannot be negative"))
		}
	case StorageTypeDynamoDB:
		if cfg.Storage.DynamoDB.Region == "" {
			errs = append(errs, errors.New("storage.dynamodb.region is required for DynamoDB"))
		}
		if cfg.Storage.DynamoDB.Table == "" {
			errs = append(errs, errors.New("storage.dynamodb.table is required for DynamoDB"))
		}
	case StorageTypeMongoDB:
		if cfg.Storage.MongoDB.URL == "" {
			errs = append(errs, errors.New("storage.mongodb.url is required for MongoDB"))
		}
		if cfg.Storage.MongoDB.Database == "" {
			errs = append(errs, errors.New("storage.mongodb.database is required for MongoDB"))
		}
	case StorageTypePostgres:
		errs = append(errs, validateSQL("storage.postgres", cfg.Storage.Postgres)...)
	case StorageTypeMySQL:
		errs = append(errs, validateSQL("storage.mysql", cfg.Storage.MySQL)...)
	default:
		errs = append(errs, fmt.Errorf("invalid storage.type: %s (must be one of: %v)", cfg.Storage.Type, validStorageTypes))
	}

	// Catalog
	if cfg.Catalog.Enabled && cfg.Catalog.URL == "" {
		errs = append(errs, errors.New("catalog.url is required when the catalog is enabled"))
	}
	if cfg.Catalog.Watch && !cfg.Catalog.Enabled {
		errs = append(errs, errors.New("catalog.watch requires catalog.enabled to be true"))
	}

	// Archive
	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required when the archive is enabled"))
		}
		if cfg.Archive.Region == "" {
			errs = append(errs, errors.New("archive.region is required when the archive is enabled"))
		}
	}

	// Observability
	if _, err := logger.ParseLogLevel(cfg.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s", cfg.Observability.LogLevel))
	}
	if _, err := logger.ParseLogFormat(cfg.Observability.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s", cfg.Observability.LogFormat))
	}
	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("invalid observability.tracing_sample_rate: %v (must be between 0 and 1)", cfg.Observability.TracingSampleRate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func costKinds() []string {
	kinds := make([]string, len(cost.Kinds))
	for i, k := range cost.Kinds {
		kinds[i] = string(k)
	}
	return kinds
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

var archiveFields = []string{
	"enabled", "bucket", "prefix", "region", "endpoint", "access_key_id",
	"secret_access_key", "session_token", "use_path_style", "operation_timeout",
}

var sqlFields = []string{
	"url", "table", "max_open_conns", "max_idle_conns",
	"conn_max_lifetime", "conn_max_idle_time", "query_timeout", "create_table",
}

func setSQLDefaults(v *viper.Viper, prefix string, c SQLConfig) {
	v.SetDefault(prefix+".url", c.URL)
	v.SetDefault(prefix+".table", c.Table)
	v.SetDefault(prefix+".max_open_conns", c.MaxOpenConns)
	v.SetDefault(prefix+".max_idle_conns", c.MaxIdleConns)
	v.SetDefault(prefix+".conn_max_lifetime", c.ConnMaxLifetime)
	v.SetDefault(prefix+".conn_max_idle_time", c.ConnMaxIdleTime)
	v.SetDefault(prefix+".query_timeout", c.QueryTimeout)
	v.SetDefault(prefix+".create_table", c.CreateTable)
}

func validateSQL(prefix string, c SQLConfig) []error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, fmt.Errorf("%s.url is required", prefix))
	}
	if c.Table == "" {
		errs = append(errs, fmt.Errorf("%s.table is required", prefix))
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		errs = append(errs, fmt.Errorf("%s pool sizes cannot be negative", prefix))
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("%s.max_idle_conns cannot exceed max_open_conns", prefix))
	}
	if c.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.query_timeout cannot be negative", prefix))
	}
	return errs
}
