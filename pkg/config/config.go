package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/health"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/observability"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/queue"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

// EnvPrefix is prepended to every environment override, e.g. REPAIR_STORAGE_TYPE.
const EnvPrefix = "REPAIR"

// Config holds the service configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     queue.Config    `mapstructure:"queue"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	TTL       TTLConfig       `mapstructure:"ttl"`
	Health    HealthConfig    `mapstructure:"health"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type StorageConfig struct {
	Type        string                   `mapstructure:"type"`
	DataDir     string                   `mapstructure:"data_dir"`
	DatabaseURL string                   `mapstructure:"database_url"`
	S3          artifacts.S3StoreConfig  `mapstructure:"s3"`
	GCS         artifacts.GCSStoreConfig `mapstructure:"gcs"`
}

type PolicyConfig struct {
	MinTrustedBaseBatches int            `mapstructure:"min_trusted_base_batches"`
	Guards                []policy.Guard `mapstructure:"guards"`
	// GuardsDir holds guards_*.yaml files loaded in addition to Guards.
	GuardsDir string `mapstructure:"guards_dir"`
}

type TTLConfig struct {
	NotifyAfter   time.Duration `mapstructure:"notify_after"`
	ReminderAfter time.Duration `mapstructure:"reminder_after"`
	ExpireAfter   time.Duration `mapstructure:"expire_after"`
}

type HealthConfig struct {
	CleanupRetention time.Duration `mapstructure:"cleanup_retention"`
}

type APIConfig struct {
	Addr          string  `mapstructure:"addr"`
	JWTSecret     string  `mapstructure:"jwt_secret"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	Environment  string `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	ttl := authority.DefaultTTLPolicy()

	v.SetDefault("storage.type", "fs")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")

	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.key", queue.DefaultRedisKey)
	v.SetDefault("queue.partitions", 4)
	v.SetDefault("queue.rate_per_second", 0)

	v.SetDefault("policy.min_trusted_base_batches", policy.DefaultMinTrustedBaseBatches)
	v.SetDefault("policy.guards_dir", "")

	v.SetDefault("ttl.notify_after", ttl.NotifyAfter)
	v.SetDefault("ttl.reminder_after", ttl.ReminderAfter)
	v.SetDefault("ttl.expire_after", ttl.ExpireAfter)

	v.SetDefault("health.cleanup_retention", health.DefaultRetention)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.rate_per_second", 20)
	v.SetDefault("api.burst", 40)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.environment", "development")
}

// Load reads configuration from defaults, the optional YAML file at path and
// REPAIR_* environment variables, in increasing precedence. An empty path skips
// the file; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Policy.GuardsDir != "" {
		extra, err := LoadGuardDir(cfg.Policy.GuardsDir)
		if err != nil {
			return nil, err
		}
		cfg.Policy.Guards = append(cfg.Policy.Guards, extra...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigError reports an invalid field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

// Validate rejects inconsistent values. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &ConfigError{Field: field, Message: msg})
	}

	switch c.Storage.Type {
	case "fs":
		if c.Storage.DataDir == "" {
			add("storage.data_dir", "required for fs storage")
		}
	case "badger":
		if c.Storage.DataDir == "" {
			add("storage.data_dir", "required for badger storage")
		}
	case "memory":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			add("storage.s3.bucket", "required for s3 storage")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			add("storage.gcs.bucket", "required for gcs storage")
		}
	case "postgres", "sqlite":
		if c.Storage.DatabaseURL == "" {
			add("storage.database_url", "required for "+c.Storage.Type+" storage")
		}
	default:
		add("storage.type", fmt.Sprintf("unsupported value %q", c.Storage.Type))
	}

	switch c.Queue.Type {
	case queue.TypeMemory, queue.TypeRedis:
	default:
		add("queue.type", fmt.Sprintf("unsupported value %q", c.Queue.Type))
	}
	if c.Queue.Type == queue.TypeRedis && c.Queue.Redis.Addr == "" {
		add("queue.redis.addr", "required for redis queue")
	}
	if c.Queue.Partitions < 1 {
		add("queue.partitions", "must be at least 1")
	}
	if c.Queue.RatePerSecond < 0 {
		add("queue.rate_per_second", "must not be negative")
	}

	if c.Policy.MinTrustedBaseBatches < 0 {
		add("policy.min_trusted_base_batches", "must not be negative")
	}
	for i, g := range c.Policy.Guards {
		if g.Name == "" || g.Expr == "" {
			add(fmt.Sprintf("policy.guards[%d]", i), "name and expr are required")
		}
	}

	if err := c.TTLPolicy().Validate(); err != nil {
		add("ttl", err.Error())
	}
	if c.Health.CleanupRetention <= 0 {
		add("health.cleanup_retention", "must be positive")
	}

	if c.API.RatePerSecond < 0 || c.API.Burst < 0 {
		add("api.rate_per_second", "rate and burst must not be negative")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		add("log.level", err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format", fmt.Sprintf("unsupported value %q", c.Log.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint", "required when telemetry is enabled")
	}

	return errors.Join(errs...)
}

// StoreConfig maps storage settings onto the manifest store factory.
func (c *Config) StoreConfig() store.Config {
	switch c.Storage.Type {
	case "postgres":
		return store.Config{Backend: store.BackendPostgres, DSN: c.Storage.DatabaseURL}
	case "sqlite":
		return store.Config{Backend: store.BackendSQLite, DSN: c.Storage.DatabaseURL}
	}
	return store.Config{
		Backend: store.BackendObject,
		Artifacts: artifacts.Config{
			Type:   artifacts.StoreType(c.Storage.Type),
			Dir:    c.Storage.DataDir,
			S3:     c.Storage.S3,
			GCS:    c.Storage.GCS,
			Badger: artifacts.BadgerStoreConfig{Dir: c.Storage.DataDir},
		},
	}
}

func (c *Config) TTLPolicy() authority.TTLPolicy {
	return authority.TTLPolicy{
		NotifyAfter:   c.TTL.NotifyAfter,
		ReminderAfter: c.TTL.ReminderAfter,
		ExpireAfter:   c.TTL.ExpireAfter,
	}
}

// PolicyEngine compiles the configured guards.
func (c *Config) PolicyEngine() (*policy.Engine, error) {
	return policy.NewEngine(c.Policy.Guards, policy.WithMinTrustedBaseBatches(c.Policy.MinTrustedBaseBatches))
}

func (c *Config) ObservabilityConfig(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	oc.Insecure = c.Telemetry.Insecure
	oc.Environment = c.Telemetry.Environment
	if version != "" {
		oc.ServiceVersion = version
	}
	return oc
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

// NewLogger builds a slog logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
