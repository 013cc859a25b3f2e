package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"castellan/balancer"
	"castellan/correlation"
	"castellan/dispatch"
	"castellan/queue"
	"castellan/registry"
	"castellan/state"
	"castellan/storage"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// StartupMode defines how Castellan handles initialization failures
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// State backends
const (
	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
)

// Instance transports
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// DataPaths holds data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (CASTELLAN_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file (CASTELLAN_SQLITE_PATH, default: ${DataDir}/castellan.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// StateConfig selects and configures the shared state backend
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	// Persist writes memory-backend entries through to SQLite
	Persist bool               `mapstructure:"persist"`
	Memory  state.MemoryConfig `mapstructure:"memory"`
	Redis   state.RedisConfig  `mapstructure:"redis"`
}

// NATSConfig configures the NATS connection used by the nats transport
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Token         string        `mapstructure:"token"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// TransportConfig selects how the registry reaches pipeline instances
type TransportConfig struct {
	Type    string        `mapstructure:"type"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	TLS            bool     `mapstructure:"tls"`
	CertFile       string   `mapstructure:"cert_file"`
	KeyFile        string   `mapstructure:"key_file"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxBodyBytes bounds request bodies
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// EventSchemaFile is an optional JSON schema inbound events must satisfy
	EventSchemaFile string `mapstructure:"event_schema_file"`
	RateLimit       struct {
		RequestsPerSecond float64  `mapstructure:"requests_per_second"`
		Burst             int      `mapstructure:"burst"`
		ExemptIPs         []string `mapstructure:"exempt_ips"`
	} `mapstructure:"rate_limit"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Config holds all configuration for the Castellan coordinator
type Config struct {
	// StartupMode controls how initialization failures are handled
	StartupMode StartupMode `mapstructure:"startup_mode"`
	// InstanceID names this coordinator in shared state. Generated when empty.
	InstanceID string `mapstructure:"instance_id"`
	LogLevel   string `mapstructure:"log_level"`

	DataPaths   DataPaths               `mapstructure:"data_paths"`
	Queue       queue.Config            `mapstructure:"queue"`
	State       StateConfig             `mapstructure:"state"`
	Registry    registry.Config         `mapstructure:"registry"`
	Transport   TransportConfig         `mapstructure:"transport"`
	NATS        NATSConfig              `mapstructure:"nats"`
	Balancer    balancer.Config         `mapstructure:"balancer"`
	Correlation correlation.Config      `mapstructure:"correlation"`
	Dispatch    dispatch.Config         `mapstructure:"dispatch"`
	Retention   storage.RetentionConfig `mapstructure:"retention"`
	API         APIConfig               `mapstructure:"api"`
	Tracing     TracingConfig           `mapstructure:"tracing"`
}

func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))
	viper.SetDefault("instance_id", "")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // empty = derive from data_dir

	q := queue.DefaultConfig()
	viper.SetDefault("queue.capacity", q.Capacity)
	viper.SetDefault("queue.enqueue_timeout", q.EnqueueTimeout)
	viper.SetDefault("queue.rate_window", q.RateWindow)
	viper.SetDefault("queue.notification_buffer", q.NotificationBuffer)
	viper.SetDefault("queue.dead_letter_index_size", q.DeadLetterIndexSize)

	viper.SetDefault("state.backend", StateBackendMemory)
	viper.SetDefault("state.persist", true)
	viper.SetDefault("state.memory.janitor_interval", time.Minute)
	viper.SetDefault("state.redis.addr", "localhost:6379")
	viper.SetDefault("state.redis.db", 0)
	viper.SetDefault("state.redis.pool_size", 20)
	viper.SetDefault("state.redis.key_prefix", "castellan:")
	viper.SetDefault("state.redis.tombstone_ttl", 24*time.Hour)

	r := registry.DefaultConfig()
	viper.SetDefault("registry.check_interval", r.CheckInterval)
	viper.SetDefault("registry.heartbeat_timeout", r.HeartbeatTimeout)
	viper.SetDefault("registry.unhealthy_threshold", r.UnhealthyThreshold)
	viper.SetDefault("registry.remove_after", r.RemoveAfter)
	viper.SetDefault("registry.poll_health", false)
	viper.SetDefault("registry.command_timeout", r.CommandTimeout)
	viper.SetDefault("registry.command_rate_limit", r.CommandRateLimit)
	viper.SetDefault("registry.command_burst", r.CommandBurst)
	viper.SetDefault("registry.max_concurrent_commands", r.MaxConcurrentCommands)
	viper.SetDefault("registry.circuit_breaker.maxfailures", r.CircuitBreaker.MaxFailures)
	viper.SetDefault("registry.circuit_breaker.timeout", r.CircuitBreaker.Timeout)
	viper.SetDefault("registry.circuit_breaker.maxhalfopenrequests", r.CircuitBreaker.MaxHalfOpenRequests)

	viper.SetDefault("transport.type", TransportHTTP)
	viper.SetDefault("transport.timeout", 10*time.Second)
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.name", "castellan")
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.max_reconnects", 60)

	b := balancer.DefaultConfig()
	viper.SetDefault("balancer.strategy", b.Strategy)
	viper.SetDefault("balancer.latency_alpha", b.LatencyAlpha)
	viper.SetDefault("balancer.adaptive.weight", b.Adaptive.Weight)
	viper.SetDefault("balancer.adaptive.headroom", b.Adaptive.Headroom)
	viper.SetDefault("balancer.adaptive.latency", b.Adaptive.Latency)
	viper.SetDefault("balancer.adaptive.reliability", b.Adaptive.Reliability)
	viper.SetDefault("balancer.notification_buffer", b.NotificationBuffer)

	c := correlation.DefaultConfig()
	viper.SetDefault("correlation.default_window", c.DefaultWindow)
	viper.SetDefault("correlation.max_events_per_partition", c.MaxEventsPerPartition)
	viper.SetDefault("correlation.dedup_cache_size", c.DedupCacheSize)
	viper.SetDefault("correlation.dedup_ttl", c.DedupTTL)
	viper.SetDefault("correlation.regex_timeout", c.RegexTimeout)
	viper.SetDefault("correlation.max_stored_correlations", c.MaxStoredCorrelations)
	viper.SetDefault("correlation.training_queue", c.TrainingQueue)
	viper.SetDefault("correlation.learning_rate", c.LearningRate)
	viper.SetDefault("correlation.rules_file", "")

	d := dispatch.DefaultConfig()
	viper.SetDefault("dispatch.workers", d.Workers)
	viper.SetDefault("dispatch.dequeue_timeout", d.DequeueTimeout)
	viper.SetDefault("dispatch.max_attempts", d.MaxAttempts)
	viper.SetDefault("dispatch.no_instance_attempts", d.NoInstanceAttempts)
	viper.SetDefault("dispatch.retry_backoff", d.RetryBackoff)
	viper.SetDefault("dispatch.max_backoff", d.MaxBackoff)
	viper.SetDefault("dispatch.claim_ttl", d.ClaimTTL)
	viper.SetDefault("dispatch.claim_timeout", d.ClaimTimeout)
	viper.SetDefault("dispatch.stop_timeout", d.StopTimeout)
	viper.SetDefault("dispatch.lease_ttl", d.LeaseTTL)

	ret := storage.DefaultRetentionConfig()
	viper.SetDefault("retention.dead_letter_days", ret.DeadLetterDays)
	viper.SetDefault("retention.correlation_days", ret.CorrelationDays)
	viper.SetDefault("retention.tombstone_days", ret.TombstoneDays)
	viper.SetDefault("retention.schedule", ret.Schedule)
	viper.SetDefault("retention.job_timeout", ret.JobTimeout)

	viper.SetDefault("api.listen_addr", ":8443")
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.allowed_origins", []string{})
	viper.SetDefault("api.max_body_bytes", 1<<20)
	viper.SetDefault("api.read_timeout", 15*time.Second)
	viper.SetDefault("api.write_timeout", 30*time.Second)
	viper.SetDefault("api.shutdown_timeout", 10*time.Second)
	viper.SetDefault("api.event_schema_file", "")
	viper.SetDefault("api.rate_limit.requests_per_second", 200)
	viper.SetDefault("api.rate_limit.burst", 400)
	viper.SetDefault("api.rate_limit.exempt_ips", []string{})

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sample_ratio", 1.0)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("CASTELLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// shorter names for the settings operators override most
	_ = viper.BindEnv("startup_mode", "CASTELLAN_STARTUP_MODE")
	_ = viper.BindEnv("instance_id", "CASTELLAN_INSTANCE_ID")
	_ = viper.BindEnv("data_paths.data_dir", "CASTELLAN_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "CASTELLAN_SQLITE_PATH")
	_ = viper.BindEnv("state.redis.addr", "CASTELLAN_REDIS_ADDR")
	_ = viper.BindEnv("nats.url", "CASTELLAN_NATS_URL")
	_ = viper.BindEnv("correlation.rules_file", "CASTELLAN_RULES_FILE")
}

// LoadConfig loads configuration from config.yaml (in . or ./config), then
// environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	return load()
}

// LoadConfigFile loads configuration from an explicit file
func LoadConfigFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	return load()
}

func load() (*Config, error) {
	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no file: defaults and env vars only
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := LoadSecrets(&config); err != nil {
		return nil, err
	}
	config.Resolve()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// Resolve derives unset paths from DataDir and propagates the coordinator id
// into every section that records it
func (c *Config) Resolve() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "castellan.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	c.DataPaths.DataDir = dataDir

	if c.InstanceID == "" {
		host, _ := os.Hostname()
		c.InstanceID = "castellan-" + uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()[:8] + "-" + uuid.NewString()[:8]
	}
	for _, id := range []*string{&c.State.Memory.InstanceID, &c.State.Redis.InstanceID, &c.Correlation.InstanceID, &c.Dispatch.InstanceID} {
		if *id == "" {
			*id = c.InstanceID
		}
	}
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.DataPaths.DataDir, "castellan.db")
	}
	return c.DataPaths.SQLitePath
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// Masked returns a copy safe to log or serve, with credentials replaced
func (c *Config) Masked() Config {
	out := *c
	if out.State.Redis.Password != "" {
		out.State.Redis.Password = maskedValue
	}
	if out.NATS.Token != "" {
		out.NATS.Token = maskedValue
	}
	return out
}

const maskedValue = "********"

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode %q: must be %q or %q", config.StartupMode, StartupModeStrict, StartupModeGraceful)
	}

	switch strings.ToLower(config.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", config.LogLevel)
	}

	if config.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity cannot be negative")
	}

	switch config.State.Backend {
	case StateBackendMemory:
	case StateBackendRedis:
		if _, _, err := net.SplitHostPort(config.State.Redis.Addr); err != nil {
			return fmt.Errorf("invalid state.redis.addr %q: %w", config.State.Redis.Addr, err)
		}
	default:
		return fmt.Errorf("invalid state.backend %q: must be %q or %q", config.State.Backend, StateBackendMemory, StateBackendRedis)
	}

	switch config.Transport.Type {
	case TransportHTTP:
	case TransportNATS:
		u, err := url.Parse(config.NATS.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid nats.url %q", config.NATS.URL)
		}
	default:
		return fmt.Errorf("invalid transport.type %q: must be %q or %q", config.Transport.Type, TransportHTTP, TransportNATS)
	}

	if !validStrategy(config.Balancer.Strategy) {
		return fmt.Errorf("invalid balancer.strategy %q: must be one of %s",
			config.Balancer.Strategy, strings.Join(balancer.StrategyNames(), ", "))
	}
	if a := config.Balancer.LatencyAlpha; a < 0 || a > 1 {
		return fmt.Errorf("balancer.latency_alpha must be between 0 and 1")
	}

	if config.Registry.UnhealthyThreshold < 1 {
		return fmt.Errorf("registry.unhealthy_threshold must be at least 1")
	}
	if config.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if config.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if config.Dispatch.RetryBackoff > config.Dispatch.MaxBackoff && config.Dispatch.MaxBackoff > 0 {
		return fmt.Errorf("dispatch.retry_backoff cannot exceed dispatch.max_backoff")
	}
	if config.Correlation.LearningRate < 0 || config.Correlation.LearningRate > 1 {
		return fmt.Errorf("correlation.learning_rate must be between 0 and 1")
	}

	if _, _, err := net.SplitHostPort(config.API.ListenAddr); err != nil {
		return fmt.Errorf("invalid api.listen_addr %q: %w", config.API.ListenAddr, err)
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when api.tls is enabled")
	}
	if config.API.RateLimit.RequestsPerSecond < 0 || config.API.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values cannot be negative")
	}
	for _, ip := range config.API.RateLimit.ExemptIPs {
		if !isValidIPOrCIDR(ip) {
			return fmt.Errorf("invalid api.rate_limit.exempt_ips entry %q", ip)
		}
	}
	for _, origin := range config.API.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid api.allowed_origins entry %q", origin)
		}
	}

	if r := config.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

func validStrategy(name string) bool {
	for _, s := range balancer.StrategyNames() {
		if s == name {
			return true
		}
	}
	return false
}

// isValidIPOrCIDR accepts a single IP or a CIDR network
func isValidIPOrCIDR(ipStr string) bool {
	if net.ParseIP(ipStr) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(ipStr)
	return err == nil
}
