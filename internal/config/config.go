package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "GUARD"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Tenant    TenantConfig    `yaml:"tenant" envconfig:"TENANT"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Attack    AttackConfig    `yaml:"attack" envconfig:"ATTACK"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"30s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`
}

// SecurityConfig contains HTTP-level protection settings
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminAPIKeys protect the /admin routes. Empty leaves them open.
	AdminAPIKeys []string `yaml:"admin_api_keys" envconfig:"ADMIN_API_KEYS"`
	// LoginUsers are "username:bcrypt-hash" pairs accepted by /api/auth/login
	LoginUsers    []string `yaml:"login_users" envconfig:"LOGIN_USERS"`
	SessionHeader string   `yaml:"session_header" envconfig:"SESSION_HEADER" default:"X-Session-ID" validate:"required"`
}

// RateLimitConfig contains global request rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"200" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"100" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/tenantguard.log"`
	Backend  string `yaml:"backend" envconfig:"BACKEND" default:"slog" validate:"oneof=slog zap"`
}

// LicenseConfig drives the license validation gateway
type LicenseConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	AuthorityURL    string        `yaml:"authority_url" envconfig:"AUTHORITY_URL" default:"http://localhost:9000" validate:"required,url"`
	APIKey          string        `yaml:"api_key" envconfig:"API_KEY"`
	MachineID       string        `yaml:"machine_id" envconfig:"MACHINE_ID"`
	TokenHeader     string        `yaml:"token_header" envconfig:"TOKEN_HEADER" default:"X-License-Token" validate:"required"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"5s" validate:"gt=0"`
	OuterTimeout    time.Duration `yaml:"outer_timeout" envconfig:"OUTER_TIMEOUT" default:"20s" validate:"gt=0"`
	FreshnessWindow time.Duration `yaml:"freshness_window" envconfig:"FRESHNESS_WINDOW" default:"15m" validate:"gt=0"`
	OfflineGrace    time.Duration `yaml:"offline_grace" envconfig:"OFFLINE_GRACE" default:"1h" validate:"gtefield=FreshnessWindow"`
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	BaseDelay       time.Duration `yaml:"base_delay" envconfig:"BASE_DELAY" default:"1s" validate:"gte=0"`
	BackoffFactor   float64       `yaml:"backoff_factor" envconfig:"BACKOFF_FACTOR" default:"2" validate:"gte=1"`
	MaxDelay        time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY" default:"10s"`
	CacheMaxSize    int           `yaml:"cache_max_size" envconfig:"CACHE_MAX_SIZE" default:"10000" validate:"min=1"`
	SweepInterval   time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"5m" validate:"gt=0"`
	AuthorityLimit  int           `yaml:"authority_limit" envconfig:"AUTHORITY_LIMIT" default:"30" validate:"gte=0"`
	AuthorityWindow time.Duration `yaml:"authority_window" envconfig:"AUTHORITY_WINDOW" default:"1m" validate:"gt=0"`
	ExcludePaths    []string      `yaml:"exclude_paths" envconfig:"EXCLUDE_PATHS" default:"/api/health,/api/health/ready,/api/version,/metrics"`
	ExcludePrefixes []string      `yaml:"exclude_prefixes" envconfig:"EXCLUDE_PREFIXES" default:"/admin/,/internal/,/platform/"`
}

// TenantConfig controls how the tenant of a request is resolved
type TenantConfig struct {
	Header    string `yaml:"header" envconfig:"HEADER" default:"X-Tenant-ID" validate:"required"`
	JWTSecret string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTClaim  string `yaml:"jwt_claim" envconfig:"JWT_CLAIM" default:"tenant_id"`
}

// RedisConfig configures the shared cache and distributed rate limiter
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	URL       string `yaml:"url" envconfig:"URL" default:"redis://localhost:6379/0" validate:"required_if=Enabled true"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX" default:"tenantguard:"`
}

// DatabaseConfig configures the tenant license document store.
// An empty URL selects the in-memory store, optionally loaded from SeedFile.
type DatabaseConfig struct {
	URL      string `yaml:"url" envconfig:"URL"`
	MaxConns int32  `yaml:"max_conns" envconfig:"MAX_CONNS" default:"10" validate:"min=1"`
	SeedFile string `yaml:"seed_file" envconfig:"SEED_FILE"`
}

// AttackConfig holds the detector thresholds and windows
type AttackConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	SweepInterval   time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1m" validate:"gt=0"`
	MaxEventsPerKey int           `yaml:"max_events_per_key" envconfig:"MAX_EVENTS_PER_KEY" default:"100" validate:"min=1"`

	BruteForceWindow      time.Duration `yaml:"brute_force_window" envconfig:"BRUTE_FORCE_WINDOW" default:"15m" validate:"gt=0"`
	BruteForceVolume      int           `yaml:"brute_force_volume" envconfig:"BRUTE_FORCE_VOLUME" default:"10" validate:"min=1"`
	BruteForceCritical    int           `yaml:"brute_force_critical" envconfig:"BRUTE_FORCE_CRITICAL" default:"20" validate:"gtefield=BruteForceVolume"`
	BruteForceUniqueUsers int           `yaml:"brute_force_unique_users" envconfig:"BRUTE_FORCE_UNIQUE_USERS" default:"5" validate:"min=1"`
	BlockTTL              time.Duration `yaml:"block_ttl" envconfig:"BLOCK_TTL" default:"30m" validate:"gt=0"`

	StuffingWindow         time.Duration `yaml:"stuffing_window" envconfig:"STUFFING_WINDOW" default:"1h" validate:"gt=0"`
	StuffingVolume         int           `yaml:"stuffing_volume" envconfig:"STUFFING_VOLUME" default:"50" validate:"min=1"`
	StuffingMaxSuccessRate float64       `yaml:"stuffing_max_success_rate" envconfig:"STUFFING_MAX_SUCCESS_RATE" default:"0.05" validate:"gte=0,lte=1"`
	StuffingUniquePairs    int           `yaml:"stuffing_unique_pairs" envconfig:"STUFFING_UNIQUE_PAIRS" default:"20" validate:"min=1"`
	StuffingDistributedIPs int           `yaml:"stuffing_distributed_ips" envconfig:"STUFFING_DISTRIBUTED_IPS" default:"3" validate:"min=2"`

	SessionWindow time.Duration `yaml:"session_window" envconfig:"SESSION_WINDOW" default:"1h" validate:"gt=0"`
	SessionsPerIP int           `yaml:"sessions_per_ip" envconfig:"SESSIONS_PER_IP" default:"10" validate:"min=1"`
	TenantsPerIP  int           `yaml:"tenants_per_ip" envconfig:"TENANTS_PER_IP" default:"3" validate:"min=1"`

	CoordinatedWindow  time.Duration `yaml:"coordinated_window" envconfig:"COORDINATED_WINDOW" default:"10m" validate:"gt=0"`
	CoordinatedIPs     int           `yaml:"coordinated_ips" envconfig:"COORDINATED_IPS" default:"4" validate:"min=2"`
	CoordinatedTenants int           `yaml:"coordinated_tenants" envconfig:"COORDINATED_TENANTS" default:"5" validate:"min=2"`
	SyncMinIntervals   int           `yaml:"sync_min_intervals" envconfig:"SYNC_MIN_INTERVALS" default:"3" validate:"min=2"`
	SyncMaxJitterRatio float64       `yaml:"sync_max_jitter_ratio" envconfig:"SYNC_MAX_JITTER_RATIO" default:"0.1" validate:"gte=0"`
}

// AuditConfig configures where violations are delivered
type AuditConfig struct {
	KafkaBrokers  []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string   `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC" default:"security.violations" validate:"required"`
	StreamEnabled bool     `yaml:"stream_enabled" envconfig:"STREAM_ENABLED" default:"true"`
}

// TelemetryConfig configures OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME" default:"tenantguard"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1" validate:"gte=0,lte=1"`
}

// Load loads configuration from environment variables and an optional YAML file.
// Precedence is environment, then file, then defaults.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
		mergeConfigs(&cfg, fileConfig, Default())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs copies every file value into dst where dst still holds the
// default, so explicitly set environment variables keep precedence.
func mergeConfigs(dst, file, defaults *Config) {
	mergeValue(reflect.ValueOf(dst).Elem(), reflect.ValueOf(file).Elem(), reflect.ValueOf(defaults).Elem())
}

func mergeValue(dst, file, def reflect.Value) {
	if dst.Kind() == reflect.Struct {
		for i := 0; i < dst.NumField(); i++ {
			mergeValue(dst.Field(i), file.Field(i), def.Field(i))
		}
		return
	}
	if file.IsZero() {
		return
	}
	if reflect.DeepEqual(dst.Interface(), def.Interface()) || dst.IsZero() {
		dst.Set(file)
	}
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.License.OuterTimeout < c.License.RequestTimeout {
		return fmt.Errorf("license outer timeout %s is shorter than request timeout %s",
			c.License.OuterTimeout, c.License.RequestTimeout)
	}
	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"tenantguard.yaml",
		"configs/tenantguard.yaml",
		"/etc/tenantguard/tenantguard.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit:     RateLimitConfig{Enabled: true, RPS: 200, Burst: 100},
			SessionHeader: "X-Session-ID",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/tenantguard.log",
			Backend:  "slog",
		},
		License: LicenseConfig{
			Enabled:         true,
			AuthorityURL:    "http://localhost:9000",
			TokenHeader:     "X-License-Token",
			RequestTimeout:  5 * time.Second,
			OuterTimeout:    20 * time.Second,
			FreshnessWindow: 15 * time.Minute,
			OfflineGrace:    time.Hour,
			MaxAttempts:     3,
			BaseDelay:       time.Second,
			BackoffFactor:   2,
			MaxDelay:        10 * time.Second,
			CacheMaxSize:    10000,
			SweepInterval:   5 * time.Minute,
			AuthorityLimit:  30,
			AuthorityWindow: time.Minute,
			ExcludePaths:    []string{"/api/health", "/api/health/ready", "/api/version", "/metrics"},
			ExcludePrefixes: []string{"/admin/", "/internal/", "/platform/"},
		},
		Tenant: TenantConfig{
			Header:   "X-Tenant-ID",
			JWTClaim: "tenant_id",
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			KeyPrefix: "tenantguard:",
		},
		Database: DatabaseConfig{MaxConns: 10},
		Attack: AttackConfig{
			Enabled:                true,
			SweepInterval:          time.Minute,
			MaxEventsPerKey:        100,
			BruteForceWindow:       15 * time.Minute,
			BruteForceVolume:       10,
			BruteForceCritical:     20,
			BruteForceUniqueUsers:  5,
			BlockTTL:               30 * time.Minute,
			StuffingWindow:         time.Hour,
			StuffingVolume:         50,
			StuffingMaxSuccessRate: 0.05,
			StuffingUniquePairs:    20,
			StuffingDistributedIPs: 3,
			SessionWindow:          time.Hour,
			SessionsPerIP:          10,
			TenantsPerIP:           3,
			CoordinatedWindow:      10 * time.Minute,
			CoordinatedIPs:         4,
			CoordinatedTenants:     5,
			SyncMinIntervals:       3,
			SyncMaxJitterRatio:     0.1,
		},
		Audit: AuditConfig{
			KafkaTopic:    "security.violations",
			StreamEnabled: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "tenantguard",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1,
		},
	}
}
