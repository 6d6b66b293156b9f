package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/mail-guardian/pkg/messaging/redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Guardian  GuardianConfig  `mapstructure:"guardian"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Retention RetentionConfig `mapstructure:"retention"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host" validate:"required"`
	Port         int    `mapstructure:"port" validate:"gt=0"`
	User         string `mapstructure:"user" validate:"required"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name" validate:"required"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type WebhookConfig struct {
	// Audience is the registered push endpoint URL; per-tenant overrides live in
	// TenantAudiences keyed by tenant id.
	Audience        string            `mapstructure:"audience" validate:"required"`
	TenantAudiences map[string]string `mapstructure:"tenant_audiences"`
	ServiceAccount  string            `mapstructure:"service_account" validate:"required"`
	TrustedIssuers  []string          `mapstructure:"trusted_issuers" validate:"min=1"`
	JWKSURL         string            `mapstructure:"jwks_url" validate:"required,url"`
	JWKSCacheTTL    time.Duration     `mapstructure:"jwks_cache_ttl"`
	ClockSkew       time.Duration     `mapstructure:"clock_skew"`
	RequestsPerMin  int               `mapstructure:"requests_per_minute"`
}

type RetryConfig struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gt=0"`
	StuckTimeout time.Duration `mapstructure:"stuck_timeout" validate:"gt=0"`
}

type GuardianConfig struct {
	SecurityFailureThreshold int           `mapstructure:"security_failure_threshold"`
	RepairThreshold          int           `mapstructure:"repair_threshold"`
	ObservationThreshold     int           `mapstructure:"observation_threshold"`
	ObservationWindow        time.Duration `mapstructure:"observation_window"`
	CounterBackend           string        `mapstructure:"counter_backend" validate:"oneof=memory store"`
	CounterCapacity          int           `mapstructure:"counter_capacity"`
	CounterTTL               time.Duration `mapstructure:"counter_ttl"`
	SafeModeCacheTTL         time.Duration `mapstructure:"safe_mode_cache_ttl"`
	SafeModeFailClosed       bool          `mapstructure:"safe_mode_fail_closed"`
	AllowedDomains           []string      `mapstructure:"allowed_domains"`
}

type DaemonConfig struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	DefaultTenantID string        `mapstructure:"default_tenant_id" validate:"required,uuid"`
	RiskAnalysis    bool          `mapstructure:"risk_analysis"`
}

type RetentionConfig struct {
	FingerprintDays int           `mapstructure:"fingerprint_days"`
	AuditDays       int           `mapstructure:"audit_days"`
	Interval        time.Duration `mapstructure:"interval"`
}

type SMTPConfig struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	From      string   `mapstructure:"from"`
	Operators []string `mapstructure:"operators"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// envOverrides carries the values operators inject through the environment,
// mostly secrets that never belong in config.yml.
type envOverrides struct {
	DBHost         string `envconfig:"DB_HOST"`
	DBPort         int    `envconfig:"DB_PORT"`
	DBPassword     string `envconfig:"DB_PASSWORD"`
	DefaultTenant  string `envconfig:"DEFAULT_TENANT_ID"`
	RedisURL       string `envconfig:"REDIS_URL"`
	WebhookAud     string `envconfig:"WEBHOOK_AUDIENCE"`
	ServiceAccount string `envconfig:"WEBHOOK_SERVICE_ACCOUNT"`
	AdminSecret    string `envconfig:"ADMIN_JWT_SECRET"`
	SMTPPassword   string `envconfig:"SMTP_PASSWORD"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("webhook.trusted_issuers", []string{"https://accounts.google.com", "accounts.google.com"})
	v.SetDefault("webhook.jwks_url", "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault("webhook.jwks_cache_ttl", time.Hour)
	v.SetDefault("webhook.clock_skew", 5*time.Minute)
	v.SetDefault("webhook.requests_per_minute", 100)
	v.SetDefault("retry.batch_size", 10)
	v.SetDefault("retry.poll_interval", 30*time.Second)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.stuck_timeout", time.Hour)
	v.SetDefault("guardian.security_failure_threshold", 3)
	v.SetDefault("guardian.repair_threshold", 3)
	v.SetDefault("guardian.observation_threshold", 5)
	v.SetDefault("guardian.observation_window", 15*time.Minute)
	v.SetDefault("guardian.counter_backend", "memory")
	v.SetDefault("guardian.counter_capacity", 10000)
	v.SetDefault("guardian.counter_ttl", 24*time.Hour)
	v.SetDefault("guardian.safe_mode_cache_ttl", 30*time.Second)
	v.SetDefault("daemon.interval", 30*time.Minute)
	v.SetDefault("daemon.risk_analysis", true)
	v.SetDefault("retention.fingerprint_days", 30)
	v.SetDefault("retention.audit_days", 90)
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("logging.level", "info")
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)
}

// LoadConfig reads config.yml from the usual locations, applies GUARDIAN_*
// environment overrides and validates the result.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")
	v.AddConfigPath("/app/config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("GUARDIAN")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("GUARDIAN", &env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	if env.DBHost != "" {
		c.Database.Host = env.DBHost
	}
	if env.DBPort != 0 {
		c.Database.Port = env.DBPort
	}
	if env.DBPassword != "" {
		c.Database.Password = env.DBPassword
	}
	if env.DefaultTenant != "" {
		c.Daemon.DefaultTenantID = env.DefaultTenant
	}
	if env.RedisURL != "" {
		c.Redis.URL = env.RedisURL
	}
	if env.WebhookAud != "" {
		c.Webhook.Audience = env.WebhookAud
	}
	if env.ServiceAccount != "" {
		c.Webhook.ServiceAccount = env.ServiceAccount
	}
	if env.AdminSecret != "" {
		c.Admin.JWTSecret = env.AdminSecret
	}
	if env.SMTPPassword != "" {
		c.SMTP.Password = env.SMTPPassword
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	return nil
}

// Validate checks struct tags with go-playground/validator.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AudienceFor returns the registered webhook URL for tenantID.
func (c WebhookConfig) AudienceFor(tenantID string) string {
	if aud, ok := c.TenantAudiences[tenantID]; ok && aud != "" {
		return aud
	}
	return c.Audience
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}
