// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	ESign     ProviderConfig  `mapstructure:"esign"`
	Custodian ProviderConfig  `mapstructure:"custodian"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowedOrigins is checked on websocket upgrades; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ProviderConfig configures an external provider client. An empty BaseURL
// selects the in-process sandbox.
type ProviderConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func (c ProviderConfig) Sandbox() bool {
	return strings.TrimSpace(c.BaseURL) == ""
}

// StorageConfig configures document storage. An empty Endpoint keeps
// documents in memory.
type StorageConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Region    string        `mapstructure:"region"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Bucket    string        `mapstructure:"bucket"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	PublicURL string        `mapstructure:"public_url"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Staleness   time.Duration `mapstructure:"staleness"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type OutboxConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Lease       time.Duration `mapstructure:"lease"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{MaxConns: 10},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Log:      LogConfig{Level: "INFO"},
		ESign:    ProviderConfig{Timeout: 10 * time.Second},
		Custodian: ProviderConfig{
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Region:    "us-east-1",
			Bucket:    "dealflow-documents",
			UseSSL:    true,
			URLExpiry: time.Hour,
		},
		Reconcile: ReconcileConfig{
			Interval:    15 * time.Second,
			Staleness:   30 * time.Second,
			BatchSize:   100,
			Concurrency: 4,
		},
		Cache: CacheConfig{Size: 1024, TTL: 2 * time.Second},
		Outbox: OutboxConfig{
			Interval:    time.Second,
			BatchSize:   20,
			MaxAttempts: 8,
			Lease:       30 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("log.level", d.Log.Level)

	for _, p := range []string{"esign", "custodian"} {
		v.SetDefault(p+".base_url", "")
		v.SetDefault(p+".api_key", "")
		v.SetDefault(p+".webhook_secret", "")
		v.SetDefault(p+".timeout", d.ESign.Timeout)
	}

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.use_ssl", d.Storage.UseSSL)
	v.SetDefault("storage.public_url", "")
	v.SetDefault("storage.url_expiry", d.Storage.URLExpiry)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.staleness", d.Reconcile.Staleness)
	v.SetDefault("reconcile.batch_size", d.Reconcile.BatchSize)
	v.SetDefault("reconcile.concurrency", d.Reconcile.Concurrency)

	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("outbox.interval", d.Outbox.Interval)
	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)
	v.SetDefault("outbox.max_attempts", d.Outbox.MaxAttempts)
	v.SetDefault("outbox.lease", d.Outbox.Lease)
}

// Load reads .env (if present), the optional YAML file at path and the
// environment. Keys map to upper-case variables with dots replaced by
// underscores: database.url is DATABASE_URL.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper resolves a Config from v; flags bound to v take precedence.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.TTL <= 0 || c.Cache.TTL > 2*time.Second {
		errs = append(errs, fmt.Errorf("cache.ttl must be in (0s, 2s], got %s", c.Cache.TTL))
	}
	if c.Cache.Size <= 0 {
		errs = append(errs, fmt.Errorf("cache.size must be positive"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.interval must be positive"))
	}
	if c.Reconcile.Staleness <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.staleness must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("outbox.max_attempts must be positive"))
	}
	if !c.ESign.Sandbox() && c.ESign.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("esign.webhook_secret is required with esign.base_url"))
	}
	if !c.Custodian.Sandbox() && c.Custodian.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("custodian.webhook_secret is required with custodian.base_url"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
