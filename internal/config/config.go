// Package config loads and validates provisioner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkersConfig bounds the worker fleet. The effective count is capped by
// the number of quota keys available.
type WorkersConfig struct {
	Max int `mapstructure:"max"`
}

// LedgerConfig sets paths and retry behavior for the result ledger.
type LedgerConfig struct {
	Path              string `mapstructure:"path"`
	BackupPath        string `mapstructure:"backup_path"`
	EmergencyPath     string `mapstructure:"emergency_path"`
	LockStaleSeconds  int    `mapstructure:"lock_stale_seconds"`
	SaveRetries       int    `mapstructure:"save_retries"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
}

// RegistryConfig locates the crash-registry snapshot file.
type RegistryConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// ResourcesConfig points at the static resource lists read once at startup.
type ResourcesConfig struct {
	MailboxesPath string `mapstructure:"mailboxes_path"`
	QuotaKeysPath string `mapstructure:"quota_keys_path"`
}

// QuotaConfig governs proxy acquisition behavior.
type QuotaConfig struct {
	ProviderURL             string `mapstructure:"provider_url"`
	MarginSeconds           int    `mapstructure:"margin_seconds"`
	TransientBackoffSeconds int    `mapstructure:"transient_backoff_seconds"`
}

// LeaseConfig governs mailbox leasing behavior.
type LeaseConfig struct {
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
	MaxRetries          int `mapstructure:"max_retries"`
	TTLMinutes          int `mapstructure:"ttl_minutes"`
}

// DriverConfig configures the automation driver boundary.
type DriverConfig struct {
	ProfileManagerURL string `mapstructure:"profile_manager_url"`
	SignupURL         string `mapstructure:"signup_url"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	TransientRetries  int    `mapstructure:"transient_retries"`
	UnknownProfileLog string `mapstructure:"unknown_profile_log"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROVISIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("workers.max", 7)
	v.SetDefault("ledger.path", "profiles.xlsx")
	v.SetDefault("ledger.backup_path", "profiles_backup.xlsx")
	v.SetDefault("ledger.emergency_path", "profiles_emergency_backup.xlsx")
	v.SetDefault("ledger.lock_stale_seconds", 30)
	v.SetDefault("ledger.save_retries", 3)
	v.SetDefault("ledger.retry_delay_seconds", 1)
	v.SetDefault("registry.snapshot_path", "processing_items.json")
	v.SetDefault("resources.mailboxes_path", "mailboxes.yaml")
	v.SetDefault("resources.quota_keys_path", "quota_keys.yaml")
	v.SetDefault("quota.provider_url", "https://wwproxy.com/api/client/proxy/available")
	v.SetDefault("quota.margin_seconds", 2)
	v.SetDefault("quota.transient_backoff_seconds", 10)
	v.SetDefault("lease.retry_backoff_seconds", 5)
	v.SetDefault("lease.max_retries", 3)
	v.SetDefault("lease.ttl_minutes", 15)
	v.SetDefault("driver.profile_manager_url", "http://127.0.0.1:19995")
	v.SetDefault("driver.signup_url", "https://signup.live.com/signup?mkt=en-US&lic=1")
	v.SetDefault("driver.nav_timeout_seconds", 30)
	v.SetDefault("driver.transient_retries", 2)
	v.SetDefault("driver.unknown_profile_log", "unknown_profiles.txt")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Max <= 0 {
		return fmt.Errorf("workers.max must be > 0")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path must be set")
	}
	if c.Ledger.SaveRetries <= 0 {
		return fmt.Errorf("ledger.save_retries must be > 0")
	}
	if c.Ledger.LockStaleSeconds <= 0 {
		return fmt.Errorf("ledger.lock_stale_seconds must be > 0")
	}
	if c.Registry.SnapshotPath == "" {
		return fmt.Errorf("registry.snapshot_path must be set")
	}
	if c.Quota.ProviderURL == "" {
		return fmt.Errorf("quota.provider_url must be set")
	}
	if c.Lease.TTLMinutes <= 0 {
		return fmt.Errorf("lease.ttl_minutes must be > 0")
	}
	return nil
}

// LockStaleAfter converts the staleness threshold into a duration.
func (c LedgerConfig) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleSeconds) * time.Second
}

// RetryDelay converts the base save retry delay into a duration.
func (c LedgerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Margin converts the provider wait margin into a duration.
func (c QuotaConfig) Margin() time.Duration {
	return time.Duration(c.MarginSeconds) * time.Second
}

// TransientBackoff converts the transient error backoff into a duration.
func (c QuotaConfig) TransientBackoff() time.Duration {
	return time.Duration(c.TransientBackoffSeconds) * time.Second
}

// RetryBackoff converts the lease retry backoff into a duration.
func (c LeaseConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// TTL converts the lease hold limit into a duration.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// NavTimeout converts the driver navigation timeout into a duration.
func (c DriverConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}
