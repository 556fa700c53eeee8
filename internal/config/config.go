// Package config handles configuration loading from environment and files.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the control plane and the agent.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Control plane API
	HubAPIPort   int           `mapstructure:"hub_api_port"`
	AdminSecret  string        `mapstructure:"admin_secret"`
	SecretKey    string        `mapstructure:"secret_key"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Overlay network
	OverlayNetwork string   `mapstructure:"overlay_network"`
	WGPort         int      `mapstructure:"wg_port"`
	HubEndpoint    string   `mapstructure:"hub_endpoint"`
	DNSServers     []string `mapstructure:"dns_servers"`

	// Registration
	AutoApproveAll   bool     `mapstructure:"auto_approve_all"`
	AutoApproveRoles []string `mapstructure:"auto_approve_roles"`

	// Client devices
	ClientIPPoolStart        int  `mapstructure:"client_ip_pool_start"`
	ClientIPPoolEnd          int  `mapstructure:"client_ip_pool_end"`
	ClientDefaultExpiresDays int  `mapstructure:"client_default_expires_days"`
	ClientMaxDevicesPerUser  int  `mapstructure:"client_max_devices_per_user"`
	ClientSingleUseTokens    bool `mapstructure:"client_single_use_tokens"`

	// Agent
	HubURL       string        `mapstructure:"hub_url"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// Persistence; empty means in-memory only
	DatabaseURL string `mapstructure:"database_url"`

	// Tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Load loads configuration from environment variables and an optional YAML
// file. Environment variables use the bare names from the deployment docs
// (HUB_URL, ADMIN_SECRET, OVERLAY_NETWORK, ...).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("zerotrust")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/zerotrust")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && configPath != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("hub_api_port", 8000)
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)

	v.SetDefault("overlay_network", "10.10.0.0/24")
	v.SetDefault("wg_port", 51820)
	v.SetDefault("hub_endpoint", "")
	v.SetDefault("dns_servers", []string{"10.10.0.1"})

	v.SetDefault("auto_approve_all", false)
	v.SetDefault("auto_approve_roles", []string{})

	v.SetDefault("client_ip_pool_start", 100)
	v.SetDefault("client_ip_pool_end", 250)
	v.SetDefault("client_default_expires_days", 1)
	v.SetDefault("client_max_devices_per_user", 5)
	v.SetDefault("client_single_use_tokens", false)

	v.SetDefault("hub_url", "http://localhost:8000")
	v.SetDefault("sync_interval", 60*time.Second)

	v.SetDefault("database_url", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "zero-trust-control-plane")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// bindEnv maps the documented bare environment variable names onto keys.
func bindEnv(v *viper.Viper) {
	bind := map[string]string{
		"log_level":                   "LOG_LEVEL",
		"hub_api_port":                "HUB_API_PORT",
		"admin_secret":                "ADMIN_SECRET",
		"secret_key":                  "SECRET_KEY",
		"overlay_network":             "OVERLAY_NETWORK",
		"wg_port":                     "WG_PORT",
		"hub_endpoint":                "HUB_ENDPOINT",
		"dns_servers":                 "DNS_SERVERS",
		"auto_approve_all":            "AUTO_APPROVE_ALL",
		"auto_approve_roles":          "AUTO_APPROVE_ROLES",
		"client_ip_pool_start":        "CLIENT_IP_POOL_START",
		"client_ip_pool_end":          "CLIENT_IP_POOL_END",
		"client_default_expires_days": "CLIENT_DEFAULT_EXPIRES_DAYS",
		"client_max_devices_per_user": "CLIENT_MAX_DEVICES_PER_USER",
		"hub_url":                     "HUB_URL",
		"sync_interval":               "SYNC_INTERVAL",
		"database_url":                "DATABASE_URL",
	}
	for key, env := range bind {
		_ = v.BindEnv(key, env)
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HubAPIPort <= 0 || c.HubAPIPort > 65535 {
		return fmt.Errorf("hub_api_port %d is out of range", c.HubAPIPort)
	}
	if c.WGPort <= 0 || c.WGPort > 65535 {
		return fmt.Errorf("wg_port %d is out of range", c.WGPort)
	}
	if c.ClientIPPoolStart <= 1 || c.ClientIPPoolEnd <= c.ClientIPPoolStart {
		return fmt.Errorf("client ip pool bounds %d-%d are invalid", c.ClientIPPoolStart, c.ClientIPPoolEnd)
	}
	return nil
}

// ClientDefaultExpiry returns the default device lifetime.
func (c *Config) ClientDefaultExpiry() time.Duration {
	return time.Duration(c.ClientDefaultExpiresDays) * 24 * time.Hour
}
