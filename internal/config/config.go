// Package config loads the YAML configuration file and applies
// FLEETWATCH_* environment overrides on top, so containerised
// deployments can adjust a node without editing the file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted for cluster.backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendKV     = "kv"
)

// Config is the full node configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// ServerConfig covers the HTTP surface, crypto keys, and data store tuning.
type ServerConfig struct {
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`

	APIKey          string `yaml:"api_key"`
	EncryptionKey   string `yaml:"encryption_key"`    // base64, 32 bytes; wire AEAD
	DBEncryptionKey string `yaml:"db_encryption_key"` // base64, 32 bytes; at-rest, optional

	HistorySize           int `yaml:"history_size"`
	SessionTTLSeconds     int `yaml:"session_ttl_seconds"`
	OnlineWindowSeconds   int `yaml:"online_window_seconds"`
	StaleWindowSeconds    int `yaml:"stale_window_seconds"`
	CommandTTLSeconds     int `yaml:"command_ttl_seconds"`
	RateLimitPerMinute    int `yaml:"rate_limit_per_minute"`
	PersistIntervalSecond int `yaml:"persist_interval_seconds"`

	PersistPath   string `yaml:"persist_path"`
	PackagesDir   string `yaml:"packages_dir"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
	LogJSON        bool `yaml:"log_json"`
}

// TLSConfig points at the PEM material. Certificate generation and
// renewal are external concerns.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ClusterConfig covers membership and the coordination backend.
type ClusterConfig struct {
	Enabled                  bool     `yaml:"enabled"`
	Backend                  string   `yaml:"backend"`
	Secret                   string   `yaml:"secret"` // base64 HMAC secret
	AdvertiseHost            string   `yaml:"advertise_host"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	NodeTimeoutSeconds       int      `yaml:"node_timeout_seconds"`
	Roles                    []string `yaml:"roles"`
	FilePath                 string   `yaml:"file_path"`
	KV                       KVConfig `yaml:"kv"`
}

// KVConfig holds the remote backend parameters.
type KVConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Auth string `yaml:"auth"`
}

// NotifyConfig enables the optional notification providers.
type NotifyConfig struct {
	MQTTBroker string `yaml:"mqtt_broker"`
	MQTTTopic  string `yaml:"mqtt_topic"`
	WebhookURL string `yaml:"webhook_url"`
}

// Defaults applied when the file or env leave a value unset.
const (
	DefaultPort              = 8768
	DefaultHistorySize       = 1000
	DefaultSessionTTL        = 3600
	DefaultOnlineWindow      = 60
	DefaultStaleWindow       = 300
	DefaultCommandTTL        = 900
	DefaultRatePerMinute     = 120
	DefaultPersistInterval   = 60
	DefaultHeartbeatInterval = 10
	DefaultNodeTimeout       = 30
)

// Load reads the YAML file at path (optional; empty path skips the file),
// applies env overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("FLEETWATCH_PORT", c.Server.Port)
	c.Server.APIKey = envStr("FLEETWATCH_API_KEY", c.Server.APIKey)
	c.Server.EncryptionKey = envStr("FLEETWATCH_ENCRYPTION_KEY", c.Server.EncryptionKey)
	c.Server.DBEncryptionKey = envStr("FLEETWATCH_DB_ENCRYPTION_KEY", c.Server.DBEncryptionKey)
	c.Server.PersistPath = envStr("FLEETWATCH_PERSIST_PATH", c.Server.PersistPath)
	c.Server.PackagesDir = envStr("FLEETWATCH_PACKAGES_DIR", c.Server.PackagesDir)
	c.Server.AdminUser = envStr("FLEETWATCH_ADMIN_USER", c.Server.AdminUser)
	c.Server.AdminPassword = envStr("FLEETWATCH_ADMIN_PASSWORD", c.Server.AdminPassword)
	c.Server.LogJSON = envBool("FLEETWATCH_LOG_JSON", c.Server.LogJSON)
	c.Server.MetricsEnabled = envBool("FLEETWATCH_METRICS", c.Server.MetricsEnabled)
	c.Cluster.Enabled = envBool("FLEETWATCH_CLUSTER_ENABLED", c.Cluster.Enabled)
	c.Cluster.Backend = envStr("FLEETWATCH_CLUSTER_BACKEND", c.Cluster.Backend)
	c.Cluster.Secret = envStr("FLEETWATCH_CLUSTER_SECRET", c.Cluster.Secret)
	c.Cluster.KV.Host = envStr("FLEETWATCH_KV_HOST", c.Cluster.KV.Host)
	c.Cluster.KV.Port = envInt("FLEETWATCH_KV_PORT", c.Cluster.KV.Port)
	c.Cluster.KV.Auth = envStr("FLEETWATCH_KV_AUTH", c.Cluster.KV.Auth)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.HistorySize == 0 {
		c.Server.HistorySize = DefaultHistorySize
	}
	if c.Server.SessionTTLSeconds == 0 {
		c.Server.SessionTTLSeconds = DefaultSessionTTL
	}
	if c.Server.OnlineWindowSeconds == 0 {
		c.Server.OnlineWindowSeconds = DefaultOnlineWindow
	}
	if c.Server.StaleWindowSeconds == 0 {
		c.Server.StaleWindowSeconds = DefaultStaleWindow
	}
	if c.Server.CommandTTLSeconds == 0 {
		c.Server.CommandTTLSeconds = DefaultCommandTTL
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = DefaultRatePerMinute
	}
	if c.Server.PersistIntervalSecond == 0 {
		c.Server.PersistIntervalSecond = DefaultPersistInterval
	}
	if c.Cluster.Backend == "" {
		c.Cluster.Backend = BackendMemory
	}
	if c.Cluster.HeartbeatIntervalSeconds == 0 {
		c.Cluster.HeartbeatIntervalSeconds = DefaultHeartbeatInterval
	}
	if c.Cluster.NodeTimeoutSeconds == 0 {
		c.Cluster.NodeTimeoutSeconds = DefaultNodeTimeout
	}
	if c.Cluster.FilePath == "" {
		c.Cluster.FilePath = "fleetwatch-coord.db"
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.APIKey == "" {
		errs = append(errs, errors.New("server.api_key is required"))
	}
	if _, err := c.WireKey(); err != nil {
		errs = append(errs, fmt.Errorf("server.encryption_key: %w", err))
	}
	if c.Server.DBEncryptionKey != "" {
		if _, err := c.AtRestKey(); err != nil {
			errs = append(errs, fmt.Errorf("server.db_encryption_key: %w", err))
		}
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and key_file must both be set or both empty"))
	}
	if c.Server.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("server.history_size must be >= 1, got %d", c.Server.HistorySize))
	}

	switch c.Cluster.Backend {
	case BackendMemory, BackendFile, BackendKV:
	default:
		errs = append(errs, fmt.Errorf("cluster.backend must be memory, file, or kv, got %q", c.Cluster.Backend))
	}
	if c.Cluster.Enabled {
		if _, err := c.ClusterSecret(); err != nil {
			errs = append(errs, fmt.Errorf("cluster.secret: %w", err))
		}
		if c.Cluster.Backend == BackendKV && c.Cluster.KV.Host == "" {
			errs = append(errs, errors.New("cluster.kv.host is required for the kv backend"))
		}
	}

	return errors.Join(errs...)
}

// Values returns the effective configuration as a string map for
// display. Secrets and key material are redacted, never echoed.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"server.port":                        strconv.Itoa(c.Server.Port),
		"server.tls.cert_file":               c.Server.TLS.CertFile,
		"server.tls.key_file":                redactSecret(c.Server.TLS.KeyFile),
		"server.api_key":                     redactSecret(c.Server.APIKey),
		"server.encryption_key":              redactSecret(c.Server.EncryptionKey),
		"server.db_encryption_key":           redactSecret(c.Server.DBEncryptionKey),
		"server.history_size":                strconv.Itoa(c.Server.HistorySize),
		"server.session_ttl_seconds":         strconv.Itoa(c.Server.SessionTTLSeconds),
		"server.online_window_seconds":       strconv.Itoa(c.Server.OnlineWindowSeconds),
		"server.stale_window_seconds":        strconv.Itoa(c.Server.StaleWindowSeconds),
		"server.command_ttl_seconds":         strconv.Itoa(c.Server.CommandTTLSeconds),
		"server.rate_limit_per_minute":       strconv.Itoa(c.Server.RateLimitPerMinute),
		"server.persist_interval_seconds":    strconv.Itoa(c.Server.PersistIntervalSecond),
		"server.persist_path":                c.Server.PersistPath,
		"server.packages_dir":                c.Server.PackagesDir,
		"server.admin_user":                  c.Server.AdminUser,
		"server.admin_password":              redactSecret(c.Server.AdminPassword),
		"server.metrics_enabled":             strconv.FormatBool(c.Server.MetricsEnabled),
		"server.log_json":                    strconv.FormatBool(c.Server.LogJSON),
		"cluster.enabled":                    strconv.FormatBool(c.Cluster.Enabled),
		"cluster.backend":                    c.Cluster.Backend,
		"cluster.secret":                     redactSecret(c.Cluster.Secret),
		"cluster.advertise_host":             c.Cluster.AdvertiseHost,
		"cluster.heartbeat_interval_seconds": strconv.Itoa(c.Cluster.HeartbeatIntervalSeconds),
		"cluster.node_timeout_seconds":       strconv.Itoa(c.Cluster.NodeTimeoutSeconds),
		"cluster.file_path":                  c.Cluster.FilePath,
		"cluster.kv.host":                    c.Cluster.KV.Host,
		"cluster.kv.port":                    strconv.Itoa(c.Cluster.KV.Port),
		"cluster.kv.auth":                    redactSecret(c.Cluster.KV.Auth),
		"notify.mqtt_broker":                 c.Notify.MQTTBroker,
		"notify.mqtt_topic":                  c.Notify.MQTTTopic,
		"notify.webhook_url":                 c.Notify.WebhookURL,
	}
}

// redactSecret returns "(set)" if the value is non-empty, empty string otherwise.
func redactSecret(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// WireKey decodes the mandatory 32-byte payload AEAD key.
func (c *Config) WireKey() ([]byte, error) {
	return decodeKey(c.Server.EncryptionKey, 32)
}

// AtRestKey decodes the optional at-rest key; nil when unset.
func (c *Config) AtRestKey() ([]byte, error) {
	if c.Server.DBEncryptionKey == "" {
		return nil, nil
	}
	return decodeKey(c.Server.DBEncryptionKey, 32)
}

// ClusterSecret decodes the cluster HMAC secret.
func (c *Config) ClusterSecret() ([]byte, error) {
	if c.Cluster.Secret == "" {
		return nil, errors.New("not set")
	}
	secret, err := base64.StdEncoding.DecodeString(c.Cluster.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return secret, nil
}

// SessionTTL converts the configured seconds to a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Server.SessionTTLSeconds) * time.Second
}

func (c *Config) OnlineWindow() time.Duration {
	return time.Duration(c.Server.OnlineWindowSeconds) * time.Second
}

func (c *Config) StaleWindow() time.Duration {
	return time.Duration(c.Server.StaleWindowSeconds) * time.Second
}

func (c *Config) CommandTTL() time.Duration {
	return time.Duration(c.Server.CommandTTLSeconds) * time.Second
}

func (c *Config) PersistInterval() time.Duration {
	return time.Duration(c.Server.PersistIntervalSecond) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Cluster.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.Cluster.NodeTimeoutSeconds) * time.Second
}

// TLSEnabled returns true when both PEM paths are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}

func decodeKey(encoded string, size int) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("not set")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", size, len(key))
	}
	return key, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
