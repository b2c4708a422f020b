// Package config loads captap's configuration, layering defaults, a YAML
// config file, environment variables, and CLI flags the way the teacher
// project's viper-backed loader does (flags win, then config file, then
// built-in defaults).
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy" mapstructure:"proxy"`
	CA      CAConfig      `yaml:"ca" mapstructure:"ca"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
}

// ProxyConfig configures the interception proxy engine (spec.md §6).
type ProxyConfig struct {
	Host                     string `yaml:"host" mapstructure:"host"`
	Port                     int    `yaml:"port" mapstructure:"port"`
	EnableHTTPS              bool   `yaml:"enable_https" mapstructure:"enable_https"`
	CaptureBodyCapBytes      int64  `yaml:"capture_body_cap_bytes" mapstructure:"capture_body_cap_bytes"`
	IdleTimeoutMs            int64  `yaml:"idle_timeout_ms" mapstructure:"idle_timeout_ms"`
	UpstreamConnectTimeoutMs int64  `yaml:"upstream_connect_timeout_ms" mapstructure:"upstream_connect_timeout_ms"`
	UpstreamHeaderTimeoutMs  int64  `yaml:"upstream_header_timeout_ms" mapstructure:"upstream_header_timeout_ms"`
}

// CAConfig configures the certificate authority subsystem.
type CAConfig struct {
	// Dir is the per-install directory holding rootCA.key / rootCA.crt.
	Dir             string `yaml:"dir" mapstructure:"dir"`
	Organization    string `yaml:"organization" mapstructure:"organization"`
	CommonName      string `yaml:"common_name" mapstructure:"common_name"`
	LeafCacheSize   int    `yaml:"leaf_cache_size" mapstructure:"leaf_cache_size"`
}

// StorageConfig configures the traffic store.
type StorageConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// APIConfig configures the optional control-plane bridge (query API +
// event stream) that an outer shell would attach to.
type APIConfig struct {
	Enable bool   `yaml:"enable" mapstructure:"enable"`
	Host   string `yaml:"host" mapstructure:"host"`
	Port   int    `yaml:"port" mapstructure:"port"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig controls the rotating file sink.
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls the developer-facing console trace.
type OutputConfig struct {
	ConsoleTrace bool `yaml:"console_trace" mapstructure:"console_trace"`
}

// LoadConfig loads configuration from (in ascending priority) built-in
// defaults, an optional YAML file, environment variables prefixed
// CAPTAP_, and finally CLI flags bound into v by the caller.
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("CAPTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.captap")
		v.AddConfigPath("/etc/captap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("no config file found, using defaults")
		} else {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		log.Printf("config file loaded: %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg, v)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8888)
	v.SetDefault("proxy.enable_https", true)
	v.SetDefault("proxy.capture_body_cap_bytes", int64(10*1024*1024))
	v.SetDefault("proxy.idle_timeout_ms", int64(60000))
	v.SetDefault("proxy.upstream_connect_timeout_ms", int64(30000))
	v.SetDefault("proxy.upstream_header_timeout_ms", int64(60000))

	v.SetDefault("ca.dir", "./data/certificates")
	v.SetDefault("ca.organization", "captap")
	v.SetDefault("ca.common_name", "captap Root CA")
	v.SetDefault("ca.leaf_cache_size", 4096)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/traffic.db")
	v.SetDefault("storage.max_records", 0)
	v.SetDefault("storage.retention", "0s")

	v.SetDefault("api.enable", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8889)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./captap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.console_trace", true)
}

// applyDefaults ensures zero-value struct fields fall back to viper's
// resolved value, the same two-pass approach the teacher uses because
// Unmarshal does not apply SetDefault values to fields explicitly present
// (but empty) in a config file.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Proxy.Host == "" {
		cfg.Proxy.Host = v.GetString("proxy.host")
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = v.GetInt("proxy.port")
	}
	cfg.Proxy.EnableHTTPS = v.GetBool("proxy.enable_https")
	if cfg.Proxy.CaptureBodyCapBytes == 0 {
		cfg.Proxy.CaptureBodyCapBytes = v.GetInt64("proxy.capture_body_cap_bytes")
	}
	if cfg.Proxy.IdleTimeoutMs == 0 {
		cfg.Proxy.IdleTimeoutMs = v.GetInt64("proxy.idle_timeout_ms")
	}
	if cfg.Proxy.UpstreamConnectTimeoutMs == 0 {
		cfg.Proxy.UpstreamConnectTimeoutMs = v.GetInt64("proxy.upstream_connect_timeout_ms")
	}
	if cfg.Proxy.UpstreamHeaderTimeoutMs == 0 {
		cfg.Proxy.UpstreamHeaderTimeoutMs = v.GetInt64("proxy.upstream_header_timeout_ms")
	}

	if cfg.CA.Dir == "" {
		cfg.CA.Dir = v.GetString("ca.dir")
	}
	if cfg.CA.Organization == "" {
		cfg.CA.Organization = v.GetString("ca.organization")
	}
	if cfg.CA.CommonName == "" {
		cfg.CA.CommonName = v.GetString("ca.common_name")
	}
	if cfg.CA.LeafCacheSize == 0 {
		cfg.CA.LeafCacheSize = v.GetInt("ca.leaf_cache_size")
	}

	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.MaxRecords == 0 {
		cfg.Storage.MaxRecords = v.GetInt("storage.max_records")
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = v.GetDuration("storage.retention")
	}

	cfg.API.Enable = v.GetBool("api.enable")
	if cfg.API.Host == "" {
		cfg.API.Host = v.GetString("api.host")
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = v.GetInt("api.port")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}
}

// Validate checks configuration invariants, mirroring the teacher's
// Validate() style of returning the first descriptive error found.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy.port: %d (must be 1-65535)", c.Proxy.Port)
	}
	if c.Proxy.Host == "" {
		return fmt.Errorf("proxy.host cannot be empty")
	}
	if c.Proxy.CaptureBodyCapBytes < 0 {
		return fmt.Errorf("proxy.capture_body_cap_bytes cannot be negative")
	}
	if c.Proxy.IdleTimeoutMs <= 0 {
		return fmt.Errorf("proxy.idle_timeout_ms must be positive")
	}
	if c.Proxy.UpstreamConnectTimeoutMs <= 0 {
		return fmt.Errorf("proxy.upstream_connect_timeout_ms must be positive")
	}
	if c.Proxy.UpstreamHeaderTimeoutMs <= 0 {
		return fmt.Errorf("proxy.upstream_header_timeout_ms must be positive")
	}

	if c.CA.Dir == "" {
		return fmt.Errorf("ca.dir cannot be empty")
	}
	if c.CA.LeafCacheSize < 0 {
		return fmt.Errorf("ca.leaf_cache_size cannot be negative")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Driver) == "" {
			c.Storage.Driver = "sqlite"
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage.max_records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention cannot be negative")
	}

	if c.API.Enable {
		if c.API.Port < 1 || c.API.Port > 65535 {
			return fmt.Errorf("invalid api.port: %d (must be 1-65535)", c.API.Port)
		}
		if c.API.Port == c.Proxy.Port && c.API.Host == c.Proxy.Host {
			return fmt.Errorf("api.port must differ from proxy.port on the same host")
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log.file_logging.path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log.file_logging.max_size_mb must be at least 1")
		}
	}

	return nil
}
