// Package config handles configuration loading using viper.
package config

import (
	"net/netip"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"epona/link"
)

// EnvPrefix prefixes every environment override, e.g. EPONA_LOG_LEVEL.
const EnvPrefix = "EPONA"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("epona: invalid configuration")

// Config is the top-level configuration shared by the switch and host commands.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Switch   SwitchConfig   `mapstructure:"switch" yaml:"switch"`
	Host     HostConfig     `mapstructure:"host" yaml:"host"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Daemon   DaemonConfig   `mapstructure:"daemon" yaml:"daemon"`
}

// ─── Logging ───

// LogConfig controls the logrus logger.
type LogConfig struct {
	Level  string     `mapstructure:"level" yaml:"level"`
	Format string     `mapstructure:"format" yaml:"format"` // text | json
	File   FileConfig `mapstructure:"file" yaml:"file"`
}

// FileConfig enables a rotated log file in addition to stderr.
type FileConfig struct {
	Path       string `mapstructure:"path" yaml:"path"` // empty = disabled
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Data plane ───

// ResolverConfig tunes address resolution on hosts.
type ResolverConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"` // per-attempt wait
	Retries int           `mapstructure:"retries" yaml:"retries"` // requests after the first lookup
}

// BridgeConfig tunes learning bridges.
type BridgeConfig struct {
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"` // 0 = entries never expire
}

// SwitchConfig describes the bridges served by `epona switch`.
type SwitchConfig struct {
	Bridges       []BridgeSpec  `mapstructure:"bridges" yaml:"bridges"`
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

// BridgeSpec is one isolated bridge. Each listen address is one bridge port.
type BridgeSpec struct {
	Name   string   `mapstructure:"name" yaml:"name"`
	Listen []string `mapstructure:"listen" yaml:"listen"`
}

// HostConfig describes the adapter run by `epona host`.
type HostConfig struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	HWAddr      string        `mapstructure:"hwaddr" yaml:"hwaddr"`
	Address     string        `mapstructure:"address" yaml:"address"` // CIDR, e.g. 10.0.0.2/24
	Gateway     string        `mapstructure:"gateway" yaml:"gateway"`
	Switch      string        `mapstructure:"switch" yaml:"switch"` // switch port to dial
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// CaptureConfig enables a pcap tap of every frame a node sees.
type CaptureConfig struct {
	File    string `mapstructure:"file" yaml:"file"` // empty = disabled
	SnapLen int    `mapstructure:"snaplen" yaml:"snaplen"`
}

// DaemonConfig controls background mode.
type DaemonConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Load reads the configuration file at path (optional), applies EPONA_*
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment is set.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are constants; failing here is a programming error.
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9465")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("resolver.timeout", "100ms")
	v.SetDefault("resolver.retries", 2)

	v.SetDefault("bridge.max_age", "0s")

	v.SetDefault("switch.stats_interval", "60s")

	v.SetDefault("host.name", "")
	v.SetDefault("host.hwaddr", "")
	v.SetDefault("host.address", "")
	v.SetDefault("host.gateway", "")
	v.SetDefault("host.switch", "127.0.0.1:9999")
	v.SetDefault("host.dial_timeout", "5s")

	v.SetDefault("capture.file", "")
	v.SetDefault("capture.snaplen", 65535)

	v.SetDefault("daemon.pid_file", "/tmp/epona.pid")
	v.SetDefault("daemon.log_file", "")
}

// ValidateAndApplyDefaults validates configuration and fills in runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return errors.Wrapf(ErrInvalid, "log level %q (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return errors.Wrapf(ErrInvalid, "log format %q (must be json/text)", cfg.Log.Format)
	}

	if cfg.Resolver.Timeout <= 0 {
		return errors.Wrapf(ErrInvalid, "resolver.timeout must be positive, got %s", cfg.Resolver.Timeout)
	}
	if cfg.Resolver.Retries < 0 {
		return errors.Wrapf(ErrInvalid, "resolver.retries must not be negative, got %d", cfg.Resolver.Retries)
	}
	if cfg.Bridge.MaxAge < 0 {
		return errors.Wrapf(ErrInvalid, "bridge.max_age must not be negative, got %s", cfg.Bridge.MaxAge)
	}

	if len(cfg.Switch.Bridges) == 0 {
		cfg.Switch.Bridges = []BridgeSpec{{Name: "br0", Listen: []string{"127.0.0.1:9999", "127.0.0.1:9998"}}}
	}
	seen := map[string]bool{}
	for i, b := range cfg.Switch.Bridges {
		if b.Name == "" {
			return errors.Wrapf(ErrInvalid, "switch.bridges[%d] has no name", i)
		}
		if seen[b.Name] {
			return errors.Wrapf(ErrInvalid, "duplicate bridge name %q", b.Name)
		}
		seen[b.Name] = true
		if len(b.Listen) == 0 {
			return errors.Wrapf(ErrInvalid, "bridge %q has no ports", b.Name)
		}
	}

	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 65535
	}

	if cfg.Host.HWAddr != "" || cfg.Host.Address != "" {
		if _, err := cfg.Host.Parse(); err != nil {
			return err
		}
	}
	return nil
}

// HostParams is the parsed form of HostConfig.
type HostParams struct {
	HWAddr  link.HardwareAddr
	Prefix  netip.Prefix
	Gateway link.NetAddr
}

// Parse validates and converts the textual host settings.
func (h HostConfig) Parse() (*HostParams, error) {
	var p HostParams

	hw, err := link.ParseHardwareAddr(h.HWAddr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "host.hwaddr: %v", err)
	}
	if hw.IsBroadcast() || hw.IsZero() {
		return nil, errors.Wrapf(ErrInvalid, "host.hwaddr %s is reserved", hw)
	}
	p.HWAddr = hw

	prefix, err := netip.ParsePrefix(h.Address)
	if err != nil || !prefix.Addr().Is4() {
		return nil, errors.Wrapf(ErrInvalid, "host.address %q must be an IPv4 CIDR", h.Address)
	}
	p.Prefix = prefix

	if h.Gateway != "" {
		gw, err := link.ParseNetAddr(h.Gateway)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalid, "host.gateway: %v", err)
		}
		p.Gateway = gw
	}
	return &p, nil
}

// YAML renders the effective configuration.
func (cfg *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return out, nil
}
