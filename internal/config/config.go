package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the vmdeck application settings.
type Config struct {
	// DataDir holds the machine library and per-machine directories.
	DataDir string `mapstructure:"data_dir"`

	// LibvirtSocket is the libvirtd socket the QEMU engine talks to. Empty
	// selects the in-process KVM engine on Linux.
	LibvirtSocket string `mapstructure:"libvirt_socket"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"log_format"`

	// URLScheme is the scheme of command links.
	URLScheme string `mapstructure:"url_scheme"`

	// ListenAddr is the address the daemon serves MCP, /open and /metrics on.
	ListenAddr string `mapstructure:"listen_addr"`

	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// StopGracePeriod bounds how long a graceful stop waits for the guest.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`

	// Defaults for new machines.
	DefaultCPUs       int `mapstructure:"default_cpus"`
	DefaultMemoryMB   int `mapstructure:"default_memory_mb"`
	DefaultStorageGiB int `mapstructure:"default_storage_gib"`

	// ConsoleEscape is the key that detaches from a console, written as
	// "ctrl-]" or "ctrl-a".
	ConsoleEscape string `mapstructure:"console_escape"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir: filepath.Join("/tmp", "vmdeck"),
		}
	}

	return &Config{
		DataDir:           paths.DataDir,
		LibvirtSocket:     "",
		LogLevel:          "info",
		LogFormat:         "text",
		URLScheme:         "vmdeck",
		ListenAddr:        "127.0.0.1:7420",
		MetricsEnabled:    true,
		StopGracePeriod:   30 * time.Second,
		DefaultCPUs:       2,
		DefaultMemoryMB:   4096,
		DefaultStorageGiB: 64,
		ConsoleEscape:     "ctrl-]",
	}
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults into
// Global.
func Load() error {
	cfg, err := LoadFrom(viper.GetViper())
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// LoadFrom reads configuration through v. Flags bound on v take
// precedence over the environment and the config file.
func LoadFrom(v *viper.Viper) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}

	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("libvirt_socket", defaults.LibvirtSocket)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("url_scheme", defaults.URLScheme)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("stop_grace_period", defaults.StopGracePeriod)
	v.SetDefault("default_cpus", defaults.DefaultCPUs)
	v.SetDefault("default_memory_mb", defaults.DefaultMemoryMB)
	v.SetDefault("default_storage_gib", defaults.DefaultStorageGiB)
	v.SetDefault("console_escape", defaults.ConsoleEscape)

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(paths.DataDir)
	v.AddConfigPath(paths.ConfigDir)

	// Environment variable support: VMDECK_DATA_DIR, VMDECK_LOG_LEVEL, etc.
	v.SetEnvPrefix("VMDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Read config file (optional - not an error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) check() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: want text or json", c.LogFormat)
	}
	if c.URLScheme == "" {
		return fmt.Errorf("url_scheme must not be empty")
	}
	if _, err := ParseEscapeKey(c.ConsoleEscape); err != nil {
		return err
	}
	return nil
}

// EscapeByte returns the console escape key as the byte the terminal sends.
func (c *Config) EscapeByte() byte {
	b, err := ParseEscapeKey(c.ConsoleEscape)
	if err != nil {
		return DefaultEscapeByte
	}
	return b
}

// DefaultEscapeByte is Ctrl+].
const DefaultEscapeByte byte = 0x1d

// ParseEscapeKey converts "ctrl-X" to the control byte it produces.
func ParseEscapeKey(key string) (byte, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return DefaultEscapeByte, nil
	}
	rest, ok := strings.CutPrefix(k, "ctrl-")
	if !ok {
		rest, ok = strings.CutPrefix(k, "^")
	}
	if !ok || len(rest) != 1 {
		return 0, fmt.Errorf("invalid console_escape %q: want ctrl-<key>", key)
	}
	c := rest[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= '[' && c <= '_':
		return c - '@', nil
	}
	return 0, fmt.Errorf("invalid console_escape %q: no control code for %q", key, c)
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
