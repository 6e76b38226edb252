// Package config loads and resolves the relay's configuration value
// object. Choosing which config file to load and CLI flag parsing are
// the caller's concern (cmd/relayd); this package defines the shape,
// the defaults, and reading and decoding the YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved value object the core is constructed
// from.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Transport TransportConfig `yaml:"transport"`
	Probe     ProbeConfig     `yaml:"probe"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SourceConfig controls where and how log files are discovered.
type SourceConfig struct {
	LogDir      string        `yaml:"log_dir"`
	GroupPeriod time.Duration `yaml:"group_period"`
	MaxFiles    int           `yaml:"max_files"`
}

// TransportConfig controls the Broadcast Fabric's bind and limits.
type TransportConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxClients       int           `yaml:"max_clients"`
	OutboundCapacity int           `yaml:"outbound_capacity"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// ProbeConfig controls the Process Prober.
type ProbeConfig struct {
	Period                time.Duration `yaml:"period"`
	ExecutableNames        []string      `yaml:"executable_names"`
	CommandLineSubstrings  []string      `yaml:"command_line_substrings"`
	AuxiliaryProcessHints  []string      `yaml:"auxiliary_process_hints"`
}

// LoggingConfig controls the diagnostic logging sink.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads and parses a YAML config file, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the defaults if the
// file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			LogDir:      defaultVRChatLogDir(),
			GroupPeriod: 30 * time.Second,
			MaxFiles:    4,
		},
		Transport: TransportConfig{
			Host:             "127.0.0.1",
			Port:             11400,
			MaxClients:       64,
			OutboundCapacity: 256,
			PingInterval:     30 * time.Second,
		},
		Probe: ProbeConfig{
			Period:                5 * time.Second,
			ExecutableNames:       []string{"vrchat", "vrchat.exe"},
			CommandLineSubstrings: []string{"vrchat"},
			AuxiliaryProcessHints: []string{"crashpad", "updater", "installer", "launcher", "vrcx"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultVRChatLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, "AppData", "LocalLow", "VRChat", "VRChat")
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "vrc-log-relay", "config.yaml")
}

// Diff compares two configs and returns human-readable descriptions of
// what changed, for diagnostic logging on reload.
func Diff(old, updated *Config) []string {
	var changes []string
	if old.Source.LogDir != updated.Source.LogDir {
		changes = append(changes, fmt.Sprintf("source.log_dir: %s -> %s", old.Source.LogDir, updated.Source.LogDir))
	}
	if old.Source.GroupPeriod != updated.Source.GroupPeriod {
		changes = append(changes, fmt.Sprintf("source.group_period: %s -> %s", old.Source.GroupPeriod, updated.Source.GroupPeriod))
	}
	if old.Source.MaxFiles != updated.Source.MaxFiles {
		changes = append(changes, fmt.Sprintf("source.max_files: %d -> %d", old.Source.MaxFiles, updated.Source.MaxFiles))
	}
	if old.Transport.Port != updated.Transport.Port {
		changes = append(changes, fmt.Sprintf("transport.port: %d -> %d", old.Transport.Port, updated.Transport.Port))
	}
	if old.Transport.MaxClients != updated.Transport.MaxClients {
		changes = append(changes, fmt.Sprintf("transport.max_clients: %d -> %d", old.Transport.MaxClients, updated.Transport.MaxClients))
	}
	if old.Transport.PingInterval != updated.Transport.PingInterval {
		changes = append(changes, fmt.Sprintf("transport.ping_interval: %s -> %s", old.Transport.PingInterval, updated.Transport.PingInterval))
	}
	if old.Probe.Period != updated.Probe.Period {
		changes = append(changes, fmt.Sprintf("probe.period: %s -> %s", old.Probe.Period, updated.Probe.Period))
	}
	if old.Logging.Level != updated.Logging.Level {
		changes = append(changes, fmt.Sprintf("logging.level: %s -> %s", old.Logging.Level, updated.Logging.Level))
	}
	return changes
}
