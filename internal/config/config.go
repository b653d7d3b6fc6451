// Package config provides configuration file support for the prober.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// RateLimitMethod selects the pacing strategy the rate limiter uses.
type RateLimitMethod string

const (
	// RateLimitSleep blocks on an OS sleep for the whole residual interval.
	RateLimitSleep RateLimitMethod = "sleep"
	// RateLimitActive spins on a monotonic clock read until the deadline.
	RateLimitActive RateLimitMethod = "active"
	// RateLimitAuto sleeps until within the measured clock resolution of the
	// deadline, then spins for the remainder.
	RateLimitAuto RateLimitMethod = "auto"
)

// Config represents the prober's configuration file structure. Every field
// here corresponds to one of the `§6 Configuration` keys; flags on the CLI
// override whatever a loaded file sets.
type Config struct {
	// Interface is the NIC used for both capture and send.
	Interface string `yaml:"interface"`

	// Protocol is the default outgoing L4 protocol: icmp, icmp6, or udp.
	Protocol string `yaml:"protocol"`

	// ProbingRate is the target packets/sec the rate limiter paces toward.
	ProbingRate float64 `yaml:"probing_rate"`
	// BatchSize is the number of send attempts between rate limiter waits.
	BatchSize uint64 `yaml:"batch_size"`
	// RateLimitingMethod selects Sleep, Active, or Auto pacing.
	RateLimitingMethod RateLimitMethod `yaml:"rate_limiting_method"`

	// InputFile is the probe CSV the prober loop reads from.
	InputFile string `yaml:"input_file"`
	// OutputFileCSV is the reply CSV the sniffer appends to.
	OutputFileCSV string `yaml:"output_file_csv"`
	// OutputFilePCAP is an optional verbatim capture of every sniffed frame.
	OutputFilePCAP string `yaml:"output_file_pcap,omitempty"`

	// PrefixExclFile and PrefixInclFile name textual CIDR list files.
	PrefixExclFile string `yaml:"prefix_excl_file,omitempty"`
	PrefixInclFile string `yaml:"prefix_incl_file,omitempty"`

	// FilterMinTTL and FilterMaxTTL bound the TTLs the prober will send.
	FilterMinTTL uint8 `yaml:"filter_min_ttl"`
	FilterMaxTTL uint8 `yaml:"filter_max_ttl"`

	// NPackets is the number of copies sent per probe.
	NPackets uint64 `yaml:"n_packets"`
	// MaxProbes caps the number sent before the loop exits early.
	MaxProbes uint64 `yaml:"max_probes,omitempty"`

	// DstPortFloor is the traceroute sentinel: the parser only accepts
	// replies whose quoted destination port or echo identifier is at or
	// above it, so reply traffic from unrelated exchanges on the same host
	// never reaches the output CSV. For ICMP/ICMPv6 probes the source port
	// doubles as the echo identifier, so it must sit at or above this floor
	// too.
	DstPortFloor uint16 `yaml:"dst_port_floor"`

	// SnifferWaitTime is how long the prober waits after its last send
	// before it stops the sniffer, letting in-flight replies land.
	SnifferWaitTime int `yaml:"sniffer_wait_time"`

	// MetaRound is an opaque string tagging every reply row, used by the
	// caller to stitch multi-round measurement campaigns together.
	MetaRound string `yaml:"meta_round,omitempty"`

	// LogFile, when set, tees structured logs to a rotating file alongside
	// the console.
	LogFile string `yaml:"log_file,omitempty"`
}

// DefaultConfig returns a Config with workable defaults for everything but
// the interface, which has no sensible default and must be set.
func DefaultConfig() *Config {
	return &Config{
		Protocol:           "icmp",
		ProbingRate:        1000,
		BatchSize:          128,
		RateLimitingMethod: RateLimitAuto,
		InputFile:          "probes.csv",
		OutputFileCSV:      "replies.csv",
		FilterMinTTL:       1,
		FilterMaxTTL:       32,
		NPackets:           1,
		DstPortFloor:       33434,
		SnifferWaitTime:    3,
	}
}

// Validate checks that the configuration is internally consistent, so a bad
// config is rejected at startup before any goroutine spawns.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface must be set")
	}
	if _, ok := protocolNames[c.Protocol]; !ok {
		return fmt.Errorf("config: unknown protocol %q", c.Protocol)
	}
	if c.ProbingRate <= 0 {
		return fmt.Errorf("config: probing_rate must be positive")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	switch c.RateLimitingMethod {
	case RateLimitSleep, RateLimitActive, RateLimitAuto:
	default:
		return fmt.Errorf("config: unknown rate_limiting_method %q", c.RateLimitingMethod)
	}
	if c.FilterMinTTL == 0 || c.FilterMinTTL > c.FilterMaxTTL {
		return fmt.Errorf("config: filter_min_ttl/filter_max_ttl out of order")
	}
	if c.NPackets == 0 {
		return fmt.Errorf("config: n_packets must be positive")
	}
	if c.InputFile == "" {
		return fmt.Errorf("config: input_file must be set")
	}
	if c.OutputFileCSV == "" {
		return fmt.Errorf("config: output_file_csv must be set")
	}
	return nil
}

var protocolNames = map[string]struct{}{
	"icmp":  {},
	"icmp6": {},
	"udp":   {},
}

// Load reads configuration from the default config file locations.
// It searches in order:
//  1. ./caratrace.yaml (current directory)
//  2. ~/.config/caratrace/config.yaml (Linux/macOS)
//  3. %APPDATA%\caratrace\config.yaml (Windows)
//
// If no config file is found, returns default configuration.
func Load() (*Config, error) {
	paths := getConfigPaths()

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return LoadFrom(path)
		}
	}

	// No config file found, return defaults.
	return DefaultConfig(), nil
}

// LoadFrom reads configuration from a specific file path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// Save writes the configuration to the default user config path.
func (c *Config) Save() error {
	return c.SaveTo(getUserConfigPath())
}

// SaveTo writes the configuration to a specific file path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// getConfigPaths returns the list of config file paths to search.
func getConfigPaths() []string {
	paths := []string{
		"caratrace.yaml",
		"caratrace.yml",
		".caratrace.yaml",
		".caratrace.yml",
	}

	if userPath := getUserConfigPath(); userPath != "" {
		paths = append(paths, userPath)
	}

	return paths
}

// getUserConfigPath returns the user-specific config file path.
func getUserConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "caratrace", "config.yaml")
		}
	default: // Linux, macOS, etc.
		home, err := os.UserHomeDir()
		if err == nil {
			if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
				return filepath.Join(xdgConfig, "caratrace", "config.yaml")
			}
			return filepath.Join(home, ".config", "caratrace", "config.yaml")
		}
	}
	return ""
}

// GetConfigPath returns the path where user config would be saved.
func GetConfigPath() string {
	return getUserConfigPath()
}

// GenerateExample generates an example configuration file content.
func GenerateExample() string {
	return `# caratrace configuration file
# Location: ~/.config/caratrace/config.yaml (Linux/macOS)
#           %APPDATA%\caratrace\config.yaml (Windows)
#           ./caratrace.yaml (current directory)

interface: eth0
protocol: udp

probing_rate: 1000         # packets/sec
batch_size: 128            # send attempts between rate limiter waits
rate_limiting_method: auto # sleep, active, or auto

input_file: probes.csv
output_file_csv: replies.csv
output_file_pcap: ""       # optional verbatim capture, diagnostic only

prefix_excl_file: ""
prefix_incl_file: ""

filter_min_ttl: 1
filter_max_ttl: 32
n_packets: 1
max_probes: 0              # 0 means unbounded

dst_port_floor: 33434      # replies quoting a lower dst port / echo id are dropped
sniffer_wait_time: 3       # seconds after the last send before stopping
meta_round: ""

log_file: ""                # optional rotating log file path
`
}
