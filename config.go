package tracenode

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openlabnet/tracenode/internal/ports"
)

// Default binaries and timing. The binaries are searched on PATH unless the
// configuration names absolute paths.
const (
	DefaultTracePath    = "traceng"
	DefaultBridgePath   = "ubridge"
	DefaultGracePeriod  = 3 * time.Second
	DefaultStartTimeout = 10 * time.Second
)

// Config is the supervisor configuration, loadable from a YAML file.
type Config struct {
	// TracePath is the trace-generation binary launched per node.
	TracePath string `yaml:"trace_path"`
	// BridgePath is the bridging helper binary launched per node.
	BridgePath string `yaml:"bridge_path"`
	// DataDir holds node working directories and the lease journal.
	DataDir string `yaml:"data_dir"`

	// Port lease ranges. UDP carries tunnel traffic, TCP carries consoles
	// and bridge command channels. Zero values use the package defaults.
	UDPRangeStart int `yaml:"udp_range_start"`
	UDPRangeEnd   int `yaml:"udp_range_end"`
	TCPRangeStart int `yaml:"tcp_range_start"`
	TCPRangeEnd   int `yaml:"tcp_range_end"`

	// GracePeriod is the SIGTERM-to-SIGKILL window for node processes.
	GracePeriod time.Duration `yaml:"grace_period"`
	// StartTimeout bounds bridging helper readiness after spawn.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// EnableJournal turns on the on-disk lease journal shared by all
	// supervisor processes on the host.
	EnableJournal bool `yaml:"enable_journal"`
}

// LoadConfig reads a YAML config file, fills in defaults, and validates.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with package defaults.
func (c *Config) ApplyDefaults() {
	if c.TracePath == "" {
		c.TracePath = DefaultTracePath
	}
	if c.BridgePath == "" {
		c.BridgePath = DefaultBridgePath
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.UDPRangeStart == 0 && c.UDPRangeEnd == 0 {
		c.UDPRangeStart = ports.DefaultUDPRangeStart
		c.UDPRangeEnd = ports.DefaultUDPRangeEnd
	}
	if c.TCPRangeStart == 0 && c.TCPRangeEnd == 0 {
		c.TCPRangeStart = ports.DefaultTCPRangeStart
		c.TCPRangeEnd = ports.DefaultTCPRangeEnd
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultStartTimeout
	}
}

// Validate checks the configuration for contradictions. Call after
// ApplyDefaults.
func (c Config) Validate() error {
	if c.TracePath == "" {
		return fmt.Errorf("trace_path must not be empty")
	}
	if c.BridgePath == "" {
		return fmt.Errorf("bridge_path must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if err := validateRange("udp", c.UDPRangeStart, c.UDPRangeEnd); err != nil {
		return err
	}
	if err := validateRange("tcp", c.TCPRangeStart, c.TCPRangeEnd); err != nil {
		return err
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("start_timeout must be positive")
	}
	return nil
}

func validateRange(proto string, start, end int) error {
	if start <= 0 || start > 65535 || end <= 0 || end > 65535 {
		return fmt.Errorf("%s port range %d-%d out of bounds", proto, start, end)
	}
	if end < start {
		return fmt.Errorf("%s port range %d-%d inverted", proto, start, end)
	}
	return nil
}

// defaultDataDir prefers the user cache directory, falling back to a
// tracenode directory under the system temp dir.
func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tracenode")
	}
	return filepath.Join(os.TempDir(), "tracenode")
}
