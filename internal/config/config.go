package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-value fields.
const (
	DefaultDebounce       = 10 * time.Second
	DefaultInterval       = 4 * time.Hour
	DefaultConnectTimeout = 10 * time.Second
	DefaultOpTimeout      = 60 * time.Second
	DefaultRemote         = "origin"
)

// DefaultExcludes are always applied on top of per-target patterns:
// version-control internals, editor temp/swap files and OS metadata.
var DefaultExcludes = []string{
	".git",
	"*.swp",
	"*.swx",
	"*.tmp",
	"*~",
	"#*#",
	".#*",
	"4913",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// Duration wraps time.Duration with YAML support for strings like "10s".
type Duration time.Duration

// UnmarshalYAML parses a duration from a YAML scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete snapsyncd configuration
type Config struct {
	Targets  []TargetConfig `yaml:"targets"`
	Paths    PathsConfig    `yaml:"paths"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Status   StatusConfig   `yaml:"status"`
}

// TargetConfig configures one watched directory pipeline
type TargetConfig struct {
	Root     string   `yaml:"root"`
	Excludes []string `yaml:"excludes"`
	Debounce Duration `yaml:"debounce"`
	Remote   string   `yaml:"remote"`
	Branch   string   `yaml:"branch"`
	NoWatch  bool     `yaml:"no_watch"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// ScheduleConfig configures the periodic fallback trigger
type ScheduleConfig struct {
	Interval Duration `yaml:"interval"`
}

// RemoteConfig configures remote operation timeouts
type RemoteConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	OpTimeout      Duration `yaml:"op_timeout"`
}

// AuthConfig configures git authentication for remote operations
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// StatusConfig configures the local status/trigger HTTP endpoint
type StatusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ForTarget builds a single-target configuration without a config file,
// for invocations that name the watch root on the command line.
func ForTarget(root string, excludes []string, debounce time.Duration) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target root: %w", err)
	}

	cfg := &Config{
		Targets: []TargetConfig{{
			Root:     abs,
			Excludes: excludes,
			Debounce: Duration(debounce),
		}},
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i := range c.Targets {
		c.Targets[i].Root = os.ExpandEnv(c.Targets[i].Root)
		c.Targets[i].Remote = os.ExpandEnv(c.Targets[i].Remote)
		c.Targets[i].Branch = os.ExpandEnv(c.Targets[i].Branch)
	}
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Status.ListenAddr = os.ExpandEnv(c.Status.ListenAddr)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	for i := range c.Targets {
		if c.Targets[i].Debounce == 0 {
			c.Targets[i].Debounce = Duration(DefaultDebounce)
		}
		if c.Targets[i].Remote == "" {
			c.Targets[i].Remote = DefaultRemote
		}
	}
	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = Duration(DefaultInterval)
	}
	if c.Remote.ConnectTimeout == 0 {
		c.Remote.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.Remote.OpTimeout == 0 {
		c.Remote.OpTimeout = Duration(DefaultOpTimeout)
	}
	if c.Paths.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine default state directory: %w", err)
		}
		c.Paths.StateDir = filepath.Join(home, ".local", "state", "snapsyncd")
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	seen := make(map[string]bool)
	for i, t := range c.Targets {
		if t.Root == "" {
			return fmt.Errorf("targets[%d].root is required", i)
		}
		if !filepath.IsAbs(t.Root) {
			return fmt.Errorf("targets[%d].root must be an absolute path: %s", i, t.Root)
		}
		if seen[t.Root] {
			return fmt.Errorf("targets[%d].root is configured twice: %s", i, t.Root)
		}
		seen[t.Root] = true
		if t.Debounce <= 0 {
			return fmt.Errorf("targets[%d].debounce must be positive", i)
		}
	}

	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}

	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Status.Enabled && c.Status.ListenAddr == "" {
		return fmt.Errorf("status.listen_addr is required when status is enabled")
	}

	return nil
}

// ExcludePatterns returns the target's exclusion patterns with the
// built-in defaults prepended.
func (t *TargetConfig) ExcludePatterns() []string {
	patterns := make([]string, 0, len(DefaultExcludes)+len(t.Excludes))
	patterns = append(patterns, DefaultExcludes...)
	patterns = append(patterns, t.Excludes...)
	return patterns
}

// Name returns a short stable identifier for the target, used in state
// file names and log lines.
func (t *TargetConfig) Name() string {
	sum := sha256.Sum256([]byte(t.Root))
	return fmt.Sprintf("%s-%s", filepath.Base(t.Root), hex.EncodeToString(sum[:4]))
}

// StateFilePath returns the path of the target's persisted run state.
func (c *Config) StateFilePath(t *TargetConfig) string {
	return filepath.Join(c.Paths.StateDir, t.Name()+".json")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	switch {
	case c.Auth.SSHKeyFile != "":
		return "ssh"
	case c.Auth.HTTPSTokenFile != "":
		return "https"
	default:
		return "none"
	}
}

// IsHTTPS returns true if the URL uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if the URL uses an SSH scheme
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
