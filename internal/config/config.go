// ABOUTME: Configuration loading and parsing for deepr-mcp
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "DEEPR_CONFIG"

const (
	defaultAddr               = "127.0.0.1:8765"
	defaultMaxTokens          = 100000
	defaultSandboxTimeout     = time.Hour
	defaultElicitationTimeout = 5 * time.Minute
	defaultBudgetTimeout      = 5 * time.Minute
)

// Config represents the complete deepr-mcp configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Sandbox     SandboxConfig     `yaml:"sandbox" toml:"sandbox"`
	Elicitation ElicitationConfig `yaml:"elicitation" toml:"elicitation"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the MCP HTTP listener address
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// DatabaseConfig holds the two SQLite database paths. Jobs and credentials
// never share a file.
type DatabaseConfig struct {
	JobsPath        string `yaml:"jobs_path" toml:"jobs_path"`
	CredentialsPath string `yaml:"credentials_path" toml:"credentials_path"`
}

// StorageConfig holds the directories served as report and expert resources
type StorageConfig struct {
	ReportsDir string `yaml:"reports_dir" toml:"reports_dir"`
	ExpertsDir string `yaml:"experts_dir" toml:"experts_dir"`
}

// SandboxConfig holds sandbox defaults for new jobs
type SandboxConfig struct {
	BaseDir          string        `yaml:"base_dir" toml:"base_dir"`
	DefaultMaxTokens int           `yaml:"default_max_tokens" toml:"default_max_tokens"`
	AllowedTools     []string      `yaml:"allowed_tools" toml:"allowed_tools"`
	DefaultTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
}

// ElicitationConfig holds elicitation timing and the local prompt switch
type ElicitationConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	BudgetTimeout  time.Duration `yaml:"-" toml:"-"`
	// CLIPrompt registers a terminal handler on stdin for the cli target
	CLIPrompt bool `yaml:"cli_prompt" toml:"cli_prompt"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	BudgetTimeoutRaw  string `yaml:"budget_timeout" toml:"budget_timeout"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// bearer auth on the MCP endpoint.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, isTOML(path))
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes raw config content, applies defaults and validates.
func Parse(data []byte, asTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if asTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields. Data paths default under the XDG data dir.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}

	data := DataDir()
	if c.Database.JobsPath == "" {
		c.Database.JobsPath = filepath.Join(data, "jobs.db")
	}
	if c.Database.CredentialsPath == "" {
		c.Database.CredentialsPath = filepath.Join(data, "credentials.db")
	}
	if c.Storage.ReportsDir == "" {
		c.Storage.ReportsDir = filepath.Join(data, "reports")
	}
	if c.Storage.ExpertsDir == "" {
		c.Storage.ExpertsDir = filepath.Join(data, "experts")
	}
	if c.Sandbox.BaseDir == "" {
		c.Sandbox.BaseDir = filepath.Join(data, "sandboxes")
	}

	if c.Sandbox.DefaultMaxTokens == 0 {
		c.Sandbox.DefaultMaxTokens = defaultMaxTokens
	}
	if c.Sandbox.DefaultTimeout == 0 {
		c.Sandbox.DefaultTimeout = defaultSandboxTimeout
	}
	if c.Elicitation.DefaultTimeout == 0 {
		c.Elicitation.DefaultTimeout = defaultElicitationTimeout
	}
	if c.Elicitation.BudgetTimeout == 0 {
		c.Elicitation.BudgetTimeout = defaultBudgetTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// resolvePaths makes relative data paths relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Database.JobsPath,
		&c.Database.CredentialsPath,
		&c.Storage.ReportsDir,
		&c.Storage.ExpertsDir,
		&c.Sandbox.BaseDir,
	} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	if c.Database.JobsPath == "" {
		return errors.New("database.jobs_path is required")
	}
	if c.Database.CredentialsPath == "" {
		return errors.New("database.credentials_path is required")
	}
	if c.Database.JobsPath == c.Database.CredentialsPath && c.Database.JobsPath != ":memory:" {
		return errors.New("database.jobs_path and database.credentials_path must differ")
	}

	if c.Sandbox.DefaultMaxTokens < 0 {
		return fmt.Errorf("sandbox.default_max_tokens must be positive, got %d", c.Sandbox.DefaultMaxTokens)
	}
	if c.Sandbox.DefaultTimeout < time.Second {
		return fmt.Errorf("sandbox.default_timeout must be at least 1s, got %s", c.Sandbox.DefaultTimeout)
	}
	if c.Elicitation.DefaultTimeout < 0 || c.Elicitation.BudgetTimeout < 0 {
		return errors.New("elicitation timeouts must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sandbox.default_timeout", cfg.Sandbox.DefaultTimeoutRaw, &cfg.Sandbox.DefaultTimeout},
		{"elicitation.default_timeout", cfg.Elicitation.DefaultTimeoutRaw, &cfg.Elicitation.DefaultTimeout},
		{"elicitation.budget_timeout", cfg.Elicitation.BudgetTimeoutRaw, &cfg.Elicitation.BudgetTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Path returns the config file to load.
// Priority: explicit flag > DEEPR_CONFIG env var > XDG_CONFIG_HOME/deepr/mcp.yaml > ~/.config/deepr/mcp.yaml
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mcp.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "deepr", "mcp.yaml")
}

// DataDir returns the deepr data directory.
// Priority: XDG_DATA_HOME/deepr > ~/.local/share/deepr
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "deepr")
}

// LoadOrDefault loads path when it exists and otherwise returns defaults.
// Used by serve so a fresh install runs without a config file.
func LoadOrDefault(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg, err := Parse(nil, false)
		return cfg, false, err
	}
	cfg, err := Load(path)
	return cfg, true, err
}
