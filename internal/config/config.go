// Package config loads and validates the parley configuration file.
// Files are YAML or JSON5, support $include composition and environment
// variable expansion, and are decoded strictly: unknown fields are errors.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	History  HistoryConfig  `yaml:"history"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Tools    ToolsConfig    `yaml:"tools"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// BaseURL is the public URL clients reach the server on. Upload
	// retrieval links are absolute when it is set.
	BaseURL string `yaml:"base_url"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type ProviderConfig struct {
	// Default names the provider used for completions. Must be a key of
	// Providers when any are configured.
	Default   string                   `yaml:"default"`
	Providers map[string]ProviderEntry `yaml:"providers"`
}

type ProviderEntry struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultEntry returns the default provider name and its entry.
func (p ProviderConfig) DefaultEntry() (string, ProviderEntry) {
	return p.Default, p.Providers[p.Default]
}

type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`

	// MaxSteps bounds tool-use steps per turn.
	MaxSteps     int `yaml:"max_steps"`
	MaxTokens    int `yaml:"max_tokens"`
	HistoryLimit int `yaml:"history_limit"`

	ToolConcurrency int           `yaml:"tool_concurrency"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`

	// DecisionTTL bounds how long an undeliverable confirmation decision
	// is retained.
	DecisionTTL time.Duration `yaml:"decision_ttl"`
}

type HistoryConfig struct {
	// Backend selects the message store: memory, sqlite, or postgres.
	Backend string `yaml:"backend"`

	// URL is the postgres DSN.
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Path is the sqlite database file. Empty uses an in-memory database.
	Path string `yaml:"path"`
}

type UploadsConfig struct {
	// Backend selects blob storage: local or s3. Empty leaves uploads
	// unconfigured and the upload endpoints report a server error.
	Backend     string   `yaml:"backend"`
	Dir         string   `yaml:"dir"`
	MaxFileSize int64    `yaml:"max_file_size"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type ToolsConfig struct {
	// Workspace roots the file tools. Empty leaves them unregistered.
	Workspace string `yaml:"workspace"`

	// Disabled lists tool names to skip registering.
	Disabled []string `yaml:"disabled"`
}

type TasksConfig struct {
	// File points at a YAML file of task definitions.
	File string `yaml:"file"`

	// Watch hot-reloads the file on change.
	Watch bool `yaml:"watch"`

	// Tasks holds inline definitions, merged with the file's.
	Tasks []models.ScheduledTask `yaml:"tasks"`

	RunTimeout time.Duration `yaml:"run_timeout"`
}

type AuthConfig struct {
	Token       string        `yaml:"token"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Provider.Default == "" {
		cfg.Provider.Default = "anthropic"
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}
	if cfg.Agent.ToolConcurrency == 0 {
		cfg.Agent.ToolConcurrency = 5
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 30 * time.Second
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = "memory"
	}
	if cfg.History.MaxOpenConns == 0 {
		cfg.History.MaxOpenConns = 25
	}
	if cfg.History.ConnMaxLifetime == 0 {
		cfg.History.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Uploads.MaxFileSize == 0 {
		cfg.Uploads.MaxFileSize = 25 << 20
	}
	if cfg.Tasks.RunTimeout == 0 {
		cfg.Tasks.RunTimeout = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("history.backend %q is not one of memory, sqlite, postgres", c.History.Backend)
	}
	if c.History.Backend == "postgres" && strings.TrimSpace(c.History.URL) == "" {
		return fmt.Errorf("history.url is required for the postgres backend")
	}

	switch c.Uploads.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("uploads.backend %q is not one of local, s3", c.Uploads.Backend)
	}
	if c.Uploads.Backend == "local" && strings.TrimSpace(c.Uploads.Dir) == "" {
		return fmt.Errorf("uploads.dir is required for the local backend")
	}
	if c.Uploads.Backend == "s3" && strings.TrimSpace(c.Uploads.S3.Bucket) == "" {
		return fmt.Errorf("uploads.s3.bucket is required for the s3 backend")
	}
	if c.Uploads.MaxFileSize < 0 {
		return fmt.Errorf("uploads.max_file_size must not be negative")
	}

	if len(c.Provider.Providers) > 0 {
		if _, ok := c.Provider.Providers[c.Provider.Default]; !ok {
			return fmt.Errorf("provider.default %q is not configured under provider.providers", c.Provider.Default)
		}
	}

	if c.Agent.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must not be negative")
	}
	if c.Agent.ToolConcurrency < 1 {
		return fmt.Errorf("agent.tool_concurrency must be at least 1")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	return nil
}
