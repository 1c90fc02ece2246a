package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// AgentConfig configures the desktop agent.
type AgentConfig struct {
	Server    EndpointConfig  `yaml:"server"`
	Agent     IdentityConfig  `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	Reporting ReportingConfig `yaml:"reporting"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type EndpointConfig struct {
	URL             string `yaml:"url" validate:"required,url"`
	RequestTimeout  int    `yaml:"request_timeout_s" split_words:"true"`
	RetryInitialMs  int    `yaml:"retry_initial_ms" split_words:"true"`
	RetryMaxMs      int    `yaml:"retry_max_ms" split_words:"true"`
	RetryMaxRetries int    `yaml:"retry_max_attempts" split_words:"true"`
}

type IdentityConfig struct {
	Name                string `yaml:"name" validate:"required"`
	BootstrapIdentifier string `yaml:"bootstrap_identifier" split_words:"true"`
	CredentialsPath     string `yaml:"credentials_path" split_words:"true" validate:"required"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	ScanTimeout int    `yaml:"scan_timeout_s" split_words:"true"`
	MaxFiles    int    `yaml:"max_files" split_words:"true" validate:"gte=0"`
}

type ReportingConfig struct {
	Interval int `yaml:"interval_s" validate:"gte=10"`
	Jitter   int `yaml:"jitter_s" validate:"gte=0"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable" split_words:"true"`
	File          string `yaml:"file"`
	MaxSizeMB     int    `yaml:"max_size_mb" split_words:"true"`
	MaxBackups    int    `yaml:"max_backups" split_words:"true"`
	MaxAgeDays    int    `yaml:"max_age_days" split_words:"true"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio" split_words:"true"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans" split_words:"true"`
}

// DefaultConfig returns an agent config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: EndpointConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Agent: IdentityConfig{
			CredentialsPath: "/var/lib/backupwatch/credentials.json",
		},
		Storage: StorageConfig{
			Path:        "/var/lib/backupwatch/storage",
			ScanTimeout: 60,
		},
		Reporting: ReportingConfig{
			Interval: 300,
			Jitter:   30,
		},
		Logging: defaultLogging(),
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Level:         "info",
		HumanReadable: true,
		MaxSizeMB:     20,
		MaxBackups:    3,
		MaxAgeDays:    14,
	}
}

// Load reads the agent config from file, then applies BACKUPWATCH_AGENT_* env overrides.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	sections := []struct {
		prefix string
		spec   interface{}
	}{
		{"BACKUPWATCH_AGENT_SERVER", &cfg.Server},
		{"BACKUPWATCH_AGENT", &cfg.Agent},
		{"BACKUPWATCH_AGENT_STORAGE", &cfg.Storage},
		{"BACKUPWATCH_AGENT_REPORTING", &cfg.Reporting},
		{"BACKUPWATCH_AGENT_LOG", &cfg.Logging},
		{"BACKUPWATCH_AGENT_TRACING", &cfg.Tracing},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Reporting.Interval < 10 {
		return ErrInvalidInterval
	}
	if err := validator.New().Struct(c); err != nil {
		return &Error{err.Error()}
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !isLoopback(c.Server.URL) {
		return &Error{"server URL must be https"}
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Storage.ScanTimeout <= 0 {
		c.Storage.ScanTimeout = 60
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// RequestTimeoutDuration returns the per-request timeout.
func (c *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

func readYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

func isLoopback(url string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"reporting interval must be >= 10s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
