package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig configures the fleet server.
type ServerConfig struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Identity   IdentitySettings `yaml:"identity"`
	Admin      AdminConfig      `yaml:"admin"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Notify     NotifyConfig     `yaml:"notify"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type IdentitySettings struct {
	HashSalt       string `yaml:"hash_salt" split_words:"true" validate:"required,min=16"`
	RequestTimeout int    `yaml:"request_timeout_s" split_words:"true" validate:"gte=0"`
}

type AdminConfig struct {
	Token string `yaml:"token" validate:"required,min=16"`
}

type EvaluationConfig struct {
	Interval             int    `yaml:"interval_s" validate:"gte=0"`
	RulesPath            string `yaml:"rules_path" split_words:"true"`
	FleetMinAgents       int    `yaml:"fleet_min_agents" split_words:"true" validate:"gte=0"`
	EventRetentionHours  int    `yaml:"event_retention_h" split_words:"true" validate:"gte=0"`
	NotifyTimeoutSeconds int    `yaml:"notify_timeout_s" split_words:"true" validate:"gte=0"`
}

type NotifyConfig struct {
	WebhookURL   string `yaml:"webhook_url" split_words:"true" validate:"omitempty,url"`
	WebhookToken string `yaml:"webhook_token" split_words:"true"`
	SlackToken   string `yaml:"slack_token" split_words:"true"`
	SlackChannel string `yaml:"slack_channel" split_words:"true" validate:"required_with=SlackToken"`
	SlackAPIURL  string `yaml:"slack_api_url" envconfig:"SLACK_API_URL"`
	KafkaBrokers string `yaml:"kafka_brokers" split_words:"true"`
	KafkaTopic   string `yaml:"kafka_topic" split_words:"true" validate:"required_with=KafkaBrokers"`
}

type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_s" split_words:"true"`
}

// DefaultServerConfig returns a server config with sensible defaults. The hash
// salt and admin token have no defaults and must be configured.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTP:     HTTPConfig{Listen: ":8080"},
		Database: DatabaseConfig{Path: "backupwatch.db"},
		Identity: IdentitySettings{RequestTimeout: 10},
		Evaluation: EvaluationConfig{
			Interval:             300,
			RulesPath:            "rules.yaml",
			FleetMinAgents:       2,
			EventRetentionHours:  24 * 30,
			NotifyTimeoutSeconds: 10,
		},
		RateLimit: RateLimitConfig{Requests: 60, WindowSeconds: 60},
		Logging:   defaultLogging(),
		Tracing:   TracingConfig{SampleRatio: 1},
	}
}

// LoadServer reads the server config from file, then applies BACKUPWATCH_* env overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	sections := []struct {
		prefix string
		spec   interface{}
	}{
		{"BACKUPWATCH_HTTP", &cfg.HTTP},
		{"BACKUPWATCH_DB", &cfg.Database},
		{"BACKUPWATCH_IDENTITY", &cfg.Identity},
		{"BACKUPWATCH_ADMIN", &cfg.Admin},
		{"BACKUPWATCH_EVALUATION", &cfg.Evaluation},
		{"BACKUPWATCH_NOTIFY", &cfg.Notify},
		{"BACKUPWATCH_RATE_LIMIT", &cfg.RateLimit},
		{"BACKUPWATCH_LOG", &cfg.Logging},
		{"BACKUPWATCH_TRACING", &cfg.Tracing},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &Error{err.Error()}
	}
	if c.Identity.RequestTimeout <= 0 {
		c.Identity.RequestTimeout = 10
	}
	if c.Evaluation.NotifyTimeoutSeconds <= 0 {
		c.Evaluation.NotifyTimeoutSeconds = 10
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Identity.RequestTimeout) * time.Second
}

func (c *ServerConfig) EvaluationInterval() time.Duration {
	return time.Duration(c.Evaluation.Interval) * time.Second
}

func (c *ServerConfig) EventRetention() time.Duration {
	return time.Duration(c.Evaluation.EventRetentionHours) * time.Hour
}
