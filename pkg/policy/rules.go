package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Rule kinds. Per-agent kinds drive the traffic-light state machine of each agent;
// fleet kinds fire once for the whole fleet.
const (
	KindOffline    = "offline"
	KindNoDownload = "no_download"
	KindAllOffline = "all_offline"
	KindNoFiles    = "no_files"
)

// DefaultThreshold is the per-agent alert threshold.
const DefaultThreshold = 12 * time.Hour

type Rule struct {
	Name        string        `yaml:"name" validate:"required"`
	Kind        string        `yaml:"kind" validate:"required,oneof=offline no_download all_offline no_files"`
	Threshold   time.Duration `yaml:"threshold" validate:"gt=0"`
	Priority    int           `yaml:"priority"`
	Subject     string        `yaml:"subject"`
	Body        string        `yaml:"body"`
	AlertStatus string        `yaml:"alert_status"`
	FromEmail   string        `yaml:"from_email" validate:"omitempty,email"`
	ToAddresses string        `yaml:"to_addresses"`
}

type Policy struct {
	Rules []Rule `yaml:"rules" validate:"dive"`
}

// IsFleet reports whether kind is evaluated across the whole fleet.
func IsFleet(kind string) bool {
	return kind == KindAllOffline || kind == KindNoFiles
}

// Defaults returns the built-in rule set.
func Defaults() *Policy {
	return &Policy{Rules: []Rule{
		{
			Name:        "offline_12h",
			Kind:        KindOffline,
			Threshold:   DefaultThreshold,
			Priority:    0,
			Subject:     "offline for 12 hours",
			Body:        "has not checked in for 12 hours.",
			AlertStatus: "offline",
		},
		{
			Name:        "no_download_12h",
			Kind:        KindNoDownload,
			Threshold:   DefaultThreshold,
			Priority:    1,
			Subject:     "no backup download for 12 hours",
			Body:        "has not completed a backup download for 12 hours.",
			AlertStatus: "no_download",
		},
		{
			Name:        "all_offline",
			Kind:        KindAllOffline,
			Threshold:   30 * time.Minute,
			Priority:    10,
			Subject:     "All agents offline for 30 minutes",
			Body:        "Every tracked agent has been offline for at least 30 minutes.",
			AlertStatus: "all_offline",
		},
		{
			Name:        "no_files_2h",
			Kind:        KindNoFiles,
			Threshold:   2 * time.Hour,
			Priority:    11,
			Subject:     "No new files for 2 hours",
			Body:        "No agent has downloaded new files for at least 2 hours.",
			AlertStatus: "no_files",
		},
	}}
}

// Load reads a rules file. A missing file yields the built-in defaults.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return nil, err
	}

	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return &pol, nil
}

func (p *Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for _, rule := range p.Rules {
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("duplicate rule %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}
	return nil
}

// Records converts the policy into registry rows.
func (p *Policy) Records() []registry.AlertRule {
	out := make([]registry.AlertRule, 0, len(p.Rules))
	for _, rule := range p.Rules {
		out = append(out, registry.AlertRule{
			Name:        rule.Name,
			Kind:        rule.Kind,
			Threshold:   rule.Threshold,
			Priority:    rule.Priority,
			Subject:     rule.Subject,
			Body:        rule.Body,
			AlertStatus: rule.AlertStatus,
			FromEmail:   rule.FromEmail,
			ToAddresses: rule.ToAddresses,
		})
	}
	return out
}
