package config

import (
	"fmt"
	"strings"
	"time"
)

// Hook kinds understood by the notification dispatcher.
const (
	HookKindGitHub    = "github"
	HookKindBitbucket = "bitbucket"
	HookKindSlack     = "slack"
	HookKindWebhook   = "webhook"
)

// HooksConfig contains notification settings.
type HooksConfig struct {
	// Timeout bounds a single delivery attempt.
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
	// Projects maps a project id to the hooks attached to every run created
	// for it. Project ids are matched case-insensitively.
	Projects map[string][]HookConfig `yaml:"projects,omitempty" mapstructure:"projects"`
}

// HookConfig is one outbound notification target.
type HookConfig struct {
	ID        string         `yaml:"id" mapstructure:"id" json:"hookId"`
	Kind      string         `yaml:"kind" mapstructure:"kind" json:"kind"`
	URL       string         `yaml:"url,omitempty" mapstructure:"url" json:"url,omitempty"`
	Username  string         `yaml:"username,omitempty" mapstructure:"username" json:"username,omitempty"`
	Token     string         `yaml:"token,omitempty" mapstructure:"token" json:"token,omitempty"`
	Secret    string         `yaml:"secret,omitempty" mapstructure:"secret" json:"secret,omitempty"`
	BuildName string         `yaml:"build_name,omitempty" mapstructure:"build_name" json:"buildName,omitempty"`
	Events    []string       `yaml:"events,omitempty" mapstructure:"events" json:"events,omitempty"`
	Options   map[string]any `yaml:"options,omitempty" mapstructure:"options" json:"options,omitempty"`
}

// DeliveryTimeout returns the parsed per-delivery timeout.
func (c *HooksConfig) DeliveryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultHookTimeout)
	}

	return d
}

// ForProject returns the hooks configured for a project.
func (c *HooksConfig) ForProject(projectID string) []HookConfig {
	for project, hooks := range c.Projects {
		if strings.EqualFold(project, projectID) {
			return hooks
		}
	}

	return nil
}

// ValidHookKind reports whether kind is a supported hook kind.
func ValidHookKind(kind string) bool {
	switch kind {
	case HookKindGitHub, HookKindBitbucket, HookKindSlack, HookKindWebhook:
		return true
	}

	return false
}

func (c *HooksConfig) validate() error {
	for project, hooks := range c.Projects {
		seen := make(map[string]struct{}, len(hooks))

		for i, h := range hooks {
			if h.ID == "" {
				return fmt.Errorf("hooks.projects.%s[%d]: id is required", project, i)
			}

			if _, ok := seen[h.ID]; ok {
				return fmt.Errorf("hooks.projects.%s: duplicate hook id %q", project, h.ID)
			}

			seen[h.ID] = struct{}{}

			if !ValidHookKind(h.Kind) {
				return fmt.Errorf("hooks.projects.%s[%d]: unsupported kind %q", project, i, h.Kind)
			}

			if h.URL == "" && h.Kind != HookKindGitHub {
				return fmt.Errorf("hooks.projects.%s[%d]: url is required", project, i)
			}
		}
	}

	return nil
}
