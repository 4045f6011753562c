// Package config provides centralized configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration parameters for the application.
type Config struct {
	GitHub  GitHubConfig
	Jira    JiraConfig
	Webhook WebhookConfig
	Sync    SyncConfig
}

// GitHubConfig holds GitHub specific configuration.
type GitHubConfig struct {
	Token      string
	Domain     string
	Repository string
}

// JiraConfig holds JIRA specific configuration.
type JiraConfig struct {
	URL      string
	Username string
	Token    string
}

// WebhookConfig holds inbound webhook configuration.
type WebhookConfig struct {
	// Secret is the shared webhook secret. Empty means open mode: no
	// signature validation is performed.
	Secret string
	Port   int
}

// SyncConfig holds the synchronization policy. It is loaded from an
// optional YAML file pointed to by SYNC_CONFIG; every field has a usable
// default.
type SyncConfig struct {
	// TriggerLabels authorize synchronization when present on the source
	// issue.
	TriggerLabels []string `mapstructure:"trigger_labels"`

	// AllowedTypes restricts which source issue types are synchronized.
	AllowedTypes []string `mapstructure:"allowed_types"`

	// LabelMap maps a source label to one or more destination labels.
	LabelMap map[string][]string `mapstructure:"label_map"`

	// UserMap maps a source email or display name to one or more
	// destination logins.
	UserMap map[string][]string `mapstructure:"user_map"`

	// ExcludedFields are custom field names or ids never rendered into
	// the destination body.
	ExcludedFields []string `mapstructure:"excluded_fields"`

	// StartDateField overrides the name of the field treated as the start
	// date.
	StartDateField string `mapstructure:"start_date_field"`

	// ParentChangeFields are changelog field names that count as a pure
	// parent-link change.
	ParentChangeFields []string `mapstructure:"parent_change_fields"`

	// ProvenanceLabel is applied to every destination issue the engine
	// creates.
	ProvenanceLabel string `mapstructure:"provenance_label"`

	// Milestone is an optional destination milestone number applied to
	// created issues. Zero means none; an invalid number is dropped with
	// a warning.
	Milestone int `mapstructure:"milestone"`

	// ReleaseTag names the release used as attachment storage.
	ReleaseTag string `mapstructure:"release_tag"`

	// RequestTimeout bounds every outbound call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRedirects bounds attachment download redirect chains.
	MaxRedirects int `mapstructure:"max_redirects"`
}

// LoadConfig initializes and loads configuration from environment variables
// and the optional sync policy file.
func LoadConfig() (*Config, error) {
	// Initialize Viper for environment variables
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Map specific environment variables
	v.BindEnv("github.token", "GITHUB_TOKEN")
	v.BindEnv("github.domain", "GITHUB_DOMAIN")
	v.BindEnv("github.repository", "GITHUB_REPOSITORY")
	v.BindEnv("jira.url", "JIRA_URL")
	v.BindEnv("jira.username", "JIRA_USERNAME")
	v.BindEnv("jira.token", "JIRA_TOKEN")
	v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	v.BindEnv("webhook.port", "PORT")
	v.BindEnv("sync.config", "SYNC_CONFIG")
	v.SetDefault("webhook.port", 8080)

	config := &Config{
		GitHub: GitHubConfig{
			Token:      v.GetString("github.token"),
			Domain:     v.GetString("github.domain"),
			Repository: v.GetString("github.repository"),
		},
		Jira: JiraConfig{
			URL:      v.GetString("jira.url"),
			Username: v.GetString("jira.username"),
			Token:    v.GetString("jira.token"),
		},
		Webhook: WebhookConfig{
			Secret: v.GetString("webhook.secret"),
			Port:   v.GetInt("webhook.port"),
		},
		Sync: defaultSyncConfig(),
	}

	if path := v.GetString("sync.config"); path != "" {
		if err := loadSyncConfig(path, &config.Sync); err != nil {
			return nil, fmt.Errorf("failed to load sync config %q: %w", path, err)
		}
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// defaultSyncConfig returns the policy used when no sync config file is
// provided.
func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		TriggerLabels:      []string{"create-github"},
		AllowedTypes:       []string{"Story", "Task", "Bug", "Epic", "Sub-task"},
		ParentChangeFields: []string{"parent", "IssueParentAssociation"},
		ProvenanceLabel:    "tether",
		ReleaseTag:         "jira-attachments",
		RequestTimeout:     30 * time.Second,
		MaxRedirects:       3,
	}
}

// loadSyncConfig merges a YAML policy file over the defaults.
func loadSyncConfig(path string, sync *SyncConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	if err := v.Unmarshal(sync); err != nil {
		return err
	}
	return nil
}

// validateConfig ensures that all required configuration values are provided.
func validateConfig(config *Config) error {
	var missingVars []string

	if config.GitHub.Token == "" {
		missingVars = append(missingVars, "GITHUB_TOKEN")
	}
	if config.GitHub.Repository == "" {
		missingVars = append(missingVars, "GITHUB_REPOSITORY")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return nil
}

// ValidateJiraConfig validates JIRA-specific configuration. The Jira
// credentials are only required for field resolution and attachment
// downloads, so callers that need them check separately.
func ValidateJiraConfig(config *Config) error {
	var missingVars []string

	if config.Jira.URL == "" {
		missingVars = append(missingVars, "JIRA_URL")
	}
	if config.Jira.Username == "" {
		missingVars = append(missingVars, "JIRA_USERNAME")
	}
	if config.Jira.Token == "" {
		missingVars = append(missingVars, "JIRA_TOKEN")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return nil
}
