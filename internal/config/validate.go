package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// ValidationError contains all validation errors and warnings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Errors:\n  - %s", strings.Join(e.Errors, "\n  - ")))
	}
	if len(e.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings:\n  - %s", strings.Join(e.Warnings, "\n  - ")))
	}
	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(parts, "\n"))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// HasWarnings returns true if there are validation warnings.
func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Addf adds a formatted error.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Warnf adds a formatted warning.
func (e *ValidationError) Warnf(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates configuration.
type Validator struct {
	errors *ValidationError
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: &ValidationError{}}
}

// Warnings returns the warnings of the last validation.
func (v *Validator) Warnings() []string {
	return v.errors.Warnings
}

// Validate validates cfg. Warnings are logged and do not fail validation.
func (v *Validator) Validate(cfg *Config) error {
	v.validateServer(cfg.Server)
	v.validateGitLab(cfg.GitLab)
	v.validateSlack(cfg.Slack)
	v.validateWebhooks(cfg.Webhooks)
	v.validateStore(cfg.Store)
	v.validateReadiness(cfg.Readiness)
	v.validateOutput(cfg.Output)
	v.validateProjects(cfg)

	for _, warning := range v.errors.Warnings {
		slog.Warn("configuration warning", "warning", warning)
	}
	if v.errors.HasErrors() {
		return rerrors.Validation("config.Validate", v.errors.Error())
	}
	return nil
}

func (v *Validator) validateServer(cfg ServerConfig) {
	if cfg.Address == "" {
		v.errors.Addf("server.address: is required")
	}
	if cfg.HookToken == "" {
		v.errors.Warnf("server.hook_token: not set, GitLab deployment hooks are accepted without a token")
	}
	if cfg.APIToken == "" {
		v.errors.Warnf("server.api_token: not set, the command API is unauthenticated")
	}
	if cfg.RateLimitRPM < 0 {
		v.errors.Addf("server.rate_limit_rpm: must not be negative")
	}
}

func (v *Validator) validateGitLab(cfg GitLabConfig) {
	if cfg.Token == "" {
		v.errors.Addf("gitlab.token: is required (set ROLLOUT_GITLAB_TOKEN)")
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		v.errors.Addf("gitlab.base_url: invalid URL %q", cfg.BaseURL)
	}
	if cfg.RetryAttempts < 0 {
		v.errors.Addf("gitlab.retry_attempts: must not be negative")
	}
}

func (v *Validator) validateSlack(cfg SlackConfig) {
	if cfg.Enabled && cfg.Token == "" {
		v.errors.Addf("slack.token: is required when slack is enabled (set ROLLOUT_SLACK_TOKEN)")
	}
}

func (v *Validator) validateWebhooks(webhooks []WebhookConfig) {
	seen := map[string]bool{}
	for i, wh := range webhooks {
		field := fmt.Sprintf("webhooks[%d]", i)
		if wh.Name == "" {
			v.errors.Addf("%s.name: is required", field)
		} else if seen[wh.Name] {
			v.errors.Addf("%s.name: duplicate webhook %q", field, wh.Name)
		}
		seen[wh.Name] = true

		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.errors.Addf("%s.url: must be an http(s) URL", field)
		} else if u.Scheme == "http" {
			v.errors.Warnf("%s.url: uses plain http", field)
		}
		if wh.Secret == "" {
			v.errors.Warnf("%s.secret: not set, payloads are unsigned", field)
		}
	}
}

func (v *Validator) validateStore(cfg StoreConfig) {
	switch cfg.Driver {
	case StoreMemory:
		v.errors.Warnf("store.driver: memory loses releases on restart")
	case StoreFile:
		if cfg.Path == "" {
			v.errors.Addf("store.path: is required for the file store")
		}
	case StorePostgres:
		if cfg.DSN == "" {
			v.errors.Addf("store.dsn: is required for the postgres store")
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			v.errors.Addf("store.redis_url: is required for the redis store")
		}
	default:
		v.errors.Addf("store.driver: must be one of %v, got %q",
			[]string{StoreMemory, StoreFile, StorePostgres, StoreRedis}, cfg.Driver)
	}
}

func (v *Validator) validateReadiness(cfg ReadinessConfig) {
	if cfg.Interval <= 0 {
		v.errors.Addf("readiness.interval: must be positive")
	}
	if cfg.Timeout <= cfg.Interval {
		v.errors.Addf("readiness.timeout: must exceed readiness.interval")
	}
	if cfg.TagPipelineTimeout < 0 || cfg.TagPipelineInterval < 0 {
		v.errors.Addf("readiness: tag pipeline durations must not be negative")
	}
}

func (v *Validator) validateOutput(cfg OutputConfig) {
	if !slices.Contains([]string{"text", "json"}, cfg.Format) {
		v.errors.Addf("output.format: must be text or json, got %q", cfg.Format)
	}
	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, strings.ToLower(cfg.LogLevel)) {
		v.errors.Addf("output.log_level: must be one of %v, got %q", levels, cfg.LogLevel)
	}
}

var policyKinds = []string{"simple", "library", "federated"}

func (v *Validator) validateProjects(cfg *Config) {
	if len(cfg.Projects) == 0 {
		v.errors.Warnf("projects: none configured, every release request will be rejected")
	}
	seen := map[string]bool{}
	for i, p := range cfg.Projects {
		field := fmt.Sprintf("projects[%d]", i)
		if p.Name == "" {
			v.errors.Addf("%s.name: is required", field)
		} else if seen[p.Name] {
			v.errors.Addf("%s.name: duplicate project %q", field, p.Name)
		}
		seen[p.Name] = true

		if !slices.Contains(policyKinds, p.Policy) {
			v.errors.Addf("%s.policy: must be one of %v, got %q", field, policyKinds, p.Policy)
		}
		if p.Policy != "library" && len(p.Stages) == 0 {
			v.errors.Addf("%s.stages: %s projects need at least one stage", field, p.Policy)
		}
		for j, st := range p.Stages {
			if st.Name == "" {
				v.errors.Addf("%s.stages[%d].name: is required", field, j)
			}
			if len(st.Environments) == 0 && p.Policy != "federated" {
				v.errors.Addf("%s.stages[%d].environments: at least one environment is required", field, j)
			}
		}
		if p.Policy == "federated" && len(p.Downstreams) == 0 {
			v.errors.Addf("%s.downstreams: federated projects need downstreams", field)
		}

		if p.Channels.Release == "" {
			v.errors.Addf("%s.channels.release: is required", field)
		}
		for _, ch := range append([]string{p.Channels.Release}, p.Channels.Notifications...) {
			if ch != "" {
				v.validateChannel(cfg, field+".channels", ch)
			}
		}
	}
}

// validateChannel checks a channel URI has a backend to deliver to.
func (v *Validator) validateChannel(cfg *Config, field, ch string) {
	switch {
	case ch == "dashboard":
		if !cfg.Dashboard.Enabled {
			v.errors.Addf("%s: %q requires dashboard.enabled", field, ch)
		}
	case strings.HasPrefix(ch, "webhook:"):
		target := strings.TrimPrefix(ch, "webhook:")
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return
		}
		if !slices.ContainsFunc(cfg.Webhooks, func(w WebhookConfig) bool { return w.Name == target }) {
			v.errors.Addf("%s: unknown webhook %q", field, target)
		}
	default:
		if !cfg.Slack.Enabled {
			v.errors.Addf("%s: %q is a slack channel but slack is disabled", field, ch)
		}
	}
}
