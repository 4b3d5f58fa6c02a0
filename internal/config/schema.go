// Package config provides configuration management for rollout.
package config

import (
	"time"
)

// Config is the root configuration for rollout.
type Config struct {
	// Server configures the HTTP surface of `rollout serve`.
	Server ServerConfig `mapstructure:"server" json:"server" yaml:"server"`
	// GitLab configures the GitLab API client.
	GitLab GitLabConfig `mapstructure:"gitlab" json:"gitlab" yaml:"gitlab"`
	// Slack configures the Slack Web API client.
	Slack SlackConfig `mapstructure:"slack" json:"slack" yaml:"slack"`
	// Webhooks are the named endpoints reachable as "webhook:<name>".
	Webhooks []WebhookConfig `mapstructure:"webhooks" json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
	// Dashboard configures the live websocket feed.
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard" yaml:"dashboard"`
	// Store selects where release records live.
	Store StoreConfig `mapstructure:"store" json:"store" yaml:"store"`
	// Readiness tunes the readiness waiter.
	Readiness ReadinessConfig `mapstructure:"readiness" json:"readiness" yaml:"readiness"`
	// Changelog configures changelog generation.
	Changelog ChangelogConfig `mapstructure:"changelog" json:"changelog" yaml:"changelog"`
	// Output configures logging and CLI output.
	Output OutputConfig `mapstructure:"output" json:"output" yaml:"output"`
	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	// Projects declares the projects releases can be created for.
	Projects []ProjectConfig `mapstructure:"projects" json:"projects" yaml:"projects"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address         string        `mapstructure:"address" json:"address" yaml:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// HookToken must match the X-Gitlab-Token header of deployment hooks.
	HookToken string `mapstructure:"hook_token" json:"-" yaml:"-"`
	// APIToken is the bearer token required by /api/v1. Empty disables auth.
	APIToken string `mapstructure:"api_token" json:"-" yaml:"-"`
	// EventSecret verifies the HMAC signature of generic deployment events.
	EventSecret string `mapstructure:"event_secret" json:"-" yaml:"-"`
	// RateLimitRPM bounds API requests per client and minute. Zero disables it.
	RateLimitRPM int `mapstructure:"rate_limit_rpm" json:"rate_limit_rpm" yaml:"rate_limit_rpm"`
	// AllowedOrigins restricts CORS and websocket origins.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// GitLabConfig configures the GitLab client.
type GitLabConfig struct {
	BaseURL string `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	// Token is a personal or project access token with api scope.
	Token         string        `mapstructure:"token" json:"-" yaml:"-"`
	RateLimitRPM  int           `mapstructure:"rate_limit_rpm" json:"rate_limit_rpm" yaml:"rate_limit_rpm"`
	RetryAttempts int           `mapstructure:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// SlackConfig configures the Slack client.
type SlackConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Token   string `mapstructure:"token" json:"-" yaml:"-"`
	// APIURL overrides the Slack API endpoint.
	APIURL string `mapstructure:"api_url" json:"api_url,omitempty" yaml:"api_url,omitempty"`
}

// WebhookConfig configures a webhook endpoint.
type WebhookConfig struct {
	Name       string            `mapstructure:"name" json:"name" yaml:"name"`
	URL        string            `mapstructure:"url" json:"url" yaml:"url"`
	Secret     string            `mapstructure:"secret" json:"-" yaml:"-"`
	Headers    map[string]string `mapstructure:"headers" json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout    time.Duration     `mapstructure:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryCount int               `mapstructure:"retry_count" json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryDelay time.Duration     `mapstructure:"retry_delay" json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

// DashboardConfig configures the dashboard feed.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// StoreConfig configures the release store.
type StoreConfig struct {
	// Driver is one of memory, file, postgres or redis.
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver"`
	// Path is the directory of the file store.
	Path string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty"`
	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" json:"-" yaml:"-"`
	// RedisURL is the Redis connection URL.
	RedisURL    string `mapstructure:"redis_url" json:"-" yaml:"-"`
	RedisPrefix string `mapstructure:"redis_prefix" json:"redis_prefix,omitempty" yaml:"redis_prefix,omitempty"`
}

// ReadinessConfig tunes readiness polling.
type ReadinessConfig struct {
	Interval            time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	Timeout             time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	TagPipelineTimeout  time.Duration `mapstructure:"tag_pipeline_timeout" json:"tag_pipeline_timeout" yaml:"tag_pipeline_timeout"`
	TagPipelineInterval time.Duration `mapstructure:"tag_pipeline_interval" json:"tag_pipeline_interval" yaml:"tag_pipeline_interval"`
}

// ChangelogConfig configures changelog generation.
type ChangelogConfig struct {
	// AutoPreviousTag bounds changelogs by the previous semver tag when none is given.
	AutoPreviousTag bool `mapstructure:"auto_previous_tag" json:"auto_previous_tag" yaml:"auto_previous_tag"`
	// TicketURL links ticket ids; {ticket} is replaced by the id.
	TicketURL string `mapstructure:"ticket_url" json:"ticket_url,omitempty" yaml:"ticket_url,omitempty"`
	// MaxDepth bounds nested merge request resolution.
	MaxDepth int `mapstructure:"max_depth" json:"max_depth" yaml:"max_depth"`
}

// OutputConfig configures output settings.
type OutputConfig struct {
	// Format is text or json and applies to logs and CLI output.
	Format   string `mapstructure:"format" json:"format" yaml:"format"`
	Color    bool   `mapstructure:"color" json:"color" yaml:"color"`
	LogLevel string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
}

// ProjectConfig declares a project and its release policy.
type ProjectConfig struct {
	// Name is the GitLab project path, e.g. group/web.
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	// Policy is simple, library or federated.
	Policy string        `mapstructure:"policy" json:"policy" yaml:"policy"`
	Stages []StageConfig `mapstructure:"stages" json:"stages,omitempty" yaml:"stages,omitempty"`
	// BuildJobs must pass on the main branch of simple projects.
	BuildJobs []string `mapstructure:"build_jobs" json:"build_jobs,omitempty" yaml:"build_jobs,omitempty"`
	// BuildJob is the job library and downstream pipelines must pass.
	BuildJob    string   `mapstructure:"build_job" json:"build_job,omitempty" yaml:"build_job,omitempty"`
	Bridges     []string `mapstructure:"bridges" json:"bridges,omitempty" yaml:"bridges,omitempty"`
	Downstreams []string `mapstructure:"downstreams" json:"downstreams,omitempty" yaml:"downstreams,omitempty"`
	Quorum      int      `mapstructure:"quorum" json:"quorum,omitempty" yaml:"quorum,omitempty"`
	// Channels routes the project's messages.
	Channels ChannelsConfig `mapstructure:"channels" json:"channels" yaml:"channels"`
}

// StageConfig is one step of a project's environment chain.
type StageConfig struct {
	Name              string   `mapstructure:"name" json:"name" yaml:"name"`
	Environments      []string `mapstructure:"environments" json:"environments" yaml:"environments"`
	RequiredSuccesses int      `mapstructure:"required_successes" json:"required_successes,omitempty" yaml:"required_successes,omitempty"`
	ManualCompletion  bool     `mapstructure:"manual_completion" json:"manual_completion,omitempty" yaml:"manual_completion,omitempty"`
}

// ChannelsConfig lists channel URIs such as "slack:#releases",
// "webhook:ops" or "dashboard".
type ChannelsConfig struct {
	Release       string   `mapstructure:"release" json:"release" yaml:"release"`
	Notifications []string `mapstructure:"notifications" json:"notifications,omitempty" yaml:"notifications,omitempty"`
}

// Project returns the configuration of a project by name.
func (c *Config) Project(name string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPM:    120,
		},
		GitLab: GitLabConfig{
			BaseURL:       "https://gitlab.com",
			RateLimitRPM:  600,
			RetryAttempts: 3,
			Timeout:       30 * time.Second,
		},
		Slack: SlackConfig{Enabled: true},
		Store: StoreConfig{
			Driver:      StoreFile,
			Path:        ".rollout/releases",
			RedisPrefix: "rollout:",
		},
		Readiness: ReadinessConfig{
			Interval:            30 * time.Second,
			Timeout:             45 * time.Minute,
			TagPipelineTimeout:  30 * time.Second,
			TagPipelineInterval: 3 * time.Second,
		},
		Changelog: ChangelogConfig{
			AutoPreviousTag: true,
			MaxDepth:        32,
		},
		Output: OutputConfig{
			Format:   "text",
			Color:    true,
			LogLevel: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ConfigFileNames to search for.
var ConfigFileNames = []string{
	"rollout",
	".rollout",
}

// ConfigFileExtensions supported by Viper.
var ConfigFileExtensions = []string{
	"yaml",
	"yml",
	"json",
	"toml",
}
