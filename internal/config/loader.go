package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// EnvPrefix prefixes environment overrides, e.g. ROLLOUT_GITLAB_TOKEN.
const EnvPrefix = "ROLLOUT"

var (
	// envVarPattern matches ${VAR} or ${VAR:-default}.
	envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	// simpleEnvVarPattern matches $VAR.
	simpleEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Loader handles configuration loading and merging.
type Loader struct {
	v           *viper.Viper
	configPath  string
	searchPaths []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:           v,
		searchPaths: []string{".", "/etc/rollout"},
	}
}

// WithConfigPath sets an explicit config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithSearchPaths replaces the directories searched for config files.
func (l *Loader) WithSearchPaths(paths ...string) *Loader {
	l.searchPaths = paths
	return l
}

// Set overrides a single key, as command line flags do.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	const op = "config.Load"

	l.setDefaults()

	if err := l.loadConfigFile(); err != nil {
		return nil, rerrors.ConfigWrap(err, op, "failed to load config file")
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, rerrors.ConfigWrap(err, op, "failed to unmarshal config")
	}

	expandEnvVars(cfg)
	return cfg, nil
}

// setDefaults registers every scalar key so environment overrides apply
// even without a config file.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("server.address", d.Server.Address)
	l.v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	l.v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.hook_token", "")
	l.v.SetDefault("server.api_token", "")
	l.v.SetDefault("server.event_secret", "")
	l.v.SetDefault("server.rate_limit_rpm", d.Server.RateLimitRPM)

	l.v.SetDefault("gitlab.base_url", d.GitLab.BaseURL)
	l.v.SetDefault("gitlab.token", "")
	l.v.SetDefault("gitlab.rate_limit_rpm", d.GitLab.RateLimitRPM)
	l.v.SetDefault("gitlab.retry_attempts", d.GitLab.RetryAttempts)
	l.v.SetDefault("gitlab.timeout", d.GitLab.Timeout)

	l.v.SetDefault("slack.enabled", d.Slack.Enabled)
	l.v.SetDefault("slack.token", "")
	l.v.SetDefault("slack.api_url", "")

	l.v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)

	l.v.SetDefault("store.driver", d.Store.Driver)
	l.v.SetDefault("store.path", d.Store.Path)
	l.v.SetDefault("store.dsn", "")
	l.v.SetDefault("store.redis_url", "")
	l.v.SetDefault("store.redis_prefix", d.Store.RedisPrefix)

	l.v.SetDefault("readiness.interval", d.Readiness.Interval)
	l.v.SetDefault("readiness.timeout", d.Readiness.Timeout)
	l.v.SetDefault("readiness.tag_pipeline_timeout", d.Readiness.TagPipelineTimeout)
	l.v.SetDefault("readiness.tag_pipeline_interval", d.Readiness.TagPipelineInterval)

	l.v.SetDefault("changelog.auto_previous_tag", d.Changelog.AutoPreviousTag)
	l.v.SetDefault("changelog.ticket_url", "")
	l.v.SetDefault("changelog.max_depth", d.Changelog.MaxDepth)

	l.v.SetDefault("output.format", d.Output.Format)
	l.v.SetDefault("output.color", d.Output.Color)
	l.v.SetDefault("output.log_level", d.Output.LogLevel)

	l.v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	l.v.SetDefault("metrics.path", d.Metrics.Path)
}

func (l *Loader) loadConfigFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", l.configPath, err)
		}
		return nil
	}

	path, err := FindConfigFile(l.searchPaths...)
	if err != nil {
		// No config file found, defaults and environment apply.
		return nil
	}
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

// expandEnvVars expands environment references in secret and URL fields.
func expandEnvVars(cfg *Config) {
	cfg.Server.HookToken = expandEnvVar(cfg.Server.HookToken)
	cfg.Server.APIToken = expandEnvVar(cfg.Server.APIToken)
	cfg.Server.EventSecret = expandEnvVar(cfg.Server.EventSecret)

	cfg.GitLab.BaseURL = expandEnvVar(cfg.GitLab.BaseURL)
	cfg.GitLab.Token = expandEnvVar(cfg.GitLab.Token)

	cfg.Slack.Token = expandEnvVar(cfg.Slack.Token)

	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = expandEnvVar(cfg.Webhooks[i].URL)
		cfg.Webhooks[i].Secret = expandEnvVar(cfg.Webhooks[i].Secret)
		for k, v := range cfg.Webhooks[i].Headers {
			cfg.Webhooks[i].Headers[k] = expandEnvVar(v)
		}
	}

	cfg.Store.DSN = expandEnvVar(cfg.Store.DSN)
	cfg.Store.RedisURL = expandEnvVar(cfg.Store.RedisURL)
	cfg.Store.Path = expandEnvVar(cfg.Store.Path)
}

// expandEnvVar expands environment variables in a string.
// Supports both ${VAR} and $VAR syntax.
func expandEnvVar(s string) string {
	if s == "" {
		return s
	}

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		defaultValue := ""
		if len(submatch) > 2 {
			defaultValue = submatch[2]
		}
		if value := os.Getenv(submatch[1]); value != "" {
			return value
		}
		return defaultValue
	})

	return simpleEnvVarPattern.ReplaceAllStringFunc(result, func(match string) string {
		if value := os.Getenv(match[1:]); value != "" {
			return value
		}
		return match
	})
}

// GetConfigPath returns the path to the loaded config file, if any.
func (l *Loader) GetConfigPath() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// FindConfigFile searches for a config file and returns its path.
func FindConfigFile(searchPaths ...string) (string, error) {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}
	for _, searchPath := range searchPaths {
		for _, name := range ConfigFileNames {
			for _, ext := range ConfigFileExtensions {
				configFile := filepath.Join(searchPath, name+"."+ext)
				if _, err := os.Stat(configFile); err == nil {
					return configFile, nil
				}
			}
		}
	}
	return "", rerrors.NotFound("config.FindConfigFile", "no config file found")
}
