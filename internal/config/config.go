// Package config loads the gh-harvest configuration.
//
// Sources are applied in order, later ones overriding earlier ones:
//
//  1. built-in defaults
//  2. an optional YAML file
//  3. a .env file (only for variables not already set in the environment)
//  4. environment variables
//
// Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/openaq"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvGitHubToken    = "GITHUB_TOKEN"
	EnvGitHubEndpoint = "GITHUB_GRAPHQL_URL"
	EnvOpenAQToken    = "OPENAQ_API_TOKEN"
	EnvOpenAQEndpoint = "OPENAQ_URL"
	EnvRedisURL       = "REDIS_URL"
	EnvLogLevel       = "LOG_LEVEL"
	EnvDataDir        = "DATA_DIR"
	EnvPageDelay      = "PAGE_DELAY"
)

// DefaultEnvFile is read when Load is not given any .env file.
const DefaultEnvFile = ".env"

// Config is the complete runtime configuration.
type Config struct {
	GitHub GitHubConfig `yaml:"github"`
	OpenAQ OpenAQConfig `yaml:"openaq"`
	Redis  RedisConfig  `yaml:"redis"`
	Log    LogConfig    `yaml:"log"`
	Retry  RetryConfig  `yaml:"retry"`

	// DataDir receives the CSV results.
	DataDir string `yaml:"data_dir" validate:"required"`

	// MetricsAddr serves /metrics during a run when set (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// PageDelay separates consecutive page requests.
	PageDelay time.Duration `yaml:"page_delay" validate:"gte=0"`

	UserAgent string `yaml:"user_agent" validate:"required"`
}

// GitHubConfig holds the GraphQL credentials.
type GitHubConfig struct {
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint" validate:"required,url"`
}

// OpenAQConfig holds the OpenAQ credentials.
type OpenAQConfig struct {
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint" validate:"required,url"`
}

// RedisConfig enables the shared page cache and rate-limit state.
type RedisConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `yaml:"pretty"`
}

// RetryConfig mirrors client.RetryConfig.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// Client converts the retry settings for the HTTP client.
func (r RetryConfig) Client() client.RetryConfig {
	rc := client.DefaultRetryConfig()
	rc.MaxAttempts = r.MaxAttempts
	rc.InitialBackoff = r.InitialBackoff
	rc.MaxBackoff = r.MaxBackoff
	return rc
}

// Default returns the built-in configuration.
func Default() Config {
	rc := client.DefaultRetryConfig()
	return Config{
		GitHub:  GitHubConfig{Endpoint: client.DefaultGraphQLEndpoint},
		OpenAQ:  OpenAQConfig{Endpoint: openaq.DefaultEndpoint},
		Log:     LogConfig{Level: "info"},
		Retry:   RetryConfig{MaxAttempts: rc.MaxAttempts, InitialBackoff: rc.InitialBackoff, MaxBackoff: rc.MaxBackoff},
		DataDir: "data",
		Timeout: 30 * time.Second,
		// One second between pages keeps clear of GitHub's secondary limits.
		PageDelay: time.Second,
		UserAgent: "gh-harvest",
	}
}

var validate = validator.New()

// Load builds the configuration. A non-empty path must name a readable YAML
// file. Without envFiles, DefaultEnvFile is read if present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := loadFromEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid config: %s", client.ErrInvalidArgument, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireGitHubToken fails when no GitHub token is configured.
func (c *Config) RequireGitHubToken() error {
	if strings.TrimSpace(c.GitHub.Token) == "" {
		return fmt.Errorf("%w: set %s or github.token", client.ErrAuthentication, EnvGitHubToken)
	}
	return nil
}

// RequireOpenAQToken fails when no OpenAQ key is configured.
func (c *Config) RequireOpenAQToken() error {
	if strings.TrimSpace(c.OpenAQ.Token) == "" {
		return fmt.Errorf("%w: set %s or openaq.token", client.ErrAuthentication, EnvOpenAQToken)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		files = []string{DefaultEnvFile}
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv(EnvGitHubToken); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv(EnvGitHubEndpoint); v != "" {
		cfg.GitHub.Endpoint = v
	}
	if v := os.Getenv(EnvOpenAQToken); v != "" {
		cfg.OpenAQ.Token = v
	}
	if v := os.Getenv(EnvOpenAQEndpoint); v != "" {
		cfg.OpenAQ.Endpoint = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvPageDelay); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", client.ErrInvalidArgument, EnvPageDelay, err)
		}
		cfg.PageDelay = d
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
