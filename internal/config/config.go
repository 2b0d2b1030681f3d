// Package config loads server configuration from YAML with environment
// overrides, and watches the file for changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
)

// SMTPConfig carries mail settings.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the full server configuration.
type Config struct {
	// Listen is the bind address of the API server.
	Listen string `yaml:"listen"`

	// PublicURL is the externally reachable base URL workers and
	// notifications see.
	PublicURL string `yaml:"public_url"`

	DatabasePath string `yaml:"database_path"`
	ArtifactsDir string `yaml:"artifacts_dir"`
	JobsDir      string `yaml:"jobs_dir"`
	WorkerDir    string `yaml:"worker_dir"`

	// BuildURLFmt / RunURLFmt optionally point links at a custom frontend,
	// e.g. https://ci.example.com/{project}/{build}/{run}
	BuildURLFmt string `yaml:"build_url_fmt"`
	RunURLFmt   string `yaml:"run_url_fmt"`

	// InternalAPIKey authenticates build-creation and other internal calls.
	InternalAPIKey string `yaml:"internal_api_key"`

	// SecretsKey is the 64-char hex vault key for trigger secrets.
	SecretsKey string `yaml:"secrets_key"`

	// SignedURLKey signs artifact upload URLs; defaults to SecretsKey.
	SignedURLKey string `yaml:"signed_url_key"`

	SurgeSupportRatio int `yaml:"surge_support_ratio"`

	// Intervals in seconds.
	MonitorInterval   int `yaml:"monitor_interval"`
	GitPollerInterval int `yaml:"git_poller_interval"`

	SMTP               SMTPConfig `yaml:"smtp"`
	NotificationEmails string     `yaml:"notification_emails"`

	// NATSURL enables event publishing when set.
	NATSURL string `yaml:"nats_url"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:            ":8000",
		PublicURL:         "http://localhost:8000",
		DatabasePath:      "/data/jobserv.db",
		ArtifactsDir:      "/data/artifacts",
		JobsDir:           "/data/ci_jobs",
		WorkerDir:         "/data/workers",
		SurgeSupportRatio: 3,
		MonitorInterval:   120,
		GitPollerInterval: 90,
		LogLevel:          "info",
	}
}

// Load reads the YAML file (when present), then applies JOBSERV_* environment
// overrides. A .env file in the working directory is honored first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	set("JOBSERV_LISTEN", &c.Listen)
	set("JOBSERV_PUBLIC_URL", &c.PublicURL)
	set("JOBSERV_DATABASE_PATH", &c.DatabasePath)
	set("JOBSERV_ARTIFACTS_DIR", &c.ArtifactsDir)
	set("JOBSERV_JOBS_DIR", &c.JobsDir)
	set("JOBSERV_WORKER_DIR", &c.WorkerDir)
	set("JOBSERV_BUILD_URL_FMT", &c.BuildURLFmt)
	set("JOBSERV_RUN_URL_FMT", &c.RunURLFmt)
	set("JOBSERV_INTERNAL_API_KEY", &c.InternalAPIKey)
	set("JOBSERV_SECRETS_KEY", &c.SecretsKey)
	set("JOBSERV_SIGNED_URL_KEY", &c.SignedURLKey)
	setInt("JOBSERV_SURGE_SUPPORT_RATIO", &c.SurgeSupportRatio)
	setInt("JOBSERV_MONITOR_INTERVAL", &c.MonitorInterval)
	setInt("JOBSERV_GIT_POLLER_INTERVAL", &c.GitPollerInterval)
	set("JOBSERV_SMTP_SERVER", &c.SMTP.Server)
	set("JOBSERV_SMTP_USER", &c.SMTP.User)
	set("JOBSERV_SMTP_PASSWORD", &c.SMTP.Password)
	set("JOBSERV_NOTIFICATION_EMAILS", &c.NotificationEmails)
	set("JOBSERV_NATS_URL", &c.NATSURL)
	set("JOBSERV_LOG_LEVEL", &c.LogLevel)
}

// Validate collects configuration problems into one validation error.
func (c *Config) Validate() error {
	var msgs []string
	if c.Listen == "" {
		msgs = append(msgs, "listen: bind address is required")
	}
	if c.PublicURL == "" {
		msgs = append(msgs, "public_url: required")
	}
	if c.DatabasePath == "" {
		msgs = append(msgs, "database_path: required")
	}
	if c.SurgeSupportRatio <= 0 {
		msgs = append(msgs, "surge_support_ratio: must be positive")
	}
	if c.MonitorInterval <= 0 {
		msgs = append(msgs, "monitor_interval: must be positive")
	}
	if c.GitPollerInterval <= 0 {
		msgs = append(msgs, "git_poller_interval: must be positive")
	}
	if c.SecretsKey != "" && len(c.SecretsKey) != 64 {
		msgs = append(msgs, "secrets_key: must be 64 hex characters")
	}
	if len(msgs) > 0 {
		return jerrors.ValidationFailed(msgs...)
	}
	return nil
}

// MonitorPeriod returns the surge monitor cadence.
func (c *Config) MonitorPeriod() time.Duration {
	return time.Duration(c.MonitorInterval) * time.Second
}

// GitPollerPeriod returns the git poller cadence.
func (c *Config) GitPollerPeriod() time.Duration {
	return time.Duration(c.GitPollerInterval) * time.Second
}
