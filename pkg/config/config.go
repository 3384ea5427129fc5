package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "director.db"

	// DefaultInactivityTimeout is applied to runs that do not request one.
	DefaultInactivityTimeout = "3m"

	// MaxInactivityTimeout is the longest inactivity timeout a run may use.
	MaxInactivityTimeout = 7 * 24 * time.Hour

	// DefaultClaimRetries bounds how often a lost claim race is retried.
	DefaultClaimRetries = 10

	// DefaultMergeRetries bounds how often a conflicting result merge is retried.
	DefaultMergeRetries = 10

	// DefaultSweepSchedule is the cron spec of the background timeout sweep.
	DefaultSweepSchedule = "@every 30s"

	// DefaultSweepConcurrency is the number of runs evaluated in parallel per sweep.
	DefaultSweepConcurrency = 4

	// DefaultHookTimeout bounds a single hook delivery.
	DefaultHookTimeout = "10s"

	// DefaultPresignExpiry is the validity of artifact upload URLs.
	DefaultPresignExpiry = "1h"

	envPrefix = "DIRECTOR"
)

// Config is the root configuration for director.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Hooks     HooksConfig     `yaml:"hooks" mapstructure:"hooks"`
	Artifacts ArtifactsConfig `yaml:"artifacts,omitempty" mapstructure:"artifacts"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SchedulerConfig tunes claim scheduling and lifecycle evaluation.
type SchedulerConfig struct {
	// DefaultInactivityTimeout applies to runs created without an explicit
	// inactivity timeout.
	DefaultInactivityTimeout string `yaml:"default_inactivity_timeout" mapstructure:"default_inactivity_timeout"`
	ClaimRetries             int    `yaml:"claim_retries" mapstructure:"claim_retries"`
	MergeRetries             int    `yaml:"merge_retries" mapstructure:"merge_retries"`
	// SweepSchedule is a cron spec. An empty value after defaults means the
	// sweep is disabled ("off").
	SweepSchedule    string `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	SweepConcurrency int    `yaml:"sweep_concurrency" mapstructure:"sweep_concurrency"`
}

// InactivityTimeout returns the parsed default inactivity timeout.
func (c *SchedulerConfig) InactivityTimeout() time.Duration {
	d, _ := time.ParseDuration(c.DefaultInactivityTimeout)

	return d
}

// SweepEnabled reports whether the background sweep should run.
func (c *SchedulerConfig) SweepEnabled() bool {
	return c.SweepSchedule != "" && c.SweepSchedule != "off"
}

// Load reads one or more configuration files, merging them in order, and
// applies DIRECTOR_* environment overrides. Without paths only defaults and
// environment variables are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so every
	// scalar key is bound explicitly.
	if err := bindEnvKeys(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, fmt.Errorf("binding env keys: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvKeys walks the mapstructure tags of t and binds each leaf key.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) error {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		switch ft.Kind() {
		case reflect.Struct:
			if err := bindEnvKeys(v, ft, key); err != nil {
				return err
			}
		case reflect.Map:
			// Maps are only configurable from files.
		default:
			if err := v.BindEnv(key); err != nil {
				return err
			}
		}
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Scheduler.DefaultInactivityTimeout == "" {
		c.Scheduler.DefaultInactivityTimeout = DefaultInactivityTimeout
	}

	if c.Scheduler.ClaimRetries <= 0 {
		c.Scheduler.ClaimRetries = DefaultClaimRetries
	}

	if c.Scheduler.MergeRetries <= 0 {
		c.Scheduler.MergeRetries = DefaultMergeRetries
	}

	if c.Scheduler.SweepSchedule == "" {
		c.Scheduler.SweepSchedule = DefaultSweepSchedule
	}

	if c.Scheduler.SweepConcurrency <= 0 {
		c.Scheduler.SweepConcurrency = DefaultSweepConcurrency
	}

	if c.Hooks.Timeout == "" {
		c.Hooks.Timeout = DefaultHookTimeout
	}

	if s3 := c.Artifacts.S3; s3 != nil && s3.Expiry == "" {
		s3.Expiry = DefaultPresignExpiry
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if d, err := time.ParseDuration(c.Scheduler.DefaultInactivityTimeout); err != nil {
		return fmt.Errorf("scheduler.default_inactivity_timeout: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("scheduler.default_inactivity_timeout must be positive")
	} else if d > MaxInactivityTimeout {
		return fmt.Errorf("scheduler.default_inactivity_timeout must not exceed %s", MaxInactivityTimeout)
	}

	if _, err := time.ParseDuration(c.Hooks.Timeout); err != nil {
		return fmt.Errorf("hooks.timeout: %w", err)
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Worker.RequestsPerMinute <= 0 ||
			c.Server.RateLimit.Query.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate limit tiers need a positive requests_per_minute")
		}
	}

	if err := c.Hooks.validate(); err != nil {
		return err
	}

	if s3 := c.Artifacts.S3; s3 != nil && s3.Enabled {
		if s3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is required")
		}

		if _, err := time.ParseDuration(s3.Expiry); err != nil {
			return fmt.Errorf("artifacts.s3.expiry: %w", err)
		}
	}

	return nil
}

// Redacted returns a copy of the configuration with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = redacted
	}

	if c.Artifacts.S3 != nil {
		s3 := *c.Artifacts.S3
		if s3.SecretAccessKey != "" {
			s3.SecretAccessKey = redacted
		}

		out.Artifacts.S3 = &s3
	}

	if len(c.Hooks.Projects) > 0 {
		out.Hooks.Projects = make(map[string][]HookConfig, len(c.Hooks.Projects))

		for project, hooks := range c.Hooks.Projects {
			masked := make([]HookConfig, 0, len(hooks))

			for _, h := range hooks {
				if h.Token != "" {
					h.Token = redacted
				}

				if h.Secret != "" {
					h.Secret = redacted
				}

				masked = append(masked, h)
			}

			out.Hooks.Projects[project] = masked
		}
	}

	return &out
}

const redacted = "<redacted>"
