package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9000"
  dashboard_url: https://dashboard.example.com
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
scheduler:
  default_inactivity_timeout: 5m
  claim_retries: 3
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9000", cfg.Server.Listen)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 3, cfg.Scheduler.ClaimRetries)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"DIRECTOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - database.sqlite.path",
			envVars: map[string]string{
				"DIRECTOR_DATABASE_SQLITE_PATH": "/data/director.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/data/director.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "integer override - scheduler.claim_retries",
			envVars: map[string]string{
				"DIRECTOR_SCHEDULER_CLAIM_RETRIES": "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.Scheduler.ClaimRetries)
			},
		},
		{
			name: "boolean override - rate_limit.enabled",
			envVars: map[string]string{
				"DIRECTOR_SERVER_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.RateLimit.Enabled)
			},
		},
		{
			name: "key absent from file - postgres.host",
			envVars: map[string]string{
				"DIRECTOR_DATABASE_POSTGRES_HOST": "db.internal",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"DIRECTOR_GLOBAL_LOG_LEVEL":                    "trace",
				"DIRECTOR_SERVER_LISTEN":                       ":7000",
				"DIRECTOR_SCHEDULER_DEFAULT_INACTIVITY_TIMEOUT": "90s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, ":7000", cfg.Server.Listen)
				assert.Equal(t, 90*time.Second, cfg.Scheduler.InactivityTimeout())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "global: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, 3*time.Minute, cfg.Scheduler.InactivityTimeout())
	assert.Equal(t, DefaultClaimRetries, cfg.Scheduler.ClaimRetries)
	assert.Equal(t, DefaultSweepSchedule, cfg.Scheduler.SweepSchedule)
	assert.Equal(t, 10*time.Second, cfg.Hooks.DeliveryTimeout())
	assert.True(t, cfg.Scheduler.SweepEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("DIRECTOR_SERVER_LISTEN", ":8181")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.Server.Listen)
	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9000"
`)
	override := writeConfig(t, `
global:
  log_level: warn
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, ":9000", cfg.Server.Listen)
}

func TestLoad_Hooks(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
hooks:
  timeout: 2s
  projects:
    web-app:
      - id: gh
        kind: github
        token: secret-token
        build_name: e2e
      - id: chat
        kind: slack
        url: https://hooks.slack.com/services/x
        options:
          result_filter: failed
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	hooks := cfg.Hooks.ForProject("WEB-APP")
	require.Len(t, hooks, 2)
	assert.Equal(t, HookKindGitHub, hooks[0].Kind)
	assert.Equal(t, "e2e", hooks[0].BuildName)
	assert.Equal(t, "failed", hooks[1].Options["result_filter"])
	assert.Equal(t, 2*time.Second, cfg.Hooks.DeliveryTimeout())
	assert.Nil(t, cfg.Hooks.ForProject("other"))
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:      "unknown driver",
			mutate:    func(cfg *Config) { cfg.Database.Driver = "mysql" },
			errSubstr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "director"
			},
			errSubstr: "database.postgres.host is required",
		},
		{
			name:      "bad inactivity timeout",
			mutate:    func(cfg *Config) { cfg.Scheduler.DefaultInactivityTimeout = "soon" },
			errSubstr: "scheduler.default_inactivity_timeout",
		},
		{
			name:      "negative inactivity timeout",
			mutate:    func(cfg *Config) { cfg.Scheduler.DefaultInactivityTimeout = "-1s" },
			errSubstr: "must be positive",
		},
		{
			name:      "inactivity timeout above maximum",
			mutate:    func(cfg *Config) { cfg.Scheduler.DefaultInactivityTimeout = "2540400h" },
			errSubstr: "must not exceed",
		},
		{
			name:      "inactivity timeout at maximum",
			mutate:    func(cfg *Config) { cfg.Scheduler.DefaultInactivityTimeout = "168h" },
			errSubstr: "",
		},
		{
			name: "rate limit without tiers",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
			},
			errSubstr: "requests_per_minute",
		},
		{
			name: "unknown hook kind",
			mutate: func(cfg *Config) {
				cfg.Hooks.Projects = map[string][]HookConfig{
					"p": {{ID: "a", Kind: "teams", URL: "https://example.com"}},
				}
			},
			errSubstr: "unsupported kind",
		},
		{
			name: "duplicate hook id",
			mutate: func(cfg *Config) {
				cfg.Hooks.Projects = map[string][]HookConfig{
					"p": {
						{ID: "a", Kind: HookKindWebhook, URL: "https://example.com/1"},
						{ID: "a", Kind: HookKindWebhook, URL: "https://example.com/2"},
					},
				}
			},
			errSubstr: "duplicate hook id",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Artifacts.S3 = &S3Config{Enabled: true, Expiry: "1h"}
			},
			errSubstr: "artifacts.s3.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Postgres: PostgresConfig{Password: "pw"}},
		Artifacts: ArtifactsConfig{S3: &S3Config{
			AccessKeyID:     "AKIA",
			SecretAccessKey: "shh",
		}},
		Hooks: HooksConfig{Projects: map[string][]HookConfig{
			"p": {{ID: "gh", Kind: HookKindGitHub, Token: "tok"}},
		}},
	}

	out := cfg.Redacted()

	assert.Equal(t, redacted, out.Database.Postgres.Password)
	assert.Equal(t, redacted, out.Artifacts.S3.SecretAccessKey)
	assert.Equal(t, "AKIA", out.Artifacts.S3.AccessKeyID)
	assert.Equal(t, redacted, out.Hooks.Projects["p"][0].Token)

	// The original is untouched.
	assert.Equal(t, "pw", cfg.Database.Postgres.Password)
	assert.Equal(t, "shh", cfg.Artifacts.S3.SecretAccessKey)
	assert.Equal(t, "tok", cfg.Hooks.Projects["p"][0].Token)
}
