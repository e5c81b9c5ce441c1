package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CLASSQ_STORAGE_LOCAL_PATH", filepath.Join(t.TempDir(), "uploads"))

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.JWT.ExpireTime)
	assert.Equal(t, "http", cfg.Relevance.Provider)
	assert.Equal(t, 3*time.Second, cfg.Relevance.Timeout)
	assert.InDelta(t, 0.3, cfg.Relevance.DefaultThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.Relevance.FailOpenScore, 1e-9)
	assert.Equal(t, 5, cfg.Intake.MinLength)
	assert.Equal(t, 500, cfg.Intake.MaxLength)
	assert.Equal(t, 200*time.Millisecond, cfg.Intake.RetryBackoff)
	assert.Equal(t, 16, cfg.Identity.MaxAttempts)

	_, err = os.Stat(cfg.Storage.LocalPath)
	assert.NoError(t, err, "local storage directory is created")
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: "9090"
storage:
  type: minio
relevance:
  provider: none
  default_threshold: 0.5
intake:
  min_length: 3
  max_length: 140
  blocked_words: ["spam"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "none", cfg.Relevance.Provider)
	assert.InDelta(t, 0.5, cfg.Relevance.DefaultThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Intake.MinLength)
	assert.Equal(t, 140, cfg.Intake.MaxLength)
	assert.Equal(t, []string{"spam"}, cfg.Intake.BlockedWords)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:    ServerConfig{Mode: "debug"},
			Relevance: RelevanceConfig{Provider: "http", DefaultThreshold: 0.3, FailOpenScore: 0.7},
			Intake:    IntakeConfig{MinLength: 5, MaxLength: 500},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"short secret in release", func(c *Config) { c.Server.Mode = "release"; c.JWT.Secret = "short" }, false},
		{"long secret in release", func(c *Config) {
			c.Server.Mode = "release"
			c.JWT.Secret = "0123456789abcdef0123456789abcdef"
		}, true},
		{"inverted lengths", func(c *Config) { c.Intake.MaxLength = 2 }, false},
		{"zero min length", func(c *Config) { c.Intake.MinLength = 0 }, false},
		{"fail open above one", func(c *Config) { c.Relevance.FailOpenScore = 1.5 }, false},
		{"negative threshold", func(c *Config) { c.Relevance.DefaultThreshold = -0.1 }, false},
		{"unknown provider", func(c *Config) { c.Relevance.Provider = "magic" }, false},
		{"openai provider", func(c *Config) { c.Relevance.Provider = "openai" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
