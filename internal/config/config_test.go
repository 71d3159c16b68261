package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "", cfg.Model.APIURL)
	assert.Equal(t, "demo-model", cfg.Model.ModelName)
	assert.Equal(t, "chat", cfg.Model.Provider)
	assert.Empty(t, cfg.ExtraModels)
	assert.False(t, cfg.Grading.Mock)
	assert.Equal(t, "data", cfg.Grading.DataDir)
	assert.Equal(t, "config/prompt_config.json", cfg.Grading.PromptConfigPath)
	assert.Equal(t, "config/prompts.md", cfg.Grading.PromptsMDPath)
	assert.Equal(t, 5, cfg.Grading.FileConcurrency)
	assert.Equal(t, 2, cfg.Grading.OriginConcurrency)
	assert.InDelta(t, 0, cfg.Grading.OriginRPS, 0.001)
	assert.Equal(t, 300, cfg.Grading.ModelTimeoutSecs)
	assert.Equal(t, 3, cfg.Grading.MaxAttempts)
	assert.Equal(t, 0, cfg.Grading.RetryBackoffMS)
	assert.InDelta(t, 0.2, cfg.Grading.Temperature, 0.001)
	assert.InDelta(t, 60, cfg.Grading.ScoreTargetMax, 0.001)
	assert.Equal(t, 50, cfg.Grading.MinContentLength)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
server:
  port: 9090
model:
  api_url: https://api.example.com/v1/chat/completions
  api_key: sk-test
  model_name: grader-large
extra_models:
  - api_url: https://other.example.org/v1/chat/completions
    model_name: grader-small
    provider: openai
grading:
  file_concurrency: 3
  mock: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", cfg.Model.APIURL)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.Equal(t, "grader-large", cfg.Model.ModelName)
	require.Len(t, cfg.ExtraModels, 1)
	assert.Equal(t, "openai", cfg.ExtraModels[0].Provider)
	assert.Equal(t, 3, cfg.Grading.FileConcurrency)
	assert.True(t, cfg.Grading.Mock)
	// Defaults still apply for unset values
	assert.Equal(t, 2, cfg.Grading.OriginConcurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
model:
  model_name: from-file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("GRADER_MODEL_MODEL_NAME", "from-env")
	t.Setenv("GRADER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "from-env", cfg.Model.ModelName)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("GRADER_SERVER_PORT", "3000")
	t.Setenv("GRADER_GRADING_SCORE_TARGET_MAX", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 100, cfg.Grading.ScoreTargetMax, 0.001)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Model.Provider = "chat"
	cfg.Grading.FileConcurrency = 5
	cfg.Grading.OriginConcurrency = 2
	cfg.Grading.MaxAttempts = 3
	cfg.Grading.ScoreTargetMax = 60
	cfg.Grading.ModelTimeoutSecs = 300
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero file concurrency", mutate: func(c *Config) { c.Grading.FileConcurrency = 0 }, wantErr: "file_concurrency"},
		{name: "zero origin concurrency", mutate: func(c *Config) { c.Grading.OriginConcurrency = 0 }, wantErr: "origin_concurrency"},
		{name: "zero attempts", mutate: func(c *Config) { c.Grading.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "negative target", mutate: func(c *Config) { c.Grading.ScoreTargetMax = -1 }, wantErr: "score_target_max"},
		{name: "zero timeout", mutate: func(c *Config) { c.Grading.ModelTimeoutSecs = 0 }, wantErr: "model_timeout_secs"},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.ExtraModels = []ModelConfig{{Provider: "carrier-pigeon"}} },
			wantErr: "unknown model provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
