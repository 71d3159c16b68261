package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Model       ModelConfig   `yaml:"model" mapstructure:"model"`
	ExtraModels []ModelConfig `yaml:"extra_models" mapstructure:"extra_models"`
	Grading     GradingConfig `yaml:"grading" mapstructure:"grading"`
	Server      ServerConfig  `yaml:"server" mapstructure:"server"`
	Log         LogConfig     `yaml:"log" mapstructure:"log"`
}

// ModelConfig describes one model endpoint.
type ModelConfig struct {
	APIURL    string `yaml:"api_url" mapstructure:"api_url"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	ModelName string `yaml:"model_name" mapstructure:"model_name"`
	// Provider selects the wire client: chat (default), openai, anthropic or gemini.
	Provider string `yaml:"provider" mapstructure:"provider"`
}

// GradingConfig configures the grading pipeline.
type GradingConfig struct {
	Mock              bool    `yaml:"mock" mapstructure:"mock"`
	DataDir           string  `yaml:"data_dir" mapstructure:"data_dir"`
	PromptConfigPath  string  `yaml:"prompt_config_path" mapstructure:"prompt_config_path"`
	PromptsMDPath     string  `yaml:"prompts_md_path" mapstructure:"prompts_md_path"`
	FileConcurrency   int     `yaml:"file_concurrency" mapstructure:"file_concurrency"`
	OriginConcurrency int     `yaml:"origin_concurrency" mapstructure:"origin_concurrency"`
	OriginRPS         float64 `yaml:"origin_rps" mapstructure:"origin_rps"`
	ModelTimeoutSecs  int     `yaml:"model_timeout_secs" mapstructure:"model_timeout_secs"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoffMS    int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	ScoreTargetMax    float64 `yaml:"score_target_max" mapstructure:"score_target_max"`
	MinContentLength  int     `yaml:"min_content_length" mapstructure:"min_content_length"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("model.api_url", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.model_name", "demo-model")
	v.SetDefault("model.provider", "chat")
	v.SetDefault("grading.mock", false)
	v.SetDefault("grading.data_dir", "data")
	v.SetDefault("grading.prompt_config_path", "config/prompt_config.json")
	v.SetDefault("grading.prompts_md_path", "config/prompts.md")
	v.SetDefault("grading.file_concurrency", 5)
	v.SetDefault("grading.origin_concurrency", 2)
	v.SetDefault("grading.origin_rps", 0)
	v.SetDefault("grading.model_timeout_secs", 300)
	v.SetDefault("grading.max_attempts", 3)
	v.SetDefault("grading.retry_backoff_ms", 0)
	v.SetDefault("grading.temperature", 0.2)
	v.SetDefault("grading.score_target_max", 60)
	v.SetDefault("grading.min_content_length", 50)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a batch.
func (c *Config) Validate() error {
	if c.Grading.FileConcurrency <= 0 {
		return eris.New("config: grading.file_concurrency must be positive")
	}
	if c.Grading.OriginConcurrency <= 0 {
		return eris.New("config: grading.origin_concurrency must be positive")
	}
	if c.Grading.MaxAttempts <= 0 {
		return eris.New("config: grading.max_attempts must be positive")
	}
	if c.Grading.ScoreTargetMax <= 0 {
		return eris.New("config: grading.score_target_max must be positive")
	}
	if c.Grading.ModelTimeoutSecs <= 0 {
		return eris.New("config: grading.model_timeout_secs must be positive")
	}
	for _, m := range append([]ModelConfig{c.Model}, c.ExtraModels...) {
		switch m.Provider {
		case "", "chat", "openai", "anthropic", "gemini":
		default:
			return eris.Errorf("config: unknown model provider %q", m.Provider)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
