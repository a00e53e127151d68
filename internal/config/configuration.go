package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// WebServer Configuration
	WebServerPort int `mapstructure:"WEBSERVER_PORT"`

	// Database Configuration
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`

	// Worker Configuration
	WorkerCount        int `mapstructure:"WORKER_COUNT" validate:"min=1"`
	JobRetryLimit      int `mapstructure:"JOB_RETRY_LIMIT" validate:"min=1"`
	JobLeaseSeconds    int `mapstructure:"JOB_LEASE_SECONDS" validate:"min=1"`
	StepTimeoutSeconds int `mapstructure:"STEP_TIMEOUT_SECONDS" validate:"min=1"`

	// Media tooling
	YtdlpPath string `mapstructure:"YTDLP_PATH"`

	// Analysis model
	GeminiAPIKey     string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel      string `mapstructure:"GEMINI_MODEL"`
	GeminiRatePerSec int    `mapstructure:"GEMINI_RATE_PER_SEC" validate:"min=1"`
	PromptVersion    string `mapstructure:"PROMPT_VERSION" validate:"required"`

	// Cache accounting: estimated cost of one external analysis call, in cents.
	AnalysisUnitCostCents int64 `mapstructure:"ANALYSIS_UNIT_COST_CENTS"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag != "" {
			viper.BindEnv(tag)
		}
	}
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("WEBSERVER_PORT", 8080)
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("WORKER_COUNT", 2)
	viper.SetDefault("JOB_RETRY_LIMIT", 3)
	viper.SetDefault("JOB_LEASE_SECONDS", 300)
	viper.SetDefault("STEP_TIMEOUT_SECONDS", 120)
	viper.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")
	viper.SetDefault("GEMINI_RATE_PER_SEC", 1)
	viper.SetDefault("PROMPT_VERSION", "v1")
	viper.SetDefault("ANALYSIS_UNIT_COST_CENTS", 4)

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	slog.Info("Loaded configuration", "web_port", cfg.WebServerPort, "workers", cfg.WorkerCount, "model", cfg.GeminiModel)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
