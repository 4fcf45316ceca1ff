// Package config loads service configuration from the environment with an
// optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	CardURL         string        `yaml:"card_url"`
	DataDir         string        `yaml:"data_dir"`
	ToolsEndpoint   string        `yaml:"tools_endpoint"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	FallbackModel   string        `yaml:"fallback_model"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`

	// Optional S3 seeding of the case log and benchmark reports.
	TrainingBucket string `yaml:"training_bucket"`
	TrainingPrefix string `yaml:"training_prefix"`
	ReportsPrefix  string `yaml:"reports_prefix"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:            envOr("PORT", "9010"),
		LogLevel:        envOr("LOG_LEVEL", "INFO"),
		CardURL:         os.Getenv("AGENT_CARD_URL"),
		DataDir:         envOr("RL_CACHE_DIR", envOr("DATA_DIR", "/app")),
		ToolsEndpoint:   envOr("GREEN_AGENT_MCP_URL", "http://localhost:9009"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		FallbackModel:   envOr("FALLBACK_MODEL", "claude-sonnet-4-6"),
		ToolTimeout:     envSeconds("TOOL_TIMEOUT", 10*time.Second),
		TaskTimeout:     envSeconds("TASK_TIMEOUT", 120*time.Second),
		TrainingBucket:  os.Getenv("TRAINING_BUCKET"),
		TrainingPrefix:  envOr("TRAINING_PREFIX", "training-data/"),
		ReportsPrefix:   envOr("REPORTS_PREFIX", "reports/"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
	}
}

// LoadFile loads configuration from the environment and then applies a YAML
// overlay. Fields set in the file win over environment defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
