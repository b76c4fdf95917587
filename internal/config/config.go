// Package config loads runtime settings. Values come from built-in defaults,
// then an optional YAML file named by CONFIG_FILE, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"

	QuotaStore = "store"
	QuotaRedis = "redis"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	StoreBackend       string `yaml:"store_backend"`
	StateTable         string `yaml:"state_table"`
	ConsultationsIndex string `yaml:"consultations_index"`
	SQLitePath         string `yaml:"sqlite_path"`

	QuotaBackend string `yaml:"quota_backend"`
	RedisURL     string `yaml:"redis_url"`
	DailyLimit   int    `yaml:"daily_limit"`

	MaxConsultationLength int `yaml:"max_consultation_length"`

	LLMProvider   string `yaml:"llm_provider"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiModel   string `yaml:"gemini_model"`

	// ParamPrefix is the SSM path under which missing secrets are looked up.
	ParamPrefix string `yaml:"param_prefix"`

	AuthJWTSecret string `yaml:"auth_jwt_secret"`
	AuthIssuer    string `yaml:"auth_issuer"`

	Addr       string `yaml:"addr"`
	CORSOrigin string `yaml:"cors_origin"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		StoreBackend:          StoreDynamoDB,
		ConsultationsIndex:    "createdAt-index",
		SQLitePath:            "./data/council.db",
		QuotaBackend:          QuotaStore,
		RedisURL:              "redis://localhost:6379/0",
		DailyLimit:            10,
		MaxConsultationLength: 500,
		LLMProvider:           ProviderOpenAI,
		OpenAIModel:           "gpt-4o-mini",
		GeminiModel:           "gemini-2.0-flash",
		Addr:                  ":3000",
		CORSOrigin:            "*",
		LogLevel:              "info",
	}
}

// Load builds a Config. An empty path falls back to CONFIG_FILE; when both
// are empty no file is read.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.StoreBackend = getenv("STORE_BACKEND", cfg.StoreBackend)
	cfg.StateTable = getenv("STATE_TABLE", cfg.StateTable)
	cfg.ConsultationsIndex = getenv("CONSULTATIONS_INDEX", cfg.ConsultationsIndex)
	cfg.SQLitePath = getenv("SQLITE_PATH", cfg.SQLitePath)
	cfg.QuotaBackend = getenv("QUOTA_BACKEND", cfg.QuotaBackend)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.DailyLimit = getenvInt("DAILY_LIMIT", cfg.DailyLimit)
	cfg.MaxConsultationLength = getenvInt("MAX_CONSULTATION_LENGTH", cfg.MaxConsultationLength)
	cfg.LLMProvider = getenv("LLM_PROVIDER", cfg.LLMProvider)
	cfg.OpenAIAPIKey = getenv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = getenv("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAIBaseURL = getenv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.GeminiAPIKey = getenv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = getenv("GEMINI_MODEL", cfg.GeminiModel)
	cfg.ParamPrefix = getenv("PARAM_PREFIX", cfg.ParamPrefix)
	cfg.AuthJWTSecret = getenv("AUTH_JWT_SECRET", cfg.AuthJWTSecret)
	cfg.AuthIssuer = getenv("AUTH_ISSUER", cfg.AuthIssuer)
	cfg.CORSOrigin = getenv("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.Addr = getenv("API_ADDR", cfg.Addr)

	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.QuotaBackend = strings.ToLower(cfg.QuotaBackend)
	cfg.LLMProvider = strings.ToLower(cfg.LLMProvider)

	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb store"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.QuotaBackend {
	case QuotaStore:
	case QuotaRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis quota backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUOTA_BACKEND %q", c.QuotaBackend))
	}

	switch c.LLMProvider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	if c.DailyLimit <= 0 {
		errs = append(errs, fmt.Errorf("DAILY_LIMIT must be positive, got %d", c.DailyLimit))
	}
	if c.MaxConsultationLength <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONSULTATION_LENGTH must be positive, got %d", c.MaxConsultationLength))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (zap.AtomicLevel, error) {
	lvl, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
