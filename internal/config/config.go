package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

type Config struct {
	APIPort  string
	LogLevel string

	LLMProvider    string
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64

	MongoURI         string
	MongoDatabase    string
	SchemaSampleSize int
	SchemaCacheTTL   time.Duration

	AgentMaxSteps           int
	AgentDocumentLimit      int
	AgentHistoryMessages    int
	AgentTimeout            time.Duration
	AgentToolTimeout        time.Duration
	AgentCacheTTL           time.Duration
	AgentCacheSkipQuestions bool
	AgentCacheSkipMutations bool

	PostgresDSN string

	NATSURL       string
	NATSUISubject string

	APIKey            string
	APIRateLimitRPS   float64
	APIRateLimitBurst int
	APIMaxInFlight    int
	APIMaxConns       int
	APICORSOrigins    []string
	APIValidateSchema bool

	RelayPort string

	RetryMaxAttempts        int
	RetryInitialBackoff     time.Duration
	RetryMaxBackoff         time.Duration
	BreakerEnabled          bool
	BreakerMinRequests      int
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls int
}

func Load() Config {
	return Config{
		APIPort:  mustEnv("API_PORT", "8000"),
		LogLevel: mustEnv("LOG_LEVEL", "info"),

		LLMProvider:    strings.ToLower(mustEnv("LLM_PROVIDER", "openai")),
		LLMBaseURL:     mustEnv("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:      mustEnv("LLM_API_KEY", ""),
		LLMModel:       mustEnv("LLM_MODEL", "meta-llama/llama-3.3-70b-instruct:free"),
		LLMTemperature: mustEnvFloat("LLM_TEMPERATURE", 0.1),

		MongoURI:         mustEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:    mustEnv("MONGO_DATABASE", "test"),
		SchemaSampleSize: mustEnvInt("SCHEMA_SAMPLE_SIZE", 3),
		SchemaCacheTTL:   mustEnvDuration("SCHEMA_CACHE_TTL", time.Hour),

		AgentMaxSteps:           mustEnvInt("AGENT_MAX_STEPS", 3),
		AgentDocumentLimit:      mustEnvInt("AGENT_DOCUMENT_LIMIT", 50),
		AgentHistoryMessages:    mustEnvInt("AGENT_HISTORY_MESSAGES", 10),
		AgentTimeout:            mustEnvDuration("AGENT_TIMEOUT", 120*time.Second),
		AgentToolTimeout:        mustEnvDuration("AGENT_TOOL_TIMEOUT", 30*time.Second),
		AgentCacheTTL:           mustEnvDuration("AGENT_CACHE_TTL", time.Hour),
		AgentCacheSkipQuestions: mustEnvBool("AGENT_CACHE_SKIP_QUESTIONS", false),
		AgentCacheSkipMutations: mustEnvBool("AGENT_CACHE_SKIP_MUTATIONS", false),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		NATSURL:       mustEnv("NATS_URL", ""),
		NATSUISubject: mustEnv("NATS_UI_SUBJECT", "agent.ui.dispatch"),

		APIKey:            mustEnv("API_KEY", ""),
		APIRateLimitRPS:   mustEnvFloat("API_RATE_LIMIT_RPS", 5),
		APIRateLimitBurst: mustEnvInt("API_RATE_LIMIT_BURST", 10),
		APIMaxInFlight:    mustEnvInt("API_MAX_IN_FLIGHT", 32),
		APIMaxConns:       mustEnvInt("API_MAX_CONNS", 256),
		APICORSOrigins:    mustEnvList("API_CORS_ORIGINS", []string{"*"}),
		APIValidateSchema: mustEnvBool("API_VALIDATE_SCHEMA", true),

		RelayPort: mustEnv("RELAY_PORT", "9090"),

		RetryMaxAttempts:        mustEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoff:     mustEnvDuration("RETRY_INITIAL_BACKOFF", 2*time.Second),
		RetryMaxBackoff:         mustEnvDuration("RETRY_MAX_BACKOFF", 8*time.Second),
		BreakerEnabled:          mustEnvBool("BREAKER_ENABLED", true),
		BreakerMinRequests:      mustEnvInt("BREAKER_MIN_REQUESTS", 10),
		BreakerFailureRatio:     mustEnvFloat("BREAKER_FAILURE_RATIO", 0.5),
		BreakerOpenTimeout:      mustEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		BreakerHalfOpenMaxCalls: mustEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 2),
	}
}

func (c Config) AgentLimits() domain.AgentLimits {
	return domain.AgentLimits{
		MaxSteps:            c.AgentMaxSteps,
		DocumentLimit:       c.AgentDocumentLimit,
		SchemaSampleSize:    c.SchemaSampleSize,
		HistoryMessages:     c.AgentHistoryMessages,
		Timeout:             c.AgentTimeout,
		ToolTimeout:         c.AgentToolTimeout,
		SkipQuestionCaching: c.AgentCacheSkipQuestions,
		SkipMutationCaching: c.AgentCacheSkipMutations,
	}
}

func (c Config) Resilience() resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        c.RetryMaxAttempts,
		RetryInitialBackoff:     c.RetryInitialBackoff,
		RetryMaxBackoff:         c.RetryMaxBackoff,
		RetryMultiplier:         2.0,
		RetryJitter:             0.5,
		BreakerEnabled:          c.BreakerEnabled,
		BreakerMinRequests:      uint32(max(c.BreakerMinRequests, 0)),
		BreakerFailureRatio:     c.BreakerFailureRatio,
		BreakerOpenTimeout:      c.BreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: uint32(max(c.BreakerHalfOpenMaxCalls, 0)),
	}
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// mustEnvDuration accepts Go durations ("90s") and bare seconds ("3600").
func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func mustEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
