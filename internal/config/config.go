package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Catalogue (Supabase Postgres)
	SupabaseURL            string
	SupabaseServiceRoleKey string

	// Blob store (Cloudflare R2)
	R2Endpoint     string
	R2AccessKeyID  string
	R2SecretKey    string
	R2Bucket       string
	R2CustomDomain string
	R2MaxRetries   int
	R2RetryDelay   time.Duration

	// Model endpoint (vLLM, OpenAI-compatible)
	VLLMBaseURL     string
	VLLMAPIKey      string
	VLLMModel       string
	ModelTimeout    time.Duration
	ModelMaxRetries int
	ModelMaxTokens  int
	ModelVersion    string

	// Dispatch
	PollInterval      time.Duration
	MaxRetriesPerJob  int
	NumWorkers        int
	MaxJobsPerRestart int
	JobTimeoutMinutes int

	// Job lifecycle events (disabled when no brokers configured)
	KafkaBrokers []string
	KafkaTopic   string

	// Health endpoint (disabled when empty)
	HealthAddr string

	// Dev/local schema management
	RunMigrations bool
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceRoleKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),

		R2Endpoint:     getEnv("R2_ENDPOINT", ""),
		R2AccessKeyID:  getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretKey:    getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:       getEnv("R2_BUCKET", "chapterbridge-data"),
		R2CustomDomain: getEnv("R2_CUSTOM_DOMAIN", ""),
		R2MaxRetries:   getEnvInt("R2_MAX_RETRIES", 3),
		R2RetryDelay:   getEnvSeconds("R2_RETRY_DELAY", time.Second),

		VLLMBaseURL:     getEnv("VLLM_BASE_URL", "http://localhost:8000/v1"),
		VLLMAPIKey:      getEnv("VLLM_API_KEY", "token-anything"),
		VLLMModel:       getEnv("VLLM_MODEL", "qwen2.5-7b"),
		ModelTimeout:    time.Duration(getEnvInt("MODEL_TIMEOUT_SECONDS", 360)) * time.Second,
		ModelMaxRetries: clampMin(getEnvInt("MODEL_MAX_RETRIES", 3), 1),
		ModelMaxTokens:  getEnvInt("MODEL_MAX_TOKENS", 16384),
		ModelVersion:    getEnv("MODEL_VERSION", "qwen2.5-7b-awq_nlp_pack_v1"),

		PollInterval:      time.Duration(getEnvInt("POLL_SECONDS", 3)) * time.Second,
		MaxRetriesPerJob:  getEnvInt("MAX_RETRIES_PER_JOB", 2),
		NumWorkers:        clampMin(getEnvInt("NUM_WORKERS", 4), 1),
		MaxJobsPerRestart: getEnvInt("MAX_JOBS_PER_RESTART", 500),
		JobTimeoutMinutes: clampMin(getEnvInt("JOB_TIMEOUT_MINUTES", 30), 1),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "pipeline.job-events"),

		HealthAddr: getEnv("HEALTH_ADDR", ""),

		RunMigrations: getEnvBool("RUN_MIGRATIONS", false),
	}
}

// MissingWorkerEnv returns the names of required worker environment variables
// that are not set. Non-empty means the daemon must not start.
func (c *Config) MissingWorkerEnv() []string {
	var missing []string
	for _, v := range []struct {
		name  string
		value string
	}{
		{"SUPABASE_URL", c.SupabaseURL},
		{"SUPABASE_SERVICE_ROLE_KEY", c.SupabaseServiceRoleKey},
		{"R2_ENDPOINT", c.R2Endpoint},
		{"R2_ACCESS_KEY_ID", c.R2AccessKeyID},
		{"R2_SECRET_ACCESS_KEY", c.R2SecretKey},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	return missing
}

// MissingEnqueueEnv returns the names of required enqueue-tool environment
// variables that are not set.
func (c *Config) MissingEnqueueEnv() []string {
	var missing []string
	if c.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.SupabaseServiceRoleKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
	}
	return missing
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvSeconds parses a fractional seconds value, e.g. "1.0" or "0.5".
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

// clampMin returns v if v >= min, otherwise min. Used to ensure config values are in valid range.
func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
