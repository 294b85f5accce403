package config

import (
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultPipelineConfig = "config/pipeline.yaml"
	defaultMetricsAddr    = ":9090"
	defaultEnvFile        = ".env"
	defaultTenant         = "default"
	envNATSURL            = "NATS_URL"
	envRedisURL           = "REDIS_URL"
	envJobStoreURL        = "JOB_STORE_URL"
	envRecordStoreDSN     = "RECORD_STORE_DSN"
	envTenants            = "TENANTS"
	envPipelineConfigPath = "PIPELINE_CONFIG_PATH"
	envMetricsAddr        = "METRICS_ADDR"
	envEnvFile            = "REQFLOW_ENV_FILE"
)

var dotEnvOnce sync.Once

// Config holds runtime configuration shared by the pipeline processes.
type Config struct {
	NatsURL            string
	RedisURL           string
	JobStoreURL        string
	RecordStoreDSN     string
	Tenants            []string
	PipelineConfigPath string
	MetricsAddr        string
}

// Load returns configuration using environment variables with sane defaults.
// A .env file, when present, fills variables that are not already set.
func Load() *Config {
	dotEnvOnce.Do(loadDotEnv)

	natsURL := envOr(envNATSURL, defaultNATSURL)
	redisURL := envOr(envRedisURL, defaultRedisURL)
	return &Config{
		NatsURL:            natsURL,
		RedisURL:           redisURL,
		JobStoreURL:        envOr(envJobStoreURL, redisURL),
		RecordStoreDSN:     strings.TrimSpace(os.Getenv(envRecordStoreDSN)),
		Tenants:            parseTenants(os.Getenv(envTenants)),
		PipelineConfigPath: envOr(envPipelineConfigPath, defaultPipelineConfig),
		MetricsAddr:        envOr(envMetricsAddr, defaultMetricsAddr),
	}
}

func loadDotEnv() {
	path := envOr(envEnvFile, defaultEnvFile)
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseTenants(raw string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		tenant := strings.TrimSpace(part)
		if tenant == "" || seen[tenant] {
			continue
		}
		seen[tenant] = true
		out = append(out, tenant)
	}
	if len(out) == 0 {
		return []string{defaultTenant}
	}
	return out
}
