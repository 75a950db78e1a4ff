package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv   string `yaml:"app_env"`
	HTTPAddr string `yaml:"http_addr"`

	ShutdownTimeout              time.Duration `yaml:"shutdown_timeout"`
	ShutdownHTTPDrainTimeout     time.Duration `yaml:"shutdown_http_drain_timeout"`
	ShutdownObservabilityTimeout time.Duration `yaml:"shutdown_observability_timeout"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	AccessTokenTTL  time.Duration `yaml:"jwt_access_ttl"`
	RefreshTokenTTL time.Duration `yaml:"jwt_refresh_ttl"`

	RefreshRotation        bool          `yaml:"auth_refresh_rotation"`
	RefreshReuseGrace      time.Duration `yaml:"auth_refresh_reuse_grace"`
	LocalAuthAuthoritative bool          `yaml:"auth_local_authoritative"`
	MinPasswordLength      int           `yaml:"auth_min_password_length"`

	SessionCleanupSchedule string        `yaml:"session_cleanup_schedule"`
	SessionCacheBackend    string        `yaml:"session_cache_backend"`
	SessionCacheTTL        time.Duration `yaml:"session_cache_ttl"`
	SessionTouchInterval   time.Duration `yaml:"session_touch_interval"`

	GPUStackBaseURL    string        `yaml:"gpustack_base_url"`
	GPUStackLoginPath  string        `yaml:"gpustack_login_path"`
	GPUStackAPIToken   string        `yaml:"gpustack_api_token"`
	GPUStackTimeout    time.Duration `yaml:"gpustack_timeout"`
	GPUStackMaxRetries int           `yaml:"gpustack_max_retries"`

	BootstrapAdminUsername string `yaml:"bootstrap_admin_username"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`

	CORSOrigins          []string `yaml:"cors_origins"`
	AuthRateLimitRPM     int      `yaml:"auth_rate_limit_rpm"`
	APIRateLimitRPM      int      `yaml:"api_rate_limit_rpm"`
	RateLimitRedisPrefix string   `yaml:"rate_limit_redis_prefix"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	OTELServiceName           string        `yaml:"otel_service_name"`
	OTELEnvironment           string        `yaml:"otel_environment"`
	OTELExporterOTLPEndpoint  string        `yaml:"otel_exporter_otlp_endpoint"`
	OTELExporterOTLPInsecure  bool          `yaml:"otel_exporter_otlp_insecure"`
	OTELMetricsEnabled        bool          `yaml:"otel_metrics_enabled"`
	OTELTracingEnabled        bool          `yaml:"otel_tracing_enabled"`
	OTELLogsEnabled           bool          `yaml:"otel_logs_enabled"`
	OTELMetricsExportInterval time.Duration `yaml:"otel_metrics_export_interval"`
	OTELTraceSamplingRatio    float64       `yaml:"otel_trace_sampling_ratio"`
	EnableOTelHTTP            bool          `yaml:"otel_http_enabled"`
}

func Defaults() *Config {
	return &Config{
		AppEnv:                       "development",
		HTTPAddr:                     ":8080",
		ShutdownTimeout:              20 * time.Second,
		ShutdownHTTPDrainTimeout:     10 * time.Second,
		ShutdownObservabilityTimeout: 5 * time.Second,
		DatabaseURL:                  "sqlite://chat-auth.db",
		JWTIssuer:                    "gpustack-chat",
		JWTAudience:                  "gpustack-chat-api",
		AccessTokenTTL:               30 * time.Minute,
		RefreshTokenTTL:              7 * 24 * time.Hour,
		RefreshRotation:              true,
		LocalAuthAuthoritative:       true,
		MinPasswordLength:            8,
		SessionCleanupSchedule:       "@every 5m",
		SessionCacheBackend:          "none",
		SessionCacheTTL:              15 * time.Second,
		SessionTouchInterval:         time.Minute,
		GPUStackLoginPath:            "/auth/login",
		GPUStackTimeout:              5 * time.Second,
		GPUStackMaxRetries:           1,
		BootstrapAdminUsername:       "admin",
		CORSOrigins:                  []string{"http://localhost:3000"},
		AuthRateLimitRPM:             30,
		APIRateLimitRPM:              600,
		RateLimitRedisPrefix:         "chat_auth_rl",
		LogLevel:                     "info",
		LogFormat:                    "json",
		OTELServiceName:              "chat-auth-service",
		OTELEnvironment:              "development",
		OTELExporterOTLPEndpoint:     "localhost:4317",
		OTELExporterOTLPInsecure:     true,
		OTELMetricsExportInterval:    15 * time.Second,
		OTELTraceSamplingRatio:       1.0,
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE overlay
// and the process environment, in that order.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		recordConfigLoad(context.Background(), os.Getenv("APP_ENV"), err)
		return nil, err
	}
	recordConfigLoad(context.Background(), cfg.AppEnv, nil)
	return cfg, nil
}

func load() (*Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, atStage(stageFile, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, atStage(stageEnv, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, atStage(stageValidation, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("APP_ENV", &cfg.AppEnv)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("JWT_AUDIENCE", &cfg.JWTAudience)
	str("SESSION_CLEANUP_SCHEDULE", &cfg.SessionCleanupSchedule)
	str("SESSION_CACHE_BACKEND", &cfg.SessionCacheBackend)
	str("GPUSTACK_BASE_URL", &cfg.GPUStackBaseURL)
	str("GPUSTACK_LOGIN_PATH", &cfg.GPUStackLoginPath)
	str("GPUSTACK_API_TOKEN", &cfg.GPUStackAPIToken)
	str("BOOTSTRAP_ADMIN_USERNAME", &cfg.BootstrapAdminUsername)
	str("BOOTSTRAP_ADMIN_PASSWORD", &cfg.BootstrapAdminPassword)
	str("RATE_LIMIT_REDIS_PREFIX", &cfg.RateLimitRedisPrefix)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("OTEL_SERVICE_NAME", &cfg.OTELServiceName)
	str("OTEL_ENVIRONMENT", &cfg.OTELEnvironment)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTELExporterOTLPEndpoint)

	if v, ok := os.LookupEnv("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SHUTDOWN_HTTP_DRAIN_TIMEOUT", &cfg.ShutdownHTTPDrainTimeout},
		{"SHUTDOWN_OBSERVABILITY_TIMEOUT", &cfg.ShutdownObservabilityTimeout},
		{"JWT_ACCESS_TTL", &cfg.AccessTokenTTL},
		{"JWT_REFRESH_TTL", &cfg.RefreshTokenTTL},
		{"AUTH_REFRESH_REUSE_GRACE", &cfg.RefreshReuseGrace},
		{"SESSION_CACHE_TTL", &cfg.SessionCacheTTL},
		{"SESSION_TOUCH_INTERVAL", &cfg.SessionTouchInterval},
		{"GPUSTACK_TIMEOUT", &cfg.GPUStackTimeout},
		{"OTEL_METRICS_EXPORT_INTERVAL", &cfg.OTELMetricsExportInterval},
	}
	for _, d := range durations {
		if err := parseDurationEnv(d.key, d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AUTH_MIN_PASSWORD_LENGTH", &cfg.MinPasswordLength},
		{"GPUSTACK_MAX_RETRIES", &cfg.GPUStackMaxRetries},
		{"AUTH_RATE_LIMIT_RPM", &cfg.AuthRateLimitRPM},
		{"API_RATE_LIMIT_RPM", &cfg.APIRateLimitRPM},
	}
	for _, i := range ints {
		if err := parseIntEnv(i.key, i.dst); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"AUTH_REFRESH_ROTATION", &cfg.RefreshRotation},
		{"AUTH_LOCAL_AUTHORITATIVE", &cfg.LocalAuthAuthoritative},
		{"OTEL_EXPORTER_OTLP_INSECURE", &cfg.OTELExporterOTLPInsecure},
		{"OTEL_METRICS_ENABLED", &cfg.OTELMetricsEnabled},
		{"OTEL_TRACING_ENABLED", &cfg.OTELTracingEnabled},
		{"OTEL_LOGS_ENABLED", &cfg.OTELLogsEnabled},
		{"OTEL_HTTP_ENABLED", &cfg.EnableOTelHTTP},
	}
	for _, b := range bools {
		if err := parseBoolEnv(b.key, b.dst); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("OTEL_TRACE_SAMPLING_RATIO"); ok {
		ratio, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("parse OTEL_TRACE_SAMPLING_RATIO: %w", err)
		}
		cfg.OTELTraceSamplingRatio = ratio
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		problems = append(problems, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength))
	}
	if c.AccessTokenTTL <= 0 {
		problems = append(problems, errors.New("JWT_ACCESS_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		problems = append(problems, errors.New("JWT_REFRESH_TTL must be longer than JWT_ACCESS_TTL"))
	}
	if c.RefreshReuseGrace < 0 {
		problems = append(problems, errors.New("AUTH_REFRESH_REUSE_GRACE must not be negative"))
	}
	if c.MinPasswordLength < 1 {
		problems = append(problems, errors.New("AUTH_MIN_PASSWORD_LENGTH must be positive"))
	}
	if _, err := cron.ParseStandard(c.SessionCleanupSchedule); err != nil {
		problems = append(problems, fmt.Errorf("SESSION_CLEANUP_SCHEDULE: %w", err))
	}
	switch c.SessionCacheBackend {
	case "none", "memory":
	case "redis":
		if strings.TrimSpace(c.RedisURL) == "" {
			problems = append(problems, errors.New("REDIS_URL is required when SESSION_CACHE_BACKEND=redis"))
		}
	default:
		problems = append(problems, fmt.Errorf("SESSION_CACHE_BACKEND must be one of none, memory, redis; got %q", c.SessionCacheBackend))
	}
	if c.SessionCacheTTL < 0 {
		problems = append(problems, errors.New("SESSION_CACHE_TTL must not be negative"))
	}
	if c.GPUStackTimeout <= 0 {
		problems = append(problems, errors.New("GPUSTACK_TIMEOUT must be positive"))
	}
	if c.GPUStackMaxRetries < 0 {
		problems = append(problems, errors.New("GPUSTACK_MAX_RETRIES must not be negative"))
	}
	if strings.TrimSpace(c.BootstrapAdminUsername) == "" {
		problems = append(problems, errors.New("BOOTSTRAP_ADMIN_USERNAME is required"))
	}
	if c.AuthRateLimitRPM <= 0 || c.APIRateLimitRPM <= 0 {
		problems = append(problems, errors.New("rate limits must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat))
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		problems = append(problems, errors.New("OTEL_TRACE_SAMPLING_RATIO must be within [0,1]"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("validate config: %w", errors.Join(problems...))
	}
	return nil
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	env := envLabel(c.AppEnv)
	return env == "prod" || env == "production"
}

func parseDurationEnv(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseIntEnv(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func parseBoolEnv(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
