package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config centralizes runtime settings for the API, worker and sweeper.
type Config struct {
	Port     string
	AppEnv   string
	LogLevel string

	AuthToken   string
	CORSOrigins []string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	WorkerEnabled     bool
	QueueCapacity     int
	QueueMaxAttempts  int
	SweepIntervalMS   int
	SweepBatchLimit   int
	SweepLeaseTTLMS   int
	SweepLeaseKey     string
	ChannelMode       string
	WhatsAppBaseURL   string
	WhatsAppToken     string
	WhatsAppPhoneID   string
	WhatsAppVerify    string
	WhatsAppSecret    string
	WhatsAppTimeoutMS int
	WhatsAppRetries   int
}

// fileConfig mirrors configs/default.yaml.
type fileConfig struct {
	Service struct {
		Port        string   `yaml:"port"`
		Env         string   `yaml:"env"`
		LogLevel    string   `yaml:"log_level"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisAddr   string `yaml:"redis_addr"`
		RedisDB     *int   `yaml:"redis_db"`
	} `yaml:"dependencies"`
	Queue struct {
		Stream      string `yaml:"stream"`
		DLQStream   string `yaml:"dlq_stream"`
		Group       string `yaml:"group"`
		Consumer    string `yaml:"consumer"`
		Capacity    int    `yaml:"capacity"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"queue"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Worker struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"worker"`
	Sweep struct {
		IntervalMS int    `yaml:"interval_ms"`
		BatchLimit int    `yaml:"batch_limit"`
		LeaseTTLMS int    `yaml:"lease_ttl_ms"`
		LeaseKey   string `yaml:"lease_key"`
	} `yaml:"sweep"`
	WhatsApp struct {
		Mode          string `yaml:"mode"`
		BaseURL       string `yaml:"base_url"`
		PhoneNumberID string `yaml:"phone_number_id"`
		TimeoutMS     int    `yaml:"timeout_ms"`
		MaxRetries    *int   `yaml:"max_retries"`
	} `yaml:"whatsapp"`
}

func defaults() Config {
	return Config{
		Port:     "8080",
		AppEnv:   "development",
		LogLevel: "",

		RedisStream:   "wa_inbound",
		RedisDLQ:      "wa_inbound_dlq",
		RedisGroup:    "wa_workers",
		RedisConsumer: "api-1",

		RateLimitRPS:   20,
		RateLimitBurst: 40,

		WorkerEnabled:     true,
		QueueCapacity:     512,
		QueueMaxAttempts:  3,
		SweepIntervalMS:   30000,
		SweepBatchLimit:   50,
		SweepLeaseTTLMS:   25000,
		SweepLeaseKey:     "wa-lead-router:sweep",
		ChannelMode:       "noop",
		WhatsAppBaseURL:   "https://graph.facebook.com/v21.0",
		WhatsAppTimeoutMS: 15000,
		WhatsAppRetries:   2,
	}
}

// Load resolves configuration in priority order: defaults -> YAML file -> env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, errors.Wrapf(err, "read config file %s", path)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return errors.Wrap(err, "parse config file")
	}

	setString(&cfg.Port, f.Service.Port)
	setString(&cfg.AppEnv, f.Service.Env)
	setString(&cfg.LogLevel, f.Service.LogLevel)
	if len(f.Service.CORSOrigins) > 0 {
		cfg.CORSOrigins = f.Service.CORSOrigins
	}
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisAddr, f.Dependencies.RedisAddr)
	if f.Dependencies.RedisDB != nil {
		cfg.RedisDB = *f.Dependencies.RedisDB
	}
	setString(&cfg.RedisStream, f.Queue.Stream)
	setString(&cfg.RedisDLQ, f.Queue.DLQStream)
	setString(&cfg.RedisGroup, f.Queue.Group)
	setString(&cfg.RedisConsumer, f.Queue.Consumer)
	setInt(&cfg.QueueCapacity, f.Queue.Capacity)
	setInt(&cfg.QueueMaxAttempts, f.Queue.MaxAttempts)
	if f.RateLimit.RPS > 0 {
		cfg.RateLimitRPS = f.RateLimit.RPS
	}
	setInt(&cfg.RateLimitBurst, f.RateLimit.Burst)
	if f.Worker.Enabled != nil {
		cfg.WorkerEnabled = *f.Worker.Enabled
	}
	setInt(&cfg.SweepIntervalMS, f.Sweep.IntervalMS)
	setInt(&cfg.SweepBatchLimit, f.Sweep.BatchLimit)
	setInt(&cfg.SweepLeaseTTLMS, f.Sweep.LeaseTTLMS)
	setString(&cfg.SweepLeaseKey, f.Sweep.LeaseKey)
	setString(&cfg.ChannelMode, f.WhatsApp.Mode)
	setString(&cfg.WhatsAppBaseURL, f.WhatsApp.BaseURL)
	setString(&cfg.WhatsAppPhoneID, f.WhatsApp.PhoneNumberID)
	setInt(&cfg.WhatsAppTimeoutMS, f.WhatsApp.TimeoutMS)
	if f.WhatsApp.MaxRetries != nil {
		cfg.WhatsAppRetries = *f.WhatsApp.MaxRetries
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.AppEnv = getEnv("APP_ENV", cfg.AppEnv)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.AuthToken = getEnv("API_AUTH_TOKEN", cfg.AuthToken)
	cfg.CORSOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSOrigins)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisStream = getEnv("REDIS_STREAM", cfg.RedisStream)
	cfg.RedisDLQ = getEnv("REDIS_DLQ_STREAM", cfg.RedisDLQ)
	cfg.RedisGroup = getEnv("REDIS_GROUP", cfg.RedisGroup)
	cfg.RedisConsumer = getEnv("REDIS_CONSUMER", cfg.RedisConsumer)

	cfg.RateLimitRPS = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	cfg.WorkerEnabled = getEnvBool("WORKER_ENABLED", cfg.WorkerEnabled)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.QueueMaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", cfg.QueueMaxAttempts)
	cfg.SweepIntervalMS = getEnvInt("SWEEP_INTERVAL_MS", cfg.SweepIntervalMS)
	cfg.SweepBatchLimit = getEnvInt("SWEEP_BATCH_LIMIT", cfg.SweepBatchLimit)
	cfg.SweepLeaseTTLMS = getEnvInt("SWEEP_LEASE_TTL_MS", cfg.SweepLeaseTTLMS)
	cfg.SweepLeaseKey = getEnv("SWEEP_LEASE_KEY", cfg.SweepLeaseKey)

	cfg.ChannelMode = getEnv("CHANNEL_MODE", cfg.ChannelMode)
	cfg.WhatsAppBaseURL = getEnv("WHATSAPP_API_BASE_URL", cfg.WhatsAppBaseURL)
	cfg.WhatsAppToken = getEnv("WHATSAPP_TOKEN", cfg.WhatsAppToken)
	cfg.WhatsAppPhoneID = getEnv("WHATSAPP_PHONE_NUMBER_ID", cfg.WhatsAppPhoneID)
	cfg.WhatsAppVerify = getEnv("WHATSAPP_VERIFY_TOKEN", cfg.WhatsAppVerify)
	cfg.WhatsAppSecret = getEnv("WHATSAPP_APP_SECRET", cfg.WhatsAppSecret)
	cfg.WhatsAppTimeoutMS = getEnvInt("WHATSAPP_TIMEOUT_MS", cfg.WhatsAppTimeoutMS)
	cfg.WhatsAppRetries = getEnvInt("WHATSAPP_MAX_RETRIES", cfg.WhatsAppRetries)
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if value > 0 {
		*target = value
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
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

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
