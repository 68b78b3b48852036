package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	Timezone              string
	DefaultServiceMinutes int
	PeakWindowStartHour   int
	PeakWindowEndHour     int

	AutoCloseInterval  time.Duration
	AutoCloseBatchSize int

	BroadcastPollInterval time.Duration
	BroadcastBatchSize    int

	RateLimitPerMinute           int
	RateLimitBurst               int
	DepartmentRateLimitPerMinute int
	DepartmentRateLimitBurst     int

	RedisURL       string
	PublicCacheTTL time.Duration

	DirectoryURL string

	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		Timezone:              readString("QUEUE_TIMEZONE", "UTC"),
		DefaultServiceMinutes: readInt("DEFAULT_SERVICE_MINUTES", 5),
		PeakWindowStartHour:   readInt("PEAK_WINDOW_START_HOUR", 8),
		PeakWindowEndHour:     readInt("PEAK_WINDOW_END_HOUR", 17),

		AutoCloseInterval:  readDurationSeconds("AUTO_CLOSE_SCAN_INTERVAL_SECONDS", 60),
		AutoCloseBatchSize: readInt("AUTO_CLOSE_BATCH_SIZE", 20),

		BroadcastPollInterval: readDurationSeconds("BROADCAST_POLL_INTERVAL_SECONDS", 1),
		BroadcastBatchSize:    readInt("BROADCAST_BATCH_SIZE", 100),

		RateLimitPerMinute:           readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:               readInt("RATE_LIMIT_BURST", 30),
		DepartmentRateLimitPerMinute: readInt("DEPARTMENT_RATE_LIMIT_PER_MIN", 600),
		DepartmentRateLimitBurst:     readInt("DEPARTMENT_RATE_LIMIT_BURST", 120),

		RedisURL:       os.Getenv("REDIS_URL"),
		PublicCacheTTL: readDurationSeconds("PUBLIC_CACHE_TTL_SECONDS", 5),

		DirectoryURL: os.Getenv("DIRECTORY_URL"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func readString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
