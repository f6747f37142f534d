package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	DefaultSafetyTicks       = 2
	DefaultCycleInterval     = 15 * time.Second
	DefaultGhostThreshold    = 3
	DefaultDetectiveAttempts = 3
	DefaultDetectiveDelay    = 2 * time.Second
	DefaultDisplayTimezone   = "America/Sao_Paulo"
)

type Config struct {
	// Коллектор сигналов (внешний процесс), значения только пробрасываются
	TelegramAPIID   int
	TelegramAPIHash string

	BotToken       string
	AdminUserID    int64
	ErrorChannelID int64

	EncryptionSecret string
	JWTSecret        string

	SafetyTicks int
	DatabaseURL string
	LogsDir     string
	LogLevel    string
	HTTPAddr    string

	CycleInterval     time.Duration
	UserParallelism   int
	SignalQueueSize   int
	GhostThreshold    int
	DetectiveAttempts int
	DetectiveDelay    time.Duration

	BybitBaseURL string
	BybitTestnet bool
	BybitProxy   string
	BybitRPS     float64

	RedisURL        string
	DisplayTimezone string

	MetricsUser     string
	MetricsPassword string
}

func Load(logger zerolog.Logger) *Config {
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg(".env file not found")
	}

	cfg := &Config{
		TelegramAPIID:     getInt("TG_API_ID", 0),
		TelegramAPIHash:   os.Getenv("TG_API_HASH"),
		BotToken:          os.Getenv("BOT_TOKEN"),
		AdminUserID:       getInt64("ADMIN_USER_ID", 0),
		ErrorChannelID:    getInt64("ERROR_CHANNEL_ID", 0),
		EncryptionSecret:  os.Getenv("ENCRYPTION_SECRET"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		SafetyTicks:       getInt("SAFETY_TICKS", DefaultSafetyTicks),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LogsDir:           getString("LOGS_DIR", "logs"),
		LogLevel:          getString("LOG_LEVEL", "info"),
		HTTPAddr:          getString("HTTP_ADDR", ":8080"),
		CycleInterval:     getDuration("CYCLE_INTERVAL", DefaultCycleInterval),
		UserParallelism:   getInt("USER_PARALLELISM", 4),
		SignalQueueSize:   getInt("SIGNAL_QUEUE_SIZE", 100),
		GhostThreshold:    getInt("GHOST_THRESHOLD", DefaultGhostThreshold),
		DetectiveAttempts: getInt("DETECTIVE_ATTEMPTS", DefaultDetectiveAttempts),
		DetectiveDelay:    getDuration("DETECTIVE_DELAY", DefaultDetectiveDelay),
		BybitBaseURL:      os.Getenv("BYBIT_BASE_URL"),
		BybitTestnet:      getBool("BYBIT_TESTNET", false),
		BybitProxy:        os.Getenv("BYBIT_PROXY"),
		BybitRPS:          getFloat("BYBIT_RPS", 10),
		RedisURL:          os.Getenv("REDIS_URL"),
		DisplayTimezone:   getString("DISPLAY_TIMEZONE", DefaultDisplayTimezone),
		MetricsUser:       os.Getenv("METRICS_USER"),
		MetricsPassword:   os.Getenv("METRICS_PASSWORD"),
	}

	return cfg
}

// Validate проверяет обязательные параметры запуска
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if c.EncryptionSecret == "" {
		missing = append(missing, "ENCRYPTION_SECRET")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.SafetyTicks < 0 {
		return fmt.Errorf("SAFETY_TICKS must be >= 0, got %d", c.SafetyTicks)
	}
	if c.GhostThreshold < 1 {
		return fmt.Errorf("GHOST_THRESHOLD must be >= 1, got %d", c.GhostThreshold)
	}
	if c.UserParallelism < 1 {
		c.UserParallelism = 1
	}
	return nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

// getDuration принимает как "15s", так и голое число секунд
func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
