package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Stream   StreamConfig
	Relay    RelayConfig
	Engine   EngineConfig
	Watchdog WatchdogConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки служебного HTTP сервера (health, metrics)
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// SecretBoxKey - 32-байтный ключ шифрования секретов позиций
	SecretBoxKey string
}

// StreamConfig - настройки подписочного WS-клиента
type StreamConfig struct {
	URL         string        // endpoint стриминга состояния аккаунтов
	Commitment  string        // commitment для подписок
	Heartbeat   time.Duration // период liveness-проверки (ping)
	CallTimeout time.Duration // ограничение ожидания ответа на запрос

	// Reconnect backoff: экспоненциальный от InitialDelay до MaxDelay,
	// ±JitterFrac к каждой вычисленной задержке
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectJitterFrac   float64
}

// RelayConfig - настройки клиента отправки транзакций через ретранслятор
type RelayConfig struct {
	BaseURLs    []string // список base URL, ротация при rate limit
	TipLamports uint64   // чаевые по умолчанию

	TipRefreshEvery uint64 // обновлять кэш tip-аккаунтов каждые N отправок

	MaxAttempts    int           // попыток на один логический вызов
	RetryBaseDelay time.Duration // backoff для rate-limited повторов
	RetryMaxDelay  time.Duration
	RetryJitter    float64 // аддитивный jitter, доля от задержки

	ConfirmDepth        int           // требуемая глубина подтверждения
	ConfirmPollInterval time.Duration // период опроса статуса подписи
	ConfirmTimeout      time.Duration // жёсткая граница ожидания подтверждения
}

// EngineConfig - настройки триггерного движка
type EngineConfig struct {
	TriggerCooldown time.Duration // минимальная пауза между срабатываниями позиции
}

// WatchdogConfig - настройки поллинг-ватчдога
type WatchdogConfig struct {
	PricePeriod time.Duration // период ценовой линии
	ClaimPeriod time.Duration // период линии клейма комиссий
	JitterFrac  float64       // ±jitter к каждой перепланировке
	MinDelay    time.Duration // нижняя граница задержки перепланировки
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "lpkeeper"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			SecretBoxKey: getEnv("SECRETBOX_KEY", ""),
		},
		Stream: StreamConfig{
			URL:                   getEnv("STREAM_WS_URL", ""),
			Commitment:            getEnv("STREAM_COMMITMENT", "confirmed"),
			Heartbeat:             getEnvAsDuration("STREAM_HEARTBEAT", 15*time.Second),
			CallTimeout:           getEnvAsDuration("STREAM_CALL_TIMEOUT", 10*time.Second),
			ReconnectInitialDelay: getEnvAsDuration("STREAM_RECONNECT_INITIAL", 1*time.Second),
			ReconnectMaxDelay:     getEnvAsDuration("STREAM_RECONNECT_MAX", 30*time.Second),
			ReconnectJitterFrac:   getEnvAsFloat("STREAM_RECONNECT_JITTER", 0.2),
		},
		Relay: RelayConfig{
			BaseURLs:            getEnvAsSlice("RELAY_BASE_URLS", nil),
			TipLamports:         uint64(getEnvAsInt("RELAY_TIP_LAMPORTS", 100_000)),
			TipRefreshEvery:     uint64(getEnvAsInt("RELAY_TIP_REFRESH_EVERY", 50)),
			MaxAttempts:         getEnvAsInt("RELAY_MAX_ATTEMPTS", 5),
			RetryBaseDelay:      getEnvAsDuration("RELAY_RETRY_BASE", 300*time.Millisecond),
			RetryMaxDelay:       getEnvAsDuration("RELAY_RETRY_MAX", 8*time.Second),
			RetryJitter:         getEnvAsFloat("RELAY_RETRY_JITTER", 0.3),
			ConfirmDepth:        getEnvAsInt("RELAY_CONFIRM_DEPTH", 10),
			ConfirmPollInterval: getEnvAsDuration("RELAY_CONFIRM_POLL", 500*time.Millisecond),
			ConfirmTimeout:      getEnvAsDuration("RELAY_CONFIRM_TIMEOUT", 90*time.Second),
		},
		Engine: EngineConfig{
			TriggerCooldown: getEnvAsDuration("TRIGGER_COOLDOWN", 1*time.Second),
		},
		Watchdog: WatchdogConfig{
			PricePeriod: getEnvAsDuration("WATCHDOG_PRICE_PERIOD", 30*time.Second),
			ClaimPeriod: getEnvAsDuration("WATCHDOG_CLAIM_PERIOD", 60*time.Second),
			JitterFrac:  getEnvAsFloat("WATCHDOG_JITTER", 0.10),
			MinDelay:    getEnvAsDuration("WATCHDOG_MIN_DELAY", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateEndpoints(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// SECRETBOX_KEY обязателен: без него не расшифровать ключи позиций
	if c.Security.SecretBoxKey == "" {
		return fmt.Errorf("SECRETBOX_KEY is required for position secret encryption")
	}
	if len(c.Security.SecretBoxKey) != 32 {
		return fmt.Errorf("SECRETBOX_KEY must be exactly 32 bytes")
	}
	return nil
}

// validateEndpoints проверяет сетевые endpoints
func (c *Config) validateEndpoints() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("STREAM_WS_URL is required")
	}
	if len(c.Relay.BaseURLs) == 0 {
		return fmt.Errorf("RELAY_BASE_URLS is required (comma-separated list)")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны
func (c *Config) validateRanges() error {
	if c.Relay.MaxAttempts < 1 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Relay.ConfirmDepth < 1 {
		return fmt.Errorf("RELAY_CONFIRM_DEPTH must be at least 1")
	}
	if c.Relay.ConfirmTimeout <= 0 {
		return fmt.Errorf("RELAY_CONFIRM_TIMEOUT must be positive")
	}
	if c.Stream.Heartbeat <= 0 || c.Stream.CallTimeout <= 0 {
		return fmt.Errorf("stream heartbeat and call timeout must be positive")
	}
	if c.Watchdog.PricePeriod <= 0 || c.Watchdog.ClaimPeriod <= 0 {
		return fmt.Errorf("watchdog periods must be positive")
	}
	if c.Engine.TriggerCooldown < 0 {
		return fmt.Errorf("TRIGGER_COOLDOWN must not be negative")
	}
	return nil
}

// ConnectionString возвращает DSN для подключения к PostgreSQL
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode,
	)
}

// ============ Helpers для чтения переменных окружения ============

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultVal
}

// getEnvAsSlice читает список, разделённый запятыми; пустые элементы отбрасываются
func getEnvAsSlice(key string, defaultVal []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
