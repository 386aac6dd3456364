// Пакет config — загрузка и валидация конфигурации magpie-server
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации magpie-server.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (по умолчанию 8040)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 60s)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- OIDC / JWT ---

	// URL realm'а OIDC-провайдера (например, https://sso.example.org/realms/magpie)
	OIDCURL string
	// Issuer JWT (по умолчанию совпадает с OIDCURL)
	JWTIssuer string
	// Audience JWT (пустая строка — audience не проверяется)
	JWTAudience string
	// URL JWKS endpoint (авто-вычисляется из OIDCURL, если не задан)
	JWTJWKSURL string
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал фонового обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Путь к CA-сертификату OIDC-провайдера (опционально)
	OIDCCACertPath string

	// --- Кэш identity ---

	// Максимальное количество identity в LRU-кэше
	IdentityCacheSize int
	// Время жизни записи в кэше identity
	IdentityCacheTTL time.Duration

	// --- Каталог ---

	// Размер страницы по умолчанию для GET /records
	DefaultPageSize int
	// Максимальный размер страницы для GET /records
	MaxPageSize int

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// MG_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("MG_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("MG_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("MG_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// MG_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("MG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MG_LOG_LEVEL: %w", err)
	}

	// MG_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("MG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MG_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("MG_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("MG_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("MG_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	// MG_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("MG_DB_HOST")
	if err != nil {
		return nil, err
	}

	// MG_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("MG_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("MG_DB_PORT: %w", err)
	}

	// MG_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("MG_DB_NAME")
	if err != nil {
		return nil, err
	}

	// MG_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("MG_DB_USER")
	if err != nil {
		return nil, err
	}

	// MG_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("MG_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// MG_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("MG_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("MG_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- OIDC / JWT ---

	// MG_OIDC_URL — обязательный
	cfg.OIDCURL, err = getEnvRequired("MG_OIDC_URL")
	if err != nil {
		return nil, err
	}
	cfg.OIDCURL = strings.TrimRight(cfg.OIDCURL, "/")
	if _, parseErr := url.ParseRequestURI(cfg.OIDCURL); parseErr != nil {
		return nil, fmt.Errorf("MG_OIDC_URL: некорректный URL %q", cfg.OIDCURL)
	}

	// MG_JWT_ISSUER — по умолчанию совпадает с MG_OIDC_URL
	cfg.JWTIssuer = getEnvDefault("MG_JWT_ISSUER", cfg.OIDCURL)

	// MG_JWT_AUDIENCE — опционально
	cfg.JWTAudience = getEnvDefault("MG_JWT_AUDIENCE", "")

	// MG_JWT_JWKS_URL — авто-вычисляется из MG_OIDC_URL
	cfg.JWTJWKSURL = getEnvDefault("MG_JWT_JWKS_URL", cfg.OIDCURL+"/protocol/openid-connect/certs")

	cfg.JWTLeeway, err = getEnvDuration("MG_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDurationPositive("MG_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("MG_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDurationPositive("MG_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// MG_OIDC_CA_CERT_PATH — путь к CA-сертификату (опционально)
	cfg.OIDCCACertPath = getEnvDefault("MG_OIDC_CA_CERT_PATH", "")

	// --- Кэш identity ---

	cfg.IdentityCacheSize, err = getEnvInt("MG_IDENTITY_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("MG_IDENTITY_CACHE_SIZE: %w", err)
	}
	if cfg.IdentityCacheSize < 1 {
		return nil, fmt.Errorf("MG_IDENTITY_CACHE_SIZE: значение должно быть > 0")
	}
	cfg.IdentityCacheTTL, err = getEnvDurationPositive("MG_IDENTITY_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("MG_IDENTITY_CACHE_TTL: %w", err)
	}

	// --- Каталог ---

	cfg.DefaultPageSize, err = getEnvInt("MG_DEFAULT_PAGE_SIZE", 20)
	if err != nil {
		return nil, fmt.Errorf("MG_DEFAULT_PAGE_SIZE: %w", err)
	}
	cfg.MaxPageSize, err = getEnvInt("MG_MAX_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("MG_MAX_PAGE_SIZE: %w", err)
	}
	if cfg.DefaultPageSize < 1 || cfg.DefaultPageSize > cfg.MaxPageSize {
		return nil, fmt.Errorf("MG_DEFAULT_PAGE_SIZE: значение %d вне диапазона 1-%d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("MG_DEPHEALTH_GROUP", "magpie")
	cfg.DephealthCheckInterval, err = getEnvDurationPositive("MG_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("MG_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MG_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	return NewLogger(cfg.LogLevel, cfg.LogFormat)
}

// NewLogger создаёт slog-логгер с указанным уровнем и форматом
// и устанавливает его логгером по умолчанию.
func NewLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvDurationPositive — как getEnvDuration, но значение должно быть > 0.
func getEnvDurationPositive(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
