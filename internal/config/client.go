package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig — конфигурация устройства (CLI magpie).
// Хранится в TOML-файле, переменные окружения MAGPIE_* имеют приоритет.
type ClientConfig struct {
	// ServerURL — базовый URL magpie-server
	ServerURL string `toml:"server_url"`
	// Token — bearer-токен OIDC-провайдера
	Token string `toml:"token"`
	// Database — путь к локальной SQLite-базе (Record Store + Change Log)
	Database string `toml:"database"`
	// Timeout — таймаут HTTP-запросов к серверу
	Timeout Duration `toml:"timeout"`
	// PageSize — размер страницы при refresh pull
	PageSize int `toml:"page_size"`
	// LogLevel — уровень логирования CLI
	LogLevel string `toml:"log_level"`
}

// Duration — time.Duration с TOML-представлением "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("некорректная длительность %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText реализует encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultClientConfigPath возвращает путь к конфигурации по умолчанию:
// $XDG_CONFIG_HOME/magpie/config.toml или ~/.config/magpie/config.toml.
func DefaultClientConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "magpie", "config.toml")
	}
	return filepath.Join(".", "magpie.toml")
}

// DefaultClientConfig возвращает конфигурацию со значениями по умолчанию.
func DefaultClientConfig() *ClientConfig {
	dataDir := "."
	if dir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(dir, ".local", "share", "magpie")
	}
	return &ClientConfig{
		ServerURL: "http://localhost:8040",
		Database:  filepath.Join(dataDir, "magpie.db"),
		Timeout:   Duration{30 * time.Second},
		PageSize:  100,
		LogLevel:  "warn",
	}
}

// ReadClientConfig декодирует конфигурацию из reader поверх значений по умолчанию.
func ReadClientConfig(r io.Reader) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("ошибка декодирования конфигурации: %w", err)
	}
	return cfg, nil
}

// WriteClientConfig кодирует конфигурацию в writer.
func WriteClientConfig(w io.Writer, cfg *ClientConfig) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("ошибка кодирования конфигурации: %w", err)
	}
	return nil
}

// LoadClientConfig читает конфигурацию из файла (отсутствие файла не ошибка),
// применяет переменные окружения и валидирует результат.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		cfg, err = ReadClientConfig(f)
		if err != nil {
			return nil, fmt.Errorf("чтение %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Файла нет — работаем на значениях по умолчанию
	default:
		return nil, fmt.Errorf("открытие %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveClientConfig записывает конфигурацию в файл, создавая директорию.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("создание директории конфигурации: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("создание файла конфигурации: %w", err)
	}
	defer f.Close()

	return WriteClientConfig(f, cfg)
}

// applyEnv переопределяет значения из переменных окружения MAGPIE_*.
func (c *ClientConfig) applyEnv() error {
	c.ServerURL = getEnvDefault("MAGPIE_SERVER_URL", c.ServerURL)
	c.Token = getEnvDefault("MAGPIE_TOKEN", c.Token)
	c.Database = getEnvDefault("MAGPIE_DATABASE", c.Database)
	c.LogLevel = getEnvDefault("MAGPIE_LOG_LEVEL", c.LogLevel)

	timeout, err := getEnvDuration("MAGPIE_TIMEOUT", c.Timeout.Duration)
	if err != nil {
		return fmt.Errorf("MAGPIE_TIMEOUT: %w", err)
	}
	c.Timeout = Duration{timeout}

	c.PageSize, err = getEnvInt("MAGPIE_PAGE_SIZE", c.PageSize)
	if err != nil {
		return fmt.Errorf("MAGPIE_PAGE_SIZE: %w", err)
	}
	return nil
}

// Validate проверяет корректность конфигурации устройства.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url: значение не задано")
	}
	if c.Database == "" {
		return errors.New("database: значение не задано")
	}
	if c.Timeout.Duration <= 0 {
		return errors.New("timeout: значение должно быть > 0")
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("page_size: значение %d вне диапазона 1-100", c.PageSize)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// ClientLogger создаёт текстовый логгер CLI (stderr, чтобы не смешиваться с выводом команд).
func (c *ClientConfig) ClientLogger() *slog.Logger {
	level, _ := parseLogLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
