// magpie — CLI устройства: локальный каталог, журнал изменений и синхронизация
// с magpie-server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagesolar/magpie-sub000/internal/client/catalog"
	"github.com/sagesolar/magpie-sub000/internal/client/localstore"
	"github.com/sagesolar/magpie-sub000/internal/client/remote"
	"github.com/sagesolar/magpie-sub000/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Глобальные флаги, переопределяют файл конфигурации и MAGPIE_*.
var (
	flagConfig    string
	flagServerURL string
	flagDatabase  string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:          "magpie",
	Short:        "Личный каталог книг с офлайн-редактированием",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", config.DefaultClientConfigPath(), "путь к файлу конфигурации")
	pf.StringVar(&flagServerURL, "server", "", "URL magpie-server")
	pf.StringVar(&flagDatabase, "database", "", "путь к локальной базе")
	pf.StringVar(&flagLogLevel, "log-level", "", "уровень логирования (debug, info, warn, error)")
}

// loadConfig читает конфигурацию и применяет глобальные флаги.
func loadConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	if flagServerURL != "" {
		cfg.ServerURL = flagServerURL
	}
	if flagDatabase != "" {
		cfg.Database = flagDatabase
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация: %w", err)
	}
	return cfg, nil
}

// app — зависимости команды. Вызывающий обязан вызвать Close.
type app struct {
	cfg     *config.ClientConfig
	logger  *slog.Logger
	store   *localstore.Store
	catalog *catalog.Catalog
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.ClientLogger()

	store, err := localstore.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("открытие локальной базы: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		catalog: catalog.New(store, logger),
	}, nil
}

// remote создаёт HTTP-клиент сервера.
func (a *app) remote() (*remote.Client, error) {
	return remote.New(a.cfg.ServerURL, a.cfg.Token, a.cfg.Timeout.Duration, a.logger)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Ошибка закрытия локальной базы", slog.String("error", err.Error()))
	}
}
