// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// magpie-server мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - OIDC-провайдер — HTTP checker к JWKS endpoint (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// DephealthParams — параметры мониторинга.
type DephealthParams struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (MG_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL PostgreSQL (для лейблов, не для подключения)
	PGConnURL string
	// JWKSURL — URL JWKS endpoint OIDC-провайдера
	JWKSURL string
	// CheckInterval — интервал проверки зависимостей
	CheckInterval time.Duration
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(p DephealthParams, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(p, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(p DephealthParams, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(p, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(p DephealthParams, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	base, healthPath, err := splitHealthURL(p.JWKSURL)
	if err != nil {
		return nil, err
	}

	oidcOpts := []dephealth.DependencyOption{
		dephealth.FromURL(base),
		dephealth.WithHTTPHealthPath(healthPath),
		dephealth.CheckInterval(p.CheckInterval),
		dephealth.Critical(true),
	}
	if parsed, err := url.Parse(base); err == nil && parsed.Scheme == "https" {
		oidcOpts = append(oidcOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	opts := make([]dephealth.Option, 0, 3+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(p.DB)),
			dephealth.FromURL(p.PGConnURL),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("oidc-provider", oidcOpts...),
	)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(p.ServiceID, p.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// splitHealthURL разделяет URL на базу (scheme://host) и путь проверки.
func splitHealthURL(raw string) (base, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("некорректный URL зависимости %q", raw)
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return u.Scheme + "://" + u.Host, path, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + OIDC)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
