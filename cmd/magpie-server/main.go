// Точка входа magpie-server — удалённое хранилище личного каталога книг.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт Identity Context Resolver, Ownership Guard, сервисы и HTTP API,
// запускает topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/sagesolar/magpie-sub000/internal/api/handlers"
	"github.com/sagesolar/magpie-sub000/internal/api/middleware"
	"github.com/sagesolar/magpie-sub000/internal/api/openapi"
	"github.com/sagesolar/magpie-sub000/internal/config"
	"github.com/sagesolar/magpie-sub000/internal/database"
	"github.com/sagesolar/magpie-sub000/internal/domain/access"
	"github.com/sagesolar/magpie-sub000/internal/repository"
	"github.com/sagesolar/magpie-sub000/internal/server"
	"github.com/sagesolar/magpie-sub000/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("magpie-server запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("MG_DEPHEALTH_GROUP") == "" {
		logger.Warn("MG_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	repos := repository.NewRepos(pool)
	txRunner := repository.NewTxRunner(pool)

	// 6. Ownership Guard и сервисы
	guard := access.NewGuard()
	identityCache := service.NewIdentityCache(cfg.IdentityCacheSize, cfg.IdentityCacheTTL)
	identitySvc := service.NewIdentityService(txRunner, repos.Identities, identityCache, logger)
	recordSvc := service.NewRecordService(txRunner, repos.Records, repos.Identities, guard, logger)

	// 7. Identity Context Resolver (JWT через JWKS OIDC-провайдера)
	tokenValidator, err := middleware.NewTokenValidator(middleware.TokenValidatorOptions{
		JWKSURL:         cfg.JWTJWKSURL,
		CACertPath:      cfg.OIDCCACertPath,
		Issuer:          cfg.JWTIssuer,
		Audience:        cfg.JWTAudience,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания валидатора токенов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	resolver := middleware.NewIdentityResolver(tokenValidator, identitySvc, logger)
	logger.Info("Identity Context Resolver инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 8. OpenAPI-валидация запросов
	validator, err := openapi.NewValidator(ctx, logger)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-документа", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Readiness checkers (PostgreSQL + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	oidcChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.OIDCCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания OIDC readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. HTTP handlers
	h := server.Handlers{
		Health:  handlers.NewHealthHandler(pgChecker, oidcChecker),
		Records: handlers.NewRecordHandler(recordSvc, cfg.DefaultPageSize, cfg.MaxPageSize, logger),
		Auth:    handlers.NewAuthHandler(identitySvc, logger),
	}

	// 11. topologymetrics — мониторинг зависимостей (PostgreSQL + OIDC)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthParams{
		ServiceID:     "magpie-server",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
			defer dephealthSvc.Stop()
		}
	}

	// 12. HTTP-сервер
	srv := server.New(cfg, logger, h, server.Middlewares{
		Resolver:  resolver,
		Validator: validator.Middleware(),
	})
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("magpie-server остановлен")
}
