// Пакет server — HTTP-сервер magpie-server с graceful shutdown.
// Без TLS — TLS termination на reverse proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/sagesolar/magpie-sub000/internal/api/handlers"
	"github.com/sagesolar/magpie-sub000/internal/api/middleware"
	"github.com/sagesolar/magpie-sub000/internal/api/openapi"
	"github.com/sagesolar/magpie-sub000/internal/config"
)

// Handlers — обработчики, монтируемые в маршрутизатор.
type Handlers struct {
	Health  *handlers.HealthHandler
	Records *handlers.RecordHandler
	Auth    *handlers.AuthHandler
}

// Middlewares — middleware API-маршрутов. Любое может быть nil (для тестов).
type Middlewares struct {
	// Resolver — Identity Context Resolver
	Resolver *middleware.IdentityResolver
	// Validator — OpenAPI-валидация запросов
	Validator func(http.Handler) http.Handler
}

// Server — HTTP-сервер magpie-server.
type Server struct {
	httpServer *http.Server
	resolver   *middleware.IdentityResolver
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter создаёт chi-маршрутизатор со всеми маршрутами и middleware.
func NewRouter(logger *slog.Logger, h Handlers, mw Middlewares) chi.Router {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())

	// Health и metrics проверяются напрямую, без разрешения identity.
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)
	router.Get("/api/openapi.yaml", serveOpenAPI)

	router.Route("/api/v1", func(r chi.Router) {
		if mw.Resolver != nil {
			r.Use(mw.Resolver.Middleware())
		}
		r.Use(middleware.RequestLogger(logger))
		if mw.Validator != nil {
			r.Use(mw.Validator)
		}

		r.Route("/records", func(r chi.Router) {
			r.Get("/", h.Records.List)
			r.Post("/", h.Records.Create)
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", h.Records.Get)
				r.Put("/", h.Records.Update)
				r.Delete("/", h.Records.Delete)
				r.Post("/share", h.Records.Share)
				r.Delete("/share/{identity}", h.Records.Unshare)
				r.Post("/loan", h.Records.Lend)
				r.Post("/return", h.Records.Return)
			})
		})

		r.Post("/auth/login", h.Auth.Login)
		r.Get("/auth/me", h.Auth.GetProfile)
		r.Put("/auth/me", h.Auth.UpdateProfile)
		r.Delete("/auth/me", h.Auth.DeleteAccount)
	})

	return router
}

func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapi.Document())
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, mw Middlewares) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, mw),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		resolver:   mw.Resolver,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	// Дожидаемся фоновых обновлений last_login_at
	if s.resolver != nil {
		s.resolver.Wait()
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
