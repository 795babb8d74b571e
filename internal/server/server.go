// Пакет server — HTTP-сервер Intake Station с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/artsore/intake-station/internal/api/middleware"
	"github.com/arturkryukov/artsore/intake-station/internal/config"
)

// ServerInterface — все endpoints станции приёмки.
type ServerInterface interface {
	// POST /api/v1/scans
	SubmitScan(w http.ResponseWriter, r *http.Request)
	// POST /api/v1/frames
	SubmitFrame(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/days
	ListDays(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/history/{day}
	GetDayHistory(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/history
	SearchHistory(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/artifacts
	ListArtifacts(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/artifacts/{day}/{name}
	DownloadArtifact(w http.ResponseWriter, r *http.Request)
	// POST /api/v1/maintenance/reconcile
	Reconcile(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/info
	GetInfo(w http.ResponseWriter, r *http.Request)
	// GET /health/live
	HealthLive(w http.ResponseWriter, r *http.Request)
	// GET /health/ready
	HealthReady(w http.ResponseWriter, r *http.Request)
	// GET /metrics
	GetMetrics(w http.ResponseWriter, r *http.Request)
}

// Options — необязательные части цепочки middleware.
type Options struct {
	// Auth — проверка JWT для /api/v1; nil — API без аутентификации
	Auth *middleware.JWTAuth
	// Validator — проверка запросов по OpenAPI контракту; nil — без проверки
	Validator func(http.Handler) http.Handler
	// Middlewares — общие middleware для всех маршрутов (логирование, метрики)
	Middlewares []func(http.Handler) http.Handler
}

// Server — HTTP-сервер Intake Station.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter монтирует endpoints на chi router.
// Health, metrics и info публичные; остальные /api/v1 требуют scope
// scans:write (изменяющие) или scans:read (чтение), если задан Auth.
func NewRouter(handler ServerInterface, opts Options) chi.Router {
	router := chi.NewRouter()
	for _, mw := range opts.Middlewares {
		router.Use(mw)
	}

	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)
	router.Get("/api/v1/info", handler.GetInfo)

	router.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware())
		}
		if opts.Validator != nil {
			r.Use(opts.Validator)
		}

		r.Group(func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeScansWrite))
			}
			r.Post("/api/v1/scans", handler.SubmitScan)
			r.Post("/api/v1/frames", handler.SubmitFrame)
			r.Post("/api/v1/maintenance/reconcile", handler.Reconcile)
		})

		r.Group(func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeScansRead))
			}
			r.Get("/api/v1/days", handler.ListDays)
			r.Get("/api/v1/history", handler.SearchHistory)
			r.Get("/api/v1/history/{day}", handler.GetDayHistory)
			r.Get("/api/v1/artifacts", handler.ListArtifacts)
			r.Get("/api/v1/artifacts/{day}/{name}", handler.DownloadArtifact)
		})
	})

	return router
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, handler ServerInterface, opts Options) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(handler, opts),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown с IS_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
