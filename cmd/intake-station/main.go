// Точка входа Intake Station — станции приёмки штрихкодов на складе.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/api/handlers"
	"github.com/arturkryukov/artsore/intake-station/internal/api/middleware"
	"github.com/arturkryukov/artsore/intake-station/internal/api/openapi"
	"github.com/arturkryukov/artsore/intake-station/internal/capture"
	"github.com/arturkryukov/artsore/intake-station/internal/config"
	"github.com/arturkryukov/artsore/intake-station/internal/geo"
	"github.com/arturkryukov/artsore/intake-station/internal/imaging"
	"github.com/arturkryukov/artsore/intake-station/internal/notify"
	"github.com/arturkryukov/artsore/intake-station/internal/server"
	"github.com/arturkryukov/artsore/intake-station/internal/service"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/artifact"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/index"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/ledger"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/wal"
)

const (
	// fontSize — кегль TrueType-шрифта аннотаций
	fontSize = 18
	// notifyTimeout — таймаут доставки одного уведомления webhook
	notifyTimeout = 3 * time.Second
	// jwksClientTimeout — таймаут HTTP-клиента JWKS
	jwksClientTimeout = 10 * time.Second
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Intake Station запускается",
		slog.String("station_id", cfg.StationID),
		slog.String("version", config.Version),
		slog.String("valid_prefix", cfg.ValidPrefix),
		slog.String("timezone", cfg.Location.String()),
		slog.Int("port", cfg.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Хранилища ---

	// 1. Журнал сканирований и индекс дубликатов
	ledgerStore := ledger.New(cfg.LedgerDir, cfg.Location, logger)
	idx := index.New(logger)

	// 2. Изображения-подтверждения
	images, err := artifact.New(cfg.ImageDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища изображений", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. WAL-журнал принятий
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Движок решений ---

	// 4. Координаты станции: один запрос при старте, иначе резервные
	point := geo.NewResolver(cfg.GeoLookupURL, cfg.GeoLookupTimeout, cfg.FallbackLat, cfg.FallbackLon, logger).
		Resolve(ctx)

	// 5. Аннотации и запись изображений
	annotator, err := imaging.NewAnnotator(cfg.FontPath, fontSize)
	if err != nil {
		logger.Error("Ошибка загрузки шрифта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	writer := service.NewArtifactWriter(images, annotator, cfg.ImageFormat, cfg.Location, logger)

	// 6. Обратная связь: лог и необязательный webhook устройства
	notifiers := notify.Multi{notify.NewLog(logger)}
	var webhook *notify.Webhook
	if cfg.NotifyWebhookURL != "" {
		webhook = notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyQueueSize, notifyTimeout, logger)
		notifiers = append(notifiers, webhook)
	}

	engine := service.NewEngine(service.EngineConfig{
		ValidPrefix: cfg.ValidPrefix,
		Location:    cfg.Location,
		Geo:         &point,
	}, ledgerStore, idx, writer, walEngine, notifiers, logger)

	// 7. Индекс строится до приёма запросов; недоступный журнал фатален
	if err := engine.Hydrate(ctx); err != nil {
		logger.Error("Ошибка загрузки журнала", slog.String("error", err.Error()))
		os.Exit(1)
	}

	history := service.NewHistory(ledgerStore, images, cfg.HistoryCacheSize, cfg.HistoryCacheTTL,
		cfg.SearchConcurrency, logger)

	// --- Фоновые процессы ---

	// 8. Сверка журнала и изображений
	reconcileSvc := service.NewReconcileService(ledgerStore, images, walEngine, cfg.ReconcileInterval, logger)
	reconcileSvc.Start(ctx)

	// 9. Кадры от клиента захвата через директорию
	var loop *capture.Loop
	if cfg.SpoolDir != "" {
		spool, err := capture.NewSpoolSource(cfg.SpoolDir, cfg.SpoolPollInterval, logger)
		if err != nil {
			logger.Error("Ошибка инициализации директории кадров", slog.String("error", err.Error()))
			os.Exit(1)
		}
		loop = capture.NewLoop(spool, nil, engine, logger)
		loop.Start(ctx)
		logger.Info("Опрос директории кадров запущен", slog.String("dir", cfg.SpoolDir))
	}

	// 10. topologymetrics — мониторинг зависимостей
	var deps handlers.DependencyHealth
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     cfg.StationID,
		Group:         cfg.DephealthGroup,
		CheckInterval: cfg.DephealthCheckInterval,
		Dependencies: []service.Dependency{
			{Name: "jwks", URL: cfg.JWKSUrl, Critical: true},
			{Name: "geo-lookup", URL: cfg.GeoLookupURL},
			{Name: "notify-webhook", URL: cfg.NotifyWebhookURL},
		},
	}, logger)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("Внешние зависимости не настроены, мониторинг отключён")
		dephealthSvc = nil
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		dephealthSvc = nil
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		} else {
			deps = dephealthSvc
		}
	}

	// --- HTTP API ---

	// 11. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewScansHandler(engine, cfg.MaxFrameSize, logger),
		handlers.NewHistoryHandler(history, logger),
		handlers.NewArtifactsHandler(history, images, logger),
		handlers.NewSystemHandler(cfg, engine, images, reconcileSvc, logger),
		handlers.NewMaintenanceHandler(reconcileSvc),
		handlers.NewHealthHandler(engine, handlers.HealthDirs{
			Ledger: cfg.LedgerDir,
			Images: cfg.ImageDir,
			WAL:    cfg.WALDir,
		}, deps),
	)

	// 12. Валидация запросов по OpenAPI контракту
	doc, err := openapi.Load()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := middleware.RequestValidator(doc, logger)
	if err != nil {
		logger.Error("Ошибка инициализации валидатора", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. JWT аутентификация (только при заданном IS_JWKS_URL)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			ClientTimeout:   jwksClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("IS_JWKS_URL не задан, API работает без аутентификации")
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, server.Options{
		Auth:      jwtAuth,
		Validator: validator,
		Middlewares: []func(next http.Handler) http.Handler{
			middleware.RequestLogger(logger),
			middleware.MetricsMiddleware(),
		},
	})

	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	// Сначала перестаём принимать кадры, затем закрываем движок
	if loop != nil {
		loop.Stop()
	}
	engine.Close()

	if webhook != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := webhook.Close(closeCtx); err != nil {
			logger.Warn("Не все уведомления доставлены", slog.String("error", err.Error()))
		}
		closeCancel()
	}
	reconcileSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	cancel()

	logger.Info("Intake Station остановлена")
	if runErr != nil {
		os.Exit(1)
	}
}
