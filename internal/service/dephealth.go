// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Intake Station мониторит (только настроенные):
//   - JWKS endpoint провайдера токенов (HTTP GET, critical)
//   - сервис IP-геолокации (HTTP GET, не critical: есть резервные координаты)
//   - webhook устройства обратной связи (HTTP GET, не critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies — ни одна внешняя зависимость не настроена.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// Dependency — внешняя HTTP-зависимость станции.
type Dependency struct {
	// Name — имя зависимости в метриках
	Name string
	// URL — адрес проверки; пустой URL — зависимость не настроена
	URL string
	// Critical — влияет ли отказ на готовность
	Critical bool
}

// DephealthConfig — параметры мониторинга.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения (IS_STATION_ID)
	ServiceID string
	// Group — имя группы в метриках (IS_DEPHEALTH_GROUP)
	Group string
	// CheckInterval — интервал проверки (IS_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
	Dependencies  []Dependency
	// Registerer — Prometheus registry; nil — глобальный
	Registerer prometheus.Registerer
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	names  []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Возвращает ErrNoDependencies, если ни один URL не задан.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	var names []string
	for _, dep := range cfg.Dependencies {
		if dep.URL == "" {
			continue
		}
		depOpts, err := httpDependencyOptions(dep, cfg.CheckInterval)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dephealth.HTTP(dep.Name, depOpts...))
		names = append(names, dep.Name)
	}
	if len(names) == 0 {
		return nil, ErrNoDependencies
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		names:  names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// httpDependencyOptions разбирает URL зависимости: схема, хост и порт
// идут в FromURL, путь — в путь проверки.
func httpDependencyOptions(dep Dependency, interval time.Duration) ([]dephealth.DependencyOption, error) {
	u, err := url.Parse(dep.URL)
	if err != nil {
		return nil, err
	}
	healthPath := u.Path
	if healthPath == "" {
		healthPath = "/"
	}
	base := url.URL{Scheme: u.Scheme, Host: u.Host}

	return []dephealth.DependencyOption{
		dephealth.FromURL(base.String()),
		dephealth.WithHTTPHealthPath(healthPath),
		dephealth.CheckInterval(interval),
		dephealth.Critical(dep.Critical),
	}, nil
}

// Dependencies возвращает имена отслеживаемых зависимостей.
func (ds *DephealthService) Dependencies() []string {
	return ds.names
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен",
		slog.Any("dependencies", ds.names),
	)
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
