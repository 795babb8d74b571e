// health.go — обработчики health endpoints для Kubernetes probes.
// /health/live — процесс жив
// /health/ready — индекс построен, журнал доступен на запись
// /metrics — Prometheus метрики
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/artsore/intake-station/internal/config"
)

// Статусы health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

const serviceName = "intake-station"

// ReadinessProvider — готовность движка решений (индекс построен).
type ReadinessProvider interface {
	Ready() bool
}

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler реализует health endpoints.
type HealthHandler struct {
	engine ReadinessProvider
	// ledgerDir — корень журнала; недоступность на запись — fail
	ledgerDir string
	// imageDir — корень изображений; недоступность — degraded
	imageDir string
	// walDir — директория WAL; недоступность — degraded
	walDir      string
	deps        DependencyHealth
	promHandler http.Handler
}

// HealthDirs — директории, проверяемые readiness probe.
type HealthDirs struct {
	Ledger string
	Images string
	WAL    string
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil, если зависимости не настроены.
func NewHealthHandler(engine ReadinessProvider, dirs HealthDirs, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		engine:      engine,
		ledgerDir:   dirs.Ledger,
		imageDir:    dirs.Images,
		walDir:      dirs.WAL,
		deps:        deps,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат одной проверки.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status       string                       `json:"status"`
	Timestamp    string                       `json:"timestamp"`
	Version      string                       `json:"version"`
	Service      string                       `json:"service"`
	Checks       map[string]healthCheckResult `json:"checks"`
	Dependencies map[string]bool              `json:"dependencies,omitempty"`
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// fail (503): индекс не построен или журнал недоступен на запись.
// degraded (200): недоступны изображения или WAL.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]healthCheckResult{
		"index":  h.checkIndex(),
		"ledger": checkWritable(h.ledgerDir, statusFail, "Директория журнала недоступна для записи: "),
		"images": checkWritable(h.imageDir, statusDegraded, "Директория изображений недоступна для записи: "),
		"wal":    checkWritable(h.walDir, statusDegraded, "Директория WAL недоступна для записи: "),
	}

	statuses := make([]string, 0, len(checks))
	for _, c := range checks {
		statuses = append(statuses, c.Status)
	}

	resp := healthReadyResponse{
		Status:    overallStatus(statuses...),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    checks,
	}
	if h.deps != nil {
		resp.Dependencies = h.deps.Health()
	}

	status := http.StatusOK
	if resp.Status == statusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

func (h *HealthHandler) checkIndex() healthCheckResult {
	if h.engine == nil || !h.engine.Ready() {
		return healthCheckResult{Status: statusFail, Message: "Индекс дубликатов не построен"}
	}
	return healthCheckResult{Status: statusOK}
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, failStatus, message string) healthCheckResult {
	if dir == "" {
		return healthCheckResult{Status: statusOK, Message: "Проверка не настроена"}
	}
	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return healthCheckResult{Status: failStatus, Message: message + err.Error()}
	}
	_ = os.Remove(testFile)
	return healthCheckResult{Status: statusOK}
}

// overallStatus определяет итоговый статус из статусов проверок.
// Если хотя бы одна fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
