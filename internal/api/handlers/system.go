// system.go — обработчик GET /api/v1/info (информация о станции приёмки).
// Публичный endpoint (без аутентификации) для мониторинга.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/config"
	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/service"
)

// StationState — состояние движка решений для /api/v1/info.
type StationState interface {
	Ready() bool
	ValidPrefix() string
	Geo() *model.GeoPoint
	KnownCodes() int
}

// UsageReporter — ёмкость файловой системы с изображениями.
type UsageReporter interface {
	Usage() (total, used, available int64, err error)
}

// LastReconcileProvider — результат последней сверки.
type LastReconcileProvider interface {
	LastResult() *service.ReconcileResult
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	stationID string
	timezone  string
	format    string
	state     StationState
	usage     UsageReporter
	reconcile LastReconcileProvider
	logger    *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
// reconcile может быть nil.
func NewSystemHandler(
	cfg *config.Config,
	state StationState,
	usage UsageReporter,
	reconcile LastReconcileProvider,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		stationID: cfg.StationID,
		timezone:  cfg.Location.String(),
		format:    cfg.ImageFormat,
		state:     state,
		usage:     usage,
		reconcile: reconcile,
		logger:    logger.With(slog.String("component", "system_handler")),
	}
}

type capacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

type lastReconcileInfo struct {
	CompletedAt time.Time `json:"completed_at"`
	Issues      int       `json:"issues"`
}

type stationInfo struct {
	StationID     string             `json:"station_id"`
	Version       string             `json:"version"`
	Status        string             `json:"status"`
	ValidPrefix   string             `json:"valid_prefix"`
	Timezone      string             `json:"timezone"`
	ImageFormat   string             `json:"image_format"`
	KnownCodes    int                `json:"known_codes"`
	Geo           *model.GeoPoint    `json:"geo,omitempty"`
	Capacity      *capacityInfo      `json:"capacity,omitempty"`
	LastReconcile *lastReconcileInfo `json:"last_reconcile,omitempty"`
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	status := "online"
	if !h.state.Ready() {
		status = "starting"
	}

	resp := stationInfo{
		StationID:   h.stationID,
		Version:     config.Version,
		Status:      status,
		ValidPrefix: h.state.ValidPrefix(),
		Timezone:    h.timezone,
		ImageFormat: h.format,
		KnownCodes:  h.state.KnownCodes(),
		Geo:         h.state.Geo(),
	}

	if h.usage != nil {
		total, used, available, err := h.usage.Usage()
		if err != nil {
			h.logger.Warn("Не удалось получить ёмкость диска", slog.String("error", err.Error()))
		} else {
			resp.Capacity = &capacityInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	if h.reconcile != nil {
		if last := h.reconcile.LastResult(); last != nil {
			resp.LastReconcile = &lastReconcileInfo{CompletedAt: last.CompletedAt, Issues: len(last.Issues)}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
