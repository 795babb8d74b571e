// history.go — обработчики истории сканирований:
// GET /api/v1/days, GET /api/v1/history, GET /api/v1/history/{day}.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/arturkryukov/artsore/intake-station/internal/api/errors"
	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/service"
)

// Порядок строк в ответе истории.
const (
	orderFile = "file"
	orderAsc  = "asc"
	orderDesc = "desc"
)

// HistoryReader — чтение истории из журнала.
type HistoryReader interface {
	HistoryFor(ctx context.Context, day string) ([]model.ScanRecord, error)
	HistoryForCodeSubstring(ctx context.Context, query string) ([]model.ScanRecord, error)
	Days() ([]string, error)
}

// HistoryHandler — обработчик endpoints истории.
type HistoryHandler struct {
	history HistoryReader
	logger  *slog.Logger
}

// NewHistoryHandler создаёт обработчик истории.
func NewHistoryHandler(history HistoryReader, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger.With(slog.String("component", "history_handler")),
	}
}

type historyResponse struct {
	Items []model.ScanRecord `json:"items"`
	Total int                `json:"total"`
}

type daysResponse struct {
	Days []string `json:"days"`
}

// ListDays обрабатывает GET /api/v1/days.
func (h *HistoryHandler) ListDays(w http.ResponseWriter, _ *http.Request) {
	days, err := h.history.Days()
	if err != nil {
		h.logger.Error("Ошибка получения списка дней", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения журнала")
		return
	}
	if days == nil {
		days = []string{}
	}
	writeJSON(w, http.StatusOK, daysResponse{Days: days})
}

// GetDayHistory обрабатывает GET /api/v1/history/{day}.
// По умолчанию строки возвращаются в порядке файла журнала.
func (h *HistoryHandler) GetDayHistory(w http.ResponseWriter, r *http.Request) {
	var day openapi_types.Date
	err := runtime.BindStyledParameterWithOptions("simple", "day", chi.URLParam(r, "day"), &day,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный день: "+err.Error())
		return
	}

	order := orderFile
	var orderParam *string
	if err := runtime.BindQueryParameter("form", true, false, "order", r.URL.Query(), &orderParam); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр order: "+err.Error())
		return
	}
	if orderParam != nil {
		order = *orderParam
	}
	if order != orderFile && order != orderAsc && order != orderDesc {
		apierrors.ValidationError(w, "Параметр order: допустимы file, asc, desc")
		return
	}

	limit, ok := bindLimit(w, r)
	if !ok {
		return
	}

	records, err := h.history.HistoryFor(r.Context(), day.String())
	if err != nil {
		h.writeHistoryError(w, err)
		return
	}
	sortRecords(records, order)
	writeJSON(w, http.StatusOK, newHistoryResponse(records, limit))
}

// SearchHistory обрабатывает GET /api/v1/history?code=...
// Поиск по подстроке без учёта регистра во всех партициях.
func (h *HistoryHandler) SearchHistory(w http.ResponseWriter, r *http.Request) {
	var code *string
	if err := runtime.BindQueryParameter("form", true, false, "code", r.URL.Query(), &code); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр code: "+err.Error())
		return
	}
	limit, ok := bindLimit(w, r)
	if !ok {
		return
	}

	query := ""
	if code != nil {
		query = *code
	}
	records, err := h.history.HistoryForCodeSubstring(r.Context(), query)
	if err != nil {
		h.writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHistoryResponse(records, limit))
}

func (h *HistoryHandler) writeHistoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDay):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, context.Canceled):
		// Клиент ушёл, ответ никто не прочитает
	default:
		h.logger.Error("Ошибка чтения истории", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения журнала")
	}
}

// bindLimit разбирает необязательный параметр limit. 0 — без ограничения.
func bindLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit: "+err.Error())
		return 0, false
	}
	if limit == nil {
		return 0, true
	}
	if *limit < 1 {
		apierrors.ValidationError(w, "Параметр limit должен быть положительным")
		return 0, false
	}
	return *limit, true
}

// sortRecords упорядочивает строки по времени; порядок файла сохраняется
// для равных меток.
func sortRecords(records []model.ScanRecord, order string) {
	switch order {
	case orderAsc:
		slices.SortStableFunc(records, func(a, b model.ScanRecord) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
	case orderDesc:
		slices.SortStableFunc(records, func(a, b model.ScanRecord) int {
			return b.Timestamp.Compare(a.Timestamp)
		})
	}
}

func newHistoryResponse(records []model.ScanRecord, limit int) historyResponse {
	total := len(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []model.ScanRecord{}
	}
	return historyResponse{Items: records, Total: total}
}
