// scans.go — обработчики POST /api/v1/scans и POST /api/v1/frames.
// Принимают коды от клиента захвата или ручного ввода и возвращают решения.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/arturkryukov/artsore/intake-station/internal/api/errors"
	"github.com/arturkryukov/artsore/intake-station/internal/capture"
	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/imaging"
	"github.com/arturkryukov/artsore/intake-station/internal/notify"
	"github.com/arturkryukov/artsore/intake-station/internal/service"
)

// multipartMemory — часть multipart-формы, которая держится в памяти.
const multipartMemory = 1 << 20

// ScanDecider — движок решений, используемый API.
type ScanDecider interface {
	Decide(ctx context.Context, det model.Detection, now time.Time, frame image.Image) (model.Decision, error)
	DecideFrame(ctx context.Context, frame image.Image, dets []model.Detection, now time.Time) []service.Outcome
}

// ScansHandler — обработчик приёма кодов.
type ScansHandler struct {
	engine       ScanDecider
	maxFrameSize int64
	now          func() time.Time
	logger       *slog.Logger
}

// NewScansHandler создаёт обработчик приёма кодов.
// maxFrameSize — ограничение тела запроса с кадром, байт.
func NewScansHandler(engine ScanDecider, maxFrameSize int64, logger *slog.Logger) *ScansHandler {
	return &ScansHandler{
		engine:       engine,
		maxFrameSize: maxFrameSize,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "scans_handler")),
	}
}

// decisionResponse — решение в формате API.
type decisionResponse struct {
	model.Decision
	// Warning — изображение-подтверждение не сохранено, код всё равно принят
	Warning string `json:"warning,omitempty"`
	// Message — фраза для оператора
	Message string `json:"message"`
}

func newDecisionResponse(d model.Decision) decisionResponse {
	resp := decisionResponse{
		Decision: d,
		Message:  notify.CueFor(d.Kind).Message,
	}
	if d.ArtifactErr != nil {
		resp.Warning = d.ArtifactErr.Error()
	}
	return resp
}

// outcomeResponse — результат одного распознавания кадра.
type outcomeResponse struct {
	Decision *decisionResponse `json:"decision,omitempty"`
	Error    *errorResponse    `json:"error,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type frameResponse struct {
	Outcomes []outcomeResponse `json:"outcomes"`
}

// scanRequest — тело JSON-запроса ручного ввода.
type scanRequest struct {
	Code      string       `json:"code"`
	Symbology string       `json:"symbology,omitempty"`
	Box       *capture.Box `json:"box,omitempty"`
}

// SubmitScan обрабатывает POST /api/v1/scans.
// JSON — код без кадра (ручной ввод); multipart — код и необязательный кадр.
func (h *ScansHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	var (
		req   scanRequest
		frame image.Image
	)

	if isMultipartRequest(r) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFrameSize)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			h.writeBodyError(w, err)
			return
		}
		defer r.MultipartForm.RemoveAll() //nolint:errcheck // временные файлы формы
		req.Code = r.FormValue("code")
		req.Symbology = r.FormValue("symbology")

		img, err := h.readFrame(r)
		if err != nil {
			h.writeBodyError(w, err)
			return
		}
		frame = img
	} else {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
			apierrors.ValidationError(w, "Некорректное JSON-тело: "+err.Error())
			return
		}
	}

	det, err := capture.ReportDetection{Code: req.Code, Symbology: req.Symbology, Box: req.Box}.Detection()
	if err != nil {
		apierrors.ValidationError(w, "Некорректный код: "+err.Error())
		return
	}
	if det.HasBox() && frame != nil && !det.Box.In(frame.Bounds()) {
		apierrors.ValidationError(w, "Рамка кода выходит за пределы кадра")
		return
	}

	decision, err := h.engine.Decide(r.Context(), det, h.now(), frame)
	if err != nil {
		h.writeDecideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDecisionResponse(decision))
}

// SubmitFrame обрабатывает POST /api/v1/frames.
// Поле report — JSON отчёт клиента захвата, frame — необязательный кадр.
// Распознавания обрабатываются по порядку; ошибка одного не прерывает остальные.
// Кадр, который не удалось декодировать, заменяется карточкой без кадра.
func (h *ScansHandler) SubmitFrame(w http.ResponseWriter, r *http.Request) {
	if !isMultipartRequest(r) {
		apierrors.ValidationError(w, "Ожидается multipart/form-data")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFrameSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.writeBodyError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // временные файлы формы

	var report capture.Report
	if err := json.Unmarshal([]byte(r.FormValue("report")), &report); err != nil {
		apierrors.ValidationError(w, "Некорректный отчёт кадра: "+err.Error())
		return
	}
	dets, invalid := report.ToDetections()

	frame, err := h.readFrame(r)
	if errors.Is(err, errBadFrame) {
		// Кадр нужен только для изображения-подтверждения.
		h.logger.Warn("Кадр не декодирован, используется карточка без кадра",
			slog.String("error", err.Error()),
		)
		frame = nil
	} else if err != nil {
		h.writeBodyError(w, err)
		return
	}

	now := h.now()
	if report.CapturedAt != nil {
		now = *report.CapturedAt
	}

	outcomes := h.engine.DecideFrame(r.Context(), frame, dets, now)

	// Ответ повторяет порядок распознаваний отчёта: некорректные
	// занимают свою позицию как ошибки валидации.
	invalidAt := make(map[int]capture.DetectionError, len(invalid))
	for _, de := range invalid {
		invalidAt[de.Index] = de
	}
	resp := frameResponse{Outcomes: make([]outcomeResponse, 0, len(report.Detections))}
	next := 0
	for i := range report.Detections {
		if de, ok := invalidAt[i]; ok {
			resp.Outcomes = append(resp.Outcomes, outcomeResponse{
				Error: &errorResponse{Code: apierrors.CodeValidationError, Message: de.Error()},
			})
			continue
		}
		if next >= len(outcomes) {
			break
		}
		out := outcomes[next]
		next++
		if out.Err != nil {
			code, _ := decideErrorCode(out.Err)
			resp.Outcomes = append(resp.Outcomes, outcomeResponse{
				Error: &errorResponse{Code: code, Message: out.Err.Error()},
			})
			continue
		}
		d := newDecisionResponse(out.Decision)
		resp.Outcomes = append(resp.Outcomes, outcomeResponse{Decision: &d})
	}
	writeJSON(w, http.StatusOK, resp)
}

// readFrame читает необязательное поле frame multipart-формы.
func (h *ScansHandler) readFrame(r *http.Request) (image.Image, error) {
	file, _, err := r.FormFile("frame")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return img, nil
}

var errBadFrame = errors.New("кадр не является изображением PNG или JPEG")

// writeBodyError отвечает на ошибку чтения тела запроса.
func (h *ScansHandler) writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		apierrors.FrameTooLarge(w, fmt.Sprintf("Размер запроса превышает %d байт", maxErr.Limit))
		return
	}
	apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
}

// writeDecideError отвечает на ошибку движка решений.
func (h *ScansHandler) writeDecideError(w http.ResponseWriter, err error) {
	code, status := decideErrorCode(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Ошибка принятия решения", slog.String("error", err.Error()))
	}
	apierrors.WriteError(w, status, code, err.Error())
}

// decideErrorCode сопоставляет ошибку движка с кодом API и HTTP-статусом.
func decideErrorCode(err error) (string, int) {
	switch {
	case service.IsLedgerWrite(err):
		return apierrors.CodeLedgerWriteFailed, http.StatusInsufficientStorage
	case errors.Is(err, service.ErrEngineNotReady), errors.Is(err, service.ErrEngineClosed):
		return apierrors.CodeNotReady, http.StatusServiceUnavailable
	default:
		return apierrors.CodeInternalError, http.StatusInternalServerError
	}
}

// isMultipartRequest сообщает, передано ли тело как multipart/form-data.
func isMultipartRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mediaType, "multipart/form-data")
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
