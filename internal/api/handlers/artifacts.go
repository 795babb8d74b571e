// artifacts.go — обработчики изображений-подтверждений:
// GET /api/v1/artifacts?code=..., GET /api/v1/artifacts/{day}/{name}.
package handlers

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/arturkryukov/artsore/intake-station/internal/api/errors"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/artifact"
)

// ProofLookup — поиск изображений по коду.
type ProofLookup interface {
	Proofs(code string) ([]artifact.Ref, error)
}

// ArtifactOpener — чтение изображения из хранилища.
type ArtifactOpener interface {
	Open(day, name string) (*os.File, fs.FileInfo, error)
}

// ArtifactsHandler — обработчик endpoints изображений.
type ArtifactsHandler struct {
	proofs ProofLookup
	store  ArtifactOpener
	logger *slog.Logger
}

// NewArtifactsHandler создаёт обработчик изображений.
func NewArtifactsHandler(proofs ProofLookup, store ArtifactOpener, logger *slog.Logger) *ArtifactsHandler {
	return &ArtifactsHandler{
		proofs: proofs,
		store:  store,
		logger: logger.With(slog.String("component", "artifacts_handler")),
	}
}

type artifactItem struct {
	artifact.Ref
	URL string `json:"url"`
}

type artifactsResponse struct {
	Items []artifactItem `json:"items"`
}

// ListArtifacts обрабатывает GET /api/v1/artifacts?code=...
func (h *ArtifactsHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	var code string
	if err := runtime.BindQueryParameter("form", true, true, "code", r.URL.Query(), &code); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр code: "+err.Error())
		return
	}
	code = strings.TrimSpace(code)
	if code == "" {
		apierrors.ValidationError(w, "Параметр code обязателен")
		return
	}

	refs, err := h.proofs.Proofs(code)
	if err != nil {
		h.logger.Error("Ошибка поиска изображений",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения хранилища изображений")
		return
	}

	items := make([]artifactItem, 0, len(refs))
	for _, ref := range refs {
		items = append(items, artifactItem{
			Ref: ref,
			URL: path.Join("/api/v1/artifacts", ref.Day, url.PathEscape(ref.Name)),
		})
	}
	writeJSON(w, http.StatusOK, artifactsResponse{Items: items})
}

// DownloadArtifact обрабатывает GET /api/v1/artifacts/{day}/{name}.
// Поддерживает Range и условные запросы через http.ServeContent.
func (h *ArtifactsHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	var day openapi_types.Date
	err := runtime.BindStyledParameterWithOptions("simple", "day", chi.URLParam(r, "day"), &day,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный день: "+err.Error())
		return
	}
	name := chi.URLParam(r, "name")

	f, info, err := h.store.Open(day.String(), name)
	if errors.Is(err, artifact.ErrNotFound) {
		apierrors.NotFound(w, "Изображение не найдено")
		return
	}
	if err != nil {
		h.logger.Error("Ошибка открытия изображения",
			slog.String("day", day.String()),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения изображения")
		return
	}
	defer f.Close()

	if ct := contentTypeByName(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func contentTypeByName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return ""
	}
}
