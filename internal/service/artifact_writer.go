package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/imaging"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/artifact"
)

// displayLayout — формат времени в информационном блоке изображения.
const displayLayout = "2006-01-02 15:04:05"

// ArtifactRequest — данные для изображения-подтверждения.
type ArtifactRequest struct {
	Day        string
	Code       string
	CapturedAt time.Time
	Detection  model.Detection
	// Frame — кадр с кодом; nil для ручного ввода без кадра
	Frame image.Image
	// Geo — координаты для EXIF; nil — без геометаданных
	Geo *model.GeoPoint
}

// ArtifactSaver сохраняет изображение-подтверждение и возвращает путь.
// Ошибка с ErrMetadataEmbed означает, что изображение сохранено
// без геометаданных и путь валиден.
type ArtifactSaver interface {
	Save(req ArtifactRequest) (string, error)
}

// ArtifactWriter — аннотирует кадр, кодирует его, встраивает GPS EXIF
// и атомарно сохраняет с sidecar-метаданными.
type ArtifactWriter struct {
	store     *artifact.Store
	annotator *imaging.Annotator
	format    string
	loc       *time.Location
	logger    *slog.Logger
}

// NewArtifactWriter создаёт ArtifactWriter.
func NewArtifactWriter(
	store *artifact.Store,
	annotator *imaging.Annotator,
	format string,
	loc *time.Location,
	logger *slog.Logger,
) *ArtifactWriter {
	if loc == nil {
		loc = time.Local
	}
	return &ArtifactWriter{
		store:     store,
		annotator: annotator,
		format:    format,
		loc:       loc,
		logger:    logger.With(slog.String("component", "artifact_writer")),
	}
}

// Save реализует ArtifactSaver.
func (w *ArtifactWriter) Save(req ArtifactRequest) (string, error) {
	captured := req.CapturedAt.In(w.loc)

	ann := imaging.Annotation{
		Box:   req.Detection.Box,
		Lines: infoLines(req.Code, captured, req.Geo),
	}
	if req.Detection.Symbology != "" {
		ann.Label = fmt.Sprintf("%s (%s)", req.Code, req.Detection.Symbology)
	}

	var img image.Image
	if req.Frame != nil {
		img = w.annotator.Annotate(req.Frame, ann)
	} else {
		ann.Box = image.Rectangle{}
		img = w.annotator.Card(ann)
	}

	data, err := imaging.Encode(img, w.format)
	if err != nil {
		artifactFailures.WithLabelValues("encode").Inc()
		return "", fmt.Errorf("%w: %w", ErrArtifactWrite, err)
	}

	var metaErr error
	geo := req.Geo
	if geo != nil {
		withExif, err := imaging.EmbedGPS(data, w.format, geo.Lat, geo.Lon)
		if err != nil {
			artifactFailures.WithLabelValues("metadata").Inc()
			metaErr = fmt.Errorf("%w: %w", ErrMetadataEmbed, err)
			geo = nil
		} else {
			data = withExif
		}
	}

	name := artifact.FileName(req.Code, captured, imaging.Ext(w.format))
	res, err := w.store.Save(req.Day, name, bytes.NewReader(data))
	if err != nil {
		artifactFailures.WithLabelValues("filesystem").Inc()
		return "", fmt.Errorf("%w: %w", ErrArtifactWrite, err)
	}

	meta := &model.ArtifactMetadata{
		Code:        req.Code,
		Day:         req.Day,
		Name:        res.Name,
		CapturedAt:  req.CapturedAt,
		ContentType: imaging.ContentType(w.format),
		Size:        res.Size,
		Checksum:    res.Checksum,
		Geo:         geo,
	}
	if err := w.store.WriteMetadata(meta); err != nil {
		// Изображение на месте; сверка сообщит об отсутствии sidecar
		artifactFailures.WithLabelValues("sidecar").Inc()
		w.logger.Warn("Не удалось записать метаданные изображения",
			slog.String("path", res.FullPath),
			slog.String("error", err.Error()),
		)
	}

	if metaErr != nil {
		w.logger.Warn("Изображение сохранено без геометаданных",
			slog.String("path", res.FullPath),
			slog.String("error", metaErr.Error()),
		)
	}
	return res.FullPath, metaErr
}

// infoLines — информационный блок изображения.
func infoLines(code string, captured time.Time, geo *model.GeoPoint) []string {
	lines := []string{
		"ID: " + code,
		"Time: " + captured.Format(displayLayout),
	}
	if geo != nil {
		lines = append(lines, "GPS: "+formatCoord(geo.Lat)+", "+formatCoord(geo.Lon))
	}
	return lines
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// isMetadataOnly сообщает, что ошибка касается только геометаданных.
func isMetadataOnly(err error) bool {
	return errors.Is(err, ErrMetadataEmbed) && !errors.Is(err, ErrArtifactWrite)
}
