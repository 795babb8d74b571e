package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/imaging"
)

// Суффиксы файлов spool-директории.
const (
	reportSuffix   = ".json"
	rejectedSuffix = ".rejected"
)

// frameExts — расширения кадра, лежащего рядом с отчётом.
var frameExts = []string{".png", ".jpg", ".jpeg"}

// SpoolSource читает кадры из директории, куда их складывает клиент
// захвата: <id>.json (Report) и необязательный <id>.png|jpg.
// Отчёт должен появляться последним (запись через temp + rename).
// Обработанные файлы удаляются, нечитаемые отчёты и кадры
// переименовываются с суффиксом .rejected. Некорректное распознавание
// пропускается, остальные распознавания отчёта обрабатываются.
type SpoolSource struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger
}

// NewSpoolSource создаёт источник. Директория создаётся при необходимости.
func NewSpoolSource(dir string, interval time.Duration, logger *slog.Logger) (*SpoolSource, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать spool-директорию %s: %w", dir, err)
	}
	return &SpoolSource{
		dir:      dir,
		interval: interval,
		logger:   logger.With(slog.String("component", "spool")),
	}, nil
}

// Next возвращает следующий кадр, опрашивая директорию с интервалом.
func (s *SpoolSource) Next(ctx context.Context) (Frame, error) {
	for {
		frame, ok, err := s.poll()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return frame, nil
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// poll забирает самый ранний по имени отчёт.
func (s *SpoolSource) poll() (Frame, bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+reportSuffix))
	if err != nil {
		return Frame{}, false, fmt.Errorf("ошибка сканирования spool-директории: %w", err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		frame, err := s.load(path)
		if err != nil {
			s.reject(path, err)
			continue
		}
		return frame, true, nil
	}
	return Frame{}, false, nil
}

// load читает отчёт и кадр, затем удаляет их из директории.
func (s *SpoolSource) load(reportPath string) (Frame, error) {
	id := strings.TrimSuffix(filepath.Base(reportPath), reportSuffix)
	frame := Frame{ID: id}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return frame, fmt.Errorf("ошибка чтения отчёта: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return frame, fmt.Errorf("ошибка разбора отчёта: %w", err)
	}
	var invalid []DetectionError
	frame.Detections, invalid = report.ToDetections()
	for _, de := range invalid {
		detectionsInvalid.Inc()
		s.logger.Warn("Распознавание пропущено",
			slog.String("frame", id),
			slog.String("code", de.Code),
			slog.String("error", de.Error()),
		)
	}
	if report.CapturedAt != nil {
		frame.CapturedAt = *report.CapturedAt
	}

	for _, ext := range frameExts {
		imgPath := filepath.Join(s.dir, id+ext)
		imgData, err := os.ReadFile(imgPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return frame, fmt.Errorf("ошибка чтения кадра: %w", err)
		}
		img, _, err := imaging.Decode(imgData)
		if err != nil {
			// Кадр нужен только для изображения-подтверждения:
			// распознавания обрабатываются без него.
			s.logger.Warn("Кадр не декодирован, используется карточка без кадра",
				slog.String("path", imgPath),
				slog.String("error", err.Error()),
			)
			if err := os.Rename(imgPath, imgPath+rejectedSuffix); err != nil {
				s.logger.Warn("Не удалось переименовать кадр", slog.String("path", imgPath), slog.String("error", err.Error()))
			}
			break
		}
		frame.Image = img
		if err := os.Remove(imgPath); err != nil {
			s.logger.Warn("Не удалось удалить кадр", slog.String("path", imgPath), slog.String("error", err.Error()))
		}
		break
	}

	if err := os.Remove(reportPath); err != nil {
		return frame, fmt.Errorf("не удалось удалить отчёт: %w", err)
	}
	return frame, nil
}

// reject убирает нечитаемый отчёт из очереди.
func (s *SpoolSource) reject(path string, cause error) {
	framesTotal.WithLabelValues("rejected").Inc()
	s.logger.Warn("Отчёт клиента захвата отклонён",
		slog.String("path", path),
		slog.String("error", cause.Error()),
	)
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		s.logger.Error("Не удалось переименовать отклонённый отчёт",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
