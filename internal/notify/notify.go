// Пакет notify — побочный канал обратной связи оператору.
//
// Движок вызывает Notifier с каждым решением вне своего мьютекса.
// Реализации не должны блокировать: звуковой сигнал и озвучивание
// выполняет внешнее устройство, получающее события через webhook.
package notify

import (
	"log/slog"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
)

// Notifier получает решения движка.
type Notifier interface {
	Notify(d model.Decision)
}

// Cue — сигнал для устройства обратной связи.
type Cue struct {
	// Message — фраза для озвучивания
	Message string `json:"message"`
	// ToneHz — частота звукового сигнала
	ToneHz int `json:"tone_hz"`
	// ToneMs — длительность звукового сигнала
	ToneMs int `json:"tone_ms"`
}

// CueFor возвращает сигнал для решения.
func CueFor(kind model.DecisionKind) Cue {
	switch kind {
	case model.DecisionAccepted:
		return Cue{Message: "Added to the list", ToneHz: 1200, ToneMs: 300}
	case model.DecisionRejectedDuplicate:
		return Cue{Message: "Duplicate code found", ToneHz: 1000, ToneMs: 1500}
	default:
		return Cue{Message: "Please scan it again", ToneHz: 800, ToneMs: 800}
	}
}

// Nop — Notifier, который ничего не делает.
type Nop struct{}

// Notify ничего не делает.
func (Nop) Notify(model.Decision) {}

// Multi рассылает решение нескольким получателям по порядку.
type Multi []Notifier

// Notify вызывает каждого получателя.
func (m Multi) Notify(d model.Decision) {
	for _, n := range m {
		n.Notify(d)
	}
}

// Log пишет решения в журнал приложения.
type Log struct {
	logger *slog.Logger
}

// NewLog создаёт Notifier, пишущий в slog.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With(slog.String("component", "notify"))}
}

// Notify логирует решение. Предупреждение об изображении
// поднимает уровень до Warn.
func (l *Log) Notify(d model.Decision) {
	cue := CueFor(d.Kind)
	attrs := []any{
		slog.String("kind", string(d.Kind)),
		slog.String("code", d.Code),
	}
	switch d.Kind {
	case model.DecisionAccepted:
		attrs = append(attrs, slog.String("day", d.Day), slog.String("artifact", d.ArtifactPath))
		if d.ArtifactErr != nil {
			attrs = append(attrs, slog.String("error", d.ArtifactErr.Error()))
			l.logger.Warn("Код принят, изображение-подтверждение отсутствует", attrs...)
			return
		}
	case model.DecisionRejectedDuplicate:
		attrs = append(attrs, slog.Time("first_seen", d.FirstSeen))
	}
	l.logger.Info(cue.Message, attrs...)
}
