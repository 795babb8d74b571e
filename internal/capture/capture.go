// Пакет capture — доставка кадров от клиента захвата в движок.
//
// Камера и декодер штрихкодов — внешние компоненты. Loop читает кадры
// из FrameSource в фоновой горутине, при необходимости распознаёт коды
// через Decoder и передаёт распознавания в движок по порядку.
package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/service"
)

// ErrSourceClosed — источник кадров исчерпан.
var ErrSourceClosed = errors.New("источник кадров закрыт")

// Frame — один кадр от клиента захвата.
type Frame struct {
	// ID — идентификатор кадра в источнике (для логов)
	ID string
	// Image — кадр; nil, если клиент прислал только распознавания
	Image image.Image
	// CapturedAt — время захвата; нулевое — время получения
	CapturedAt time.Time
	// Detections — распознавания, выполненные клиентом
	Detections []model.Detection
}

// FrameSource — источник кадров. Next блокируется до появления кадра
// и возвращает ErrSourceClosed, когда кадров больше не будет.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// Decoder распознаёт коды на кадре.
type Decoder interface {
	Decode(img image.Image) ([]model.Detection, error)
}

// Decider принимает решения по распознаваниям кадра.
type Decider interface {
	DecideFrame(ctx context.Context, frame image.Image, dets []model.Detection, now time.Time) []service.Outcome
}

// Loop — цикл обработки кадров.
type Loop struct {
	source  FrameSource
	decoder Decoder
	decider Decider
	now     func() time.Time
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop создаёт цикл. decoder может быть nil: тогда используются
// распознавания, присланные вместе с кадром.
func NewLoop(source FrameSource, decoder Decoder, decider Decider, logger *slog.Logger) *Loop {
	return &Loop{
		source:  source,
		decoder: decoder,
		decider: decider,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "capture")),
	}
}

// Start запускает цикл в фоновой горутине.
func (l *Loop) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		if err := l.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("Цикл захвата остановлен с ошибкой", slog.String("error", err.Error()))
		}
	}()

	l.logger.Info("Цикл захвата запущен")
}

// Stop останавливает цикл и ждёт завершения текущего кадра.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.logger.Info("Цикл захвата остановлен")
}

// Run обрабатывает кадры до отмены ctx или закрытия источника.
// Ошибки отдельных кадров логируются и не прерывают цикл.
func (l *Loop) Run(ctx context.Context) error {
	for {
		frame, err := l.source.Next(ctx)
		if errors.Is(err, ErrSourceClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("Ошибка получения кадра", slog.String("error", err.Error()))
			continue
		}
		l.Process(ctx, frame)
	}
}

// Process передаёт распознавания одного кадра в движок.
func (l *Loop) Process(ctx context.Context, frame Frame) []service.Outcome {
	dets := frame.Detections
	if l.decoder != nil && frame.Image != nil {
		decoded, err := l.decoder.Decode(frame.Image)
		if err != nil {
			framesTotal.WithLabelValues("decode_error").Inc()
			l.logger.Warn("Ошибка распознавания кадра",
				slog.String("frame", frame.ID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		dets = decoded
	}
	if len(dets) == 0 {
		framesTotal.WithLabelValues("empty").Inc()
		return nil
	}

	now := frame.CapturedAt
	if now.IsZero() {
		now = l.now()
	}

	outcomes := l.decider.DecideFrame(ctx, frame.Image, dets, now)
	framesTotal.WithLabelValues("processed").Inc()
	for _, o := range outcomes {
		if o.Err != nil {
			l.logger.Error("Код не записан",
				slog.String("frame", frame.ID),
				slog.String("code", o.Decision.Code),
				slog.String("error", o.Err.Error()),
			)
		}
	}
	return outcomes
}
