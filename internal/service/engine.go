package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/notify"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/index"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/ledger"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/wal"
)

// LedgerStore — операции журнала сканирований, нужные движку и истории.
type LedgerStore interface {
	Check() error
	Append(day, code string, ts time.Time) error
	ListPartitions() ([]string, error)
	ReadPartition(day string) (*ledger.Partition, error)
	Exists(day string) bool
	Stat(day string) (fs.FileInfo, error)
}

// EngineConfig — параметры движка.
type EngineConfig struct {
	// ValidPrefix — обязательный префикс кода
	ValidPrefix string
	// Location — часовой пояс для определения дня партиции
	Location *time.Location
	// Geo — координаты станции, определённые при старте
	Geo *model.GeoPoint
}

// Outcome — результат обработки одного распознавания кадра.
type Outcome struct {
	Decision model.Decision
	Err      error
}

// Engine — движок принятия решений по кодам.
//
// Единственный экземпляр на процесс: создаётся NewEngine, заполняется
// Hydrate, останавливается Close. Вся последовательность
// проверка → журнал → индекс → изображение выполняется под одним мьютексом.
type Engine struct {
	cfg       EngineConfig
	ledger    LedgerStore
	index     *index.Index
	artifacts ArtifactSaver
	wal       *wal.WAL
	notifier  notify.Notifier
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewEngine создаёт движок. wal и notifier могут быть nil.
func NewEngine(
	cfg EngineConfig,
	ledgerStore LedgerStore,
	idx *index.Index,
	artifacts ArtifactSaver,
	w *wal.WAL,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		ledger:    ledgerStore,
		index:     idx,
		artifacts: artifacts,
		wal:       w,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// Hydrate строит индекс из журнала и разбирает незавершённые
// WAL-транзакции. Ошибка означает, что журнал недоступен, и фатальна
// для процесса.
func (e *Engine) Hydrate(ctx context.Context) error {
	if err := e.ledger.Check(); err != nil {
		return fmt.Errorf("ошибка открытия журнала: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stats, err := e.index.Load(e.ledger)
	if err != nil {
		return fmt.Errorf("ошибка построения индекса: %w", err)
	}
	if stats.Skipped > 0 {
		ledgerSkippedRows.Add(float64(stats.Skipped))
	}
	if stats.SkippedPartitions > 0 {
		e.logger.Warn("Индекс построен без части партиций, коды из них не проверяются на дубликаты",
			slog.Int("skipped_partitions", stats.SkippedPartitions),
		)
	}
	indexCodes.Set(float64(e.index.Count()))

	if e.wal != nil {
		e.recoverWAL()
	}
	return nil
}

// recoverWAL разбирает транзакции, прерванные падением процесса.
// Строка журнала есть — транзакция фиксируется с предупреждением
// об изображении. Строки нет — код не принят, транзакция откатывается.
func (e *Engine) recoverWAL() {
	pending, err := e.wal.RecoverPending()
	if err != nil {
		e.logger.Error("Не удалось прочитать WAL", slog.String("error", err.Error()))
		return
	}

	for _, entry := range pending {
		rec, ok := e.index.Get(entry.Code)
		if ok && rec.Day == entry.Day {
			note := "изображение-подтверждение не подтверждено после рестарта"
			if err := e.wal.Commit(entry.TransactionID, "", note); err != nil {
				e.logger.Warn("Не удалось зафиксировать WAL-транзакцию",
					slog.String("tx_id", entry.TransactionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			e.logger.Warn("Код принят до сбоя, изображение может отсутствовать",
				slog.String("code", entry.Code),
				slog.String("day", entry.Day),
			)
			continue
		}
		if err := e.wal.Rollback(entry.TransactionID, "строка журнала не записана до сбоя"); err != nil {
			e.logger.Warn("Не удалось откатить WAL-транзакцию",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := e.wal.CleanCommitted(); err != nil {
		e.logger.Warn("Не удалось очистить WAL", slog.String("error", err.Error()))
	}
}

// Decide проверяет код и при принятии записывает его в журнал,
// индекс и сохраняет изображение-подтверждение.
//
// Код приводится к каноническому виду (model.CanonicalCode) до проверки
// префикса; недопустимый код отклоняется как rejected_invalid_prefix.
// frame может быть nil (ручной ввод). Ошибка возвращается, только если
// код не записан в журнал; сбой сохранения изображения передаётся
// через Decision.ArtifactErr.
func (e *Engine) Decide(ctx context.Context, det model.Detection, now time.Time, frame image.Image) (model.Decision, error) {
	if err := ctx.Err(); err != nil {
		return model.Decision{Code: det.Code}, err
	}

	code, ok := model.CanonicalCode(det.Code)
	det.Code = code
	if !ok || !strings.HasPrefix(code, e.cfg.ValidPrefix) {
		d := model.Decision{Kind: model.DecisionRejectedInvalidPrefix, Code: det.Code}
		decisionsTotal.WithLabelValues(string(d.Kind)).Inc()
		e.notifier.Notify(d)
		return d, nil
	}

	d, err := e.decideLocked(det, now, frame)
	if err != nil {
		decisionsTotal.WithLabelValues(outcomeError).Inc()
		return d, err
	}
	decisionsTotal.WithLabelValues(string(d.Kind)).Inc()
	e.notifier.Notify(d)
	return d, nil
}

// decideLocked выполняет проверку на дубликат и запись под мьютексом.
func (e *Engine) decideLocked(det model.Detection, now time.Time, frame image.Image) (model.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := model.Decision{Code: det.Code}
	if e.closed {
		return d, ErrEngineClosed
	}
	if !e.index.IsReady() {
		return d, ErrEngineNotReady
	}

	if rec, ok := e.index.Get(det.Code); ok {
		d.Kind = model.DecisionRejectedDuplicate
		d.FirstSeen = rec.Timestamp
		return d, nil
	}

	day := model.DayOf(now, e.cfg.Location)

	var txID string
	if e.wal != nil {
		entry, err := e.wal.StartAccept(det.Code, day, now)
		if err != nil {
			return d, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		txID = entry.TransactionID
	}

	start := time.Now()
	if err := e.ledger.Append(day, det.Code, now); err != nil {
		if txID != "" {
			if rbErr := e.wal.Rollback(txID, err.Error()); rbErr != nil {
				e.logger.Warn("Не удалось откатить WAL-транзакцию",
					slog.String("tx_id", txID),
					slog.String("error", rbErr.Error()),
				)
			}
		}
		e.logger.Error("Код не записан в журнал",
			slog.String("code", det.Code),
			slog.String("day", day),
			slog.String("error", err.Error()),
		)
		return d, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	ledgerAppendDuration.Observe(time.Since(start).Seconds())

	e.index.Record(det.Code, day, now)
	indexCodes.Set(float64(e.index.Count()))

	d.Kind = model.DecisionAccepted
	d.Timestamp = now
	d.Day = day

	if e.artifacts != nil {
		path, err := e.artifacts.Save(ArtifactRequest{
			Day:        day,
			Code:       det.Code,
			CapturedAt: now,
			Detection:  det,
			Frame:      frame,
			Geo:        e.cfg.Geo,
		})
		d.ArtifactPath = path
		d.ArtifactErr = err
	}

	if txID != "" {
		note := ""
		if d.ArtifactErr != nil {
			note = d.ArtifactErr.Error()
		}
		if err := e.wal.Commit(txID, d.ArtifactPath, note); err != nil {
			e.logger.Warn("Не удалось зафиксировать WAL-транзакцию",
				slog.String("tx_id", txID),
				slog.String("error", err.Error()),
			)
		}
	}

	if d.ArtifactErr != nil && !isMetadataOnly(d.ArtifactErr) {
		e.logger.Warn("Изображение-подтверждение не сохранено",
			slog.String("code", det.Code),
			slog.String("day", day),
			slog.String("error", d.ArtifactErr.Error()),
		)
	}
	return d, nil
}

// DecideFrame обрабатывает распознавания кадра по порядку декодера.
// Ошибка по одному коду не прерывает обработку остальных.
func (e *Engine) DecideFrame(ctx context.Context, frame image.Image, dets []model.Detection, now time.Time) []Outcome {
	outcomes := make([]Outcome, 0, len(dets))
	for _, det := range dets {
		d, err := e.Decide(ctx, det, now, frame)
		outcomes = append(outcomes, Outcome{Decision: d, Err: err})
	}
	return outcomes
}

// Ready сообщает, построен ли индекс и принимает ли движок коды.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return !closed && e.index.IsReady()
}

// ValidPrefix возвращает настроенный префикс.
func (e *Engine) ValidPrefix() string {
	return e.cfg.ValidPrefix
}

// Geo возвращает координаты станции (nil, если не определены).
func (e *Engine) Geo() *model.GeoPoint {
	return e.cfg.Geo
}

// KnownCodes возвращает количество уникальных принятых кодов.
func (e *Engine) KnownCodes() int {
	return e.index.Count()
}

// Close останавливает приём кодов. Дождётся завершения текущего решения.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// IsLedgerWrite сообщает, что код не был записан в журнал.
func IsLedgerWrite(err error) bool {
	return errors.Is(err, ErrLedgerWrite)
}
