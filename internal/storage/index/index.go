// Пакет index — потокобезопасный in-memory индекс принятых кодов.
//
// Индекс строится при старте повторным чтением всех партиций журнала
// (Load) и обновляется синхронно после каждой успешной записи в журнал
// (Record). Хранит для каждого кода время первого принятия и партицию.
//
// Не персистентный: при рестарте пересобирается из журнала.
package index

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/ledger"
)

// PartitionReader — источник партиций для построения индекса.
type PartitionReader interface {
	ListPartitions() ([]string, error)
	ReadPartition(day string) (*ledger.Partition, error)
}

// LoadStats — итоги построения индекса.
type LoadStats struct {
	Partitions int
	Rows       int
	Skipped    int
	Codes      int
	// SkippedPartitions — партиции, которые не удалось прочитать целиком
	SkippedPartitions int
}

// Index — потокобезопасный индекс code → первая запись.
// Использует sync.RWMutex для конкурентного чтения и
// эксклюзивной записи.
type Index struct {
	mu     sync.RWMutex
	codes  map[string]model.ScanRecord
	ready  bool
	logger *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите Load.
func New(logger *slog.Logger) *Index {
	return &Index{
		codes:  make(map[string]model.ScanRecord),
		logger: logger.With(slog.String("component", "index")),
	}
}

// Load строит индекс из всех партиций журнала: партиции по возрастанию дня,
// строки в порядке файла. Повторяющиеся коды перезаписываются (побеждает
// последняя запись). Нечитаемая партиция пропускается и учитывается в
// SkippedPartitions; ошибка возвращается, только если недоступен сам
// список партиций. Заменяет текущее содержимое индекса.
func (idx *Index) Load(src PartitionReader) (LoadStats, error) {
	var stats LoadStats

	days, err := src.ListPartitions()
	if err != nil {
		return stats, fmt.Errorf("ошибка получения списка партиций: %w", err)
	}

	codes := make(map[string]model.ScanRecord)
	for _, day := range days {
		p, err := src.ReadPartition(day)
		if err != nil {
			stats.SkippedPartitions++
			idx.logger.Error("Партиция журнала пропущена",
				slog.String("day", day),
				slog.String("error", err.Error()),
			)
			continue
		}
		stats.Partitions++
		stats.Rows += len(p.Records)
		stats.Skipped += p.Skipped
		for _, rec := range p.Records {
			codes[rec.Code] = rec
		}
	}
	stats.Codes = len(codes)

	idx.mu.Lock()
	idx.codes = codes
	idx.ready = true
	idx.mu.Unlock()

	idx.logger.Info("Индекс кодов построен",
		slog.Int("partitions", stats.Partitions),
		slog.Int("rows", stats.Rows),
		slog.Int("skipped", stats.Skipped),
		slog.Int("codes", stats.Codes),
		slog.Int("skipped_partitions", stats.SkippedPartitions),
	)
	return stats, nil
}

// IsReady возвращает true, если индекс построен и готов к использованию.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Contains сообщает, встречался ли код ранее.
func (idx *Index) Contains(code string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.codes[code]
	return ok
}

// Get возвращает запись, по которой код попал в индекс.
func (idx *Index) Get(code string) (model.ScanRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.codes[code]
	return rec, ok
}

// FirstSeen возвращает время записи кода в журнал.
func (idx *Index) FirstSeen(code string) (time.Time, bool) {
	rec, ok := idx.Get(code)
	return rec.Timestamp, ok
}

// Record добавляет код в индекс. Вызывается только после
// успешной записи строки в журнал.
func (idx *Index) Record(code, day string, ts time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.codes[code] = model.ScanRecord{Code: code, Timestamp: ts, Day: day}
}

// Count возвращает количество уникальных кодов.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.codes)
}
