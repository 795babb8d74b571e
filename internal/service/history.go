package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/artifact"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/ledger"
)

// ProofFinder ищет изображения-подтверждения по коду.
type ProofFinder interface {
	FindByCode(code string) ([]artifact.Ref, error)
}

// cachedPartition — прочитанная партиция и состояние файла на момент чтения.
type cachedPartition struct {
	size    int64
	modTime time.Time
	part    *ledger.Partition
}

// History — запросы истории сканирований для слоя представления.
//
// Читает журнал с диска и не берёт мьютекс движка: принятие кода
// не блокирует просмотр истории, и наоборот. Прочитанные партиции
// кэшируются в LRU с TTL и перечитываются, если файл изменился.
type History struct {
	ledger      LedgerStore
	proofs      ProofFinder
	cache       *expirable.LRU[string, cachedPartition]
	concurrency int
	logger      *slog.Logger
}

// NewHistory создаёт History. cacheSize = 0 отключает кэш.
func NewHistory(
	ledgerStore LedgerStore,
	proofs ProofFinder,
	cacheSize int,
	cacheTTL time.Duration,
	concurrency int,
	logger *slog.Logger,
) *History {
	h := &History{
		ledger:      ledgerStore,
		proofs:      proofs,
		concurrency: max(concurrency, 1),
		logger:      logger.With(slog.String("component", "history")),
	}
	if cacheSize > 0 {
		h.cache = expirable.NewLRU[string, cachedPartition](cacheSize, nil, cacheTTL)
	}
	return h
}

// HistoryFor возвращает строки партиции day в порядке файла.
// Отсутствующая партиция — пустой результат.
func (h *History) HistoryFor(ctx context.Context, day string) ([]model.ScanRecord, error) {
	if !model.ValidDay(day) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !h.ledger.Exists(day) {
		return nil, nil
	}
	p, err := h.partition(day)
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.Records), nil
}

// HistoryForCodeSubstring ищет коды, содержащие query без учёта регистра,
// во всех партициях. Результат упорядочен по дню, затем по порядку файла.
// Пустой query возвращает все строки.
func (h *History) HistoryForCodeSubstring(ctx context.Context, query string) ([]model.ScanRecord, error) {
	days, err := h.ledger.ListPartitions()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка партиций: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	perDay := make([][]model.ScanRecord, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, day := range days {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := h.partition(day)
			if err != nil {
				return err
			}
			for _, rec := range p.Records {
				if needle == "" || strings.Contains(strings.ToLower(rec.Code), needle) {
					perDay[i] = append(perDay[i], rec)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var result []model.ScanRecord
	for _, recs := range perDay {
		result = append(result, recs...)
	}
	return result, nil
}

// Days возвращает дни, за которые есть партиции журнала.
func (h *History) Days() ([]string, error) {
	return h.ledger.ListPartitions()
}

// Proofs возвращает изображения-подтверждения для кода.
func (h *History) Proofs(code string) ([]artifact.Ref, error) {
	if h.proofs == nil {
		return nil, nil
	}
	return h.proofs.FindByCode(code)
}

// partition читает партицию через кэш. Запись в кэше действительна,
// пока размер и время изменения файла совпадают.
func (h *History) partition(day string) (*ledger.Partition, error) {
	info, err := h.ledger.Stat(day)
	if errors.Is(err, fs.ErrNotExist) {
		return &ledger.Partition{Day: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения партиции %s: %w", day, err)
	}

	if h.cache != nil {
		if c, ok := h.cache.Get(day); ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
			historyCacheRequests.WithLabelValues("hit").Inc()
			return c.part, nil
		}
		historyCacheRequests.WithLabelValues("miss").Inc()
	}

	p, err := h.ledger.ReadPartition(day)
	if err != nil {
		return nil, err
	}
	if h.cache != nil {
		h.cache.Add(day, cachedPartition{size: info.Size(), modTime: info.ModTime(), part: p})
	}
	return p, nil
}
