// reconcile.go — фоновая сверка журнала с изображениями-подтверждениями.
//
// Принятие кода не атомарно: строка журнала пишется до изображения,
// и сбой между ними оставляет код без подтверждения. Сверка находит:
//   - missing_artifact: строка журнала без изображения в директории дня
//   - orphaned_artifact: изображение без строки журнала
//   - missing_metadata: изображение без attr.json
//   - orphaned_metadata: attr.json без изображения
//   - size_mismatch, checksum_mismatch: файл не совпадает с attr.json
//
// Запускается как горутина с периодическим тикером (IS_RECONCILE_INTERVAL)
// и по запросу через API. Ничего не исправляет, только сообщает.
package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/intake-station/internal/storage/artifact"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/atomicfile"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/attr"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/wal"
)

// Prometheus метрики сверки
var (
	// reconcileRunsTotal — количество запусков сверки.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "is_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	// reconcileIssuesTotal — количество обнаруженных проблем по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "is_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность сверки.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "is_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — тип расхождения.
type IssueType string

const (
	IssueMissingArtifact  IssueType = "missing_artifact"
	IssueOrphanedArtifact IssueType = "orphaned_artifact"
	IssueMissingMetadata  IssueType = "missing_metadata"
	IssueOrphanedMetadata IssueType = "orphaned_metadata"
	IssueSizeMismatch     IssueType = "size_mismatch"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
)

// ReconcileIssue — одно расхождение.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	Day         string    `json:"day"`
	Code        string    `json:"code,omitempty"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description"`
}

// ReconcileSummary — количество расхождений по типам.
type ReconcileSummary struct {
	Ok                 int `json:"ok"`
	MissingArtifacts   int `json:"missing_artifacts"`
	OrphanedArtifacts  int `json:"orphaned_artifacts"`
	MissingMetadata    int `json:"missing_metadata"`
	OrphanedMetadata   int `json:"orphaned_metadata"`
	SizeMismatches     int `json:"size_mismatches"`
	ChecksumMismatches int `json:"checksum_mismatches"`
}

// ReconcileResult — итог одного запуска сверки.
type ReconcileResult struct {
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	DaysChecked int              `json:"days_checked"`
	RowsChecked int              `json:"rows_checked"`
	Issues      []ReconcileIssue `json:"issues"`
	Summary     ReconcileSummary `json:"summary"`
	WALCleaned  int              `json:"wal_cleaned"`
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	ledger   LedgerStore
	images   *artifact.Store
	wal      *wal.WAL
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	last      *ReconcileResult
}

// NewReconcileService создаёт сервис сверки. w может быть nil.
func NewReconcileService(
	ledgerStore LedgerStore,
	images *artifact.Store,
	w *wal.WAL,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		ledger:   ledgerStore,
		images:   images,
		wal:      w,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// LastResult возвращает результат последней завершённой сверки.
func (rs *ReconcileService) LastResult() *ReconcileResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: time.Now().UTC()}
	rs.logger.Info("Сверка начата")

	days, err := rs.days()
	if err != nil {
		rs.logger.Error("Ошибка получения списка дней", slog.String("error", err.Error()))
	}
	for _, day := range days {
		if ctx.Err() != nil {
			rs.logger.Warn("Сверка прервана", slog.String("day", day))
			break
		}
		rows, issues := rs.reconcileDay(day)
		result.DaysChecked++
		result.RowsChecked += rows
		result.Issues = append(result.Issues, issues...)
	}

	if rs.wal != nil {
		cleaned, err := rs.wal.CleanCommitted()
		if err != nil {
			rs.logger.Warn("Ошибка очистки WAL", slog.String("error", err.Error()))
		}
		result.WALCleaned = cleaned
	}

	result.CompletedAt = time.Now().UTC()
	result.Summary = summarize(result.Issues, result.RowsChecked)
	if result.Issues == nil {
		result.Issues = []ReconcileIssue{}
	}

	duration := result.CompletedAt.Sub(result.StartedAt)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("days_checked", result.DaysChecked),
		slog.Int("rows_checked", result.RowsChecked),
		slog.Int("issues", len(result.Issues)),
		slog.Duration("duration", duration),
	)

	rs.mu.Lock()
	rs.last = result
	rs.mu.Unlock()
	return result, false
}

// days — объединение дней журнала и дневных директорий изображений.
func (rs *ReconcileService) days() ([]string, error) {
	ledgerDays, err := rs.ledger.ListPartitions()
	if err != nil {
		return nil, err
	}
	imageDays, err := rs.images.ListDays()
	if err != nil {
		return ledgerDays, err
	}
	days := append(slices.Clone(ledgerDays), imageDays...)
	slices.Sort(days)
	return slices.Compact(days), nil
}

// reconcileDay сверяет одну партицию журнала с директорией изображений.
func (rs *ReconcileService) reconcileDay(day string) (int, []ReconcileIssue) {
	var issues []ReconcileIssue

	p, err := rs.ledger.ReadPartition(day)
	if err != nil {
		rs.logger.Error("Ошибка чтения партиции при сверке",
			slog.String("day", day),
			slog.String("error", err.Error()),
		)
		return 0, nil
	}
	names, err := rs.images.ListDay(day)
	if err != nil {
		rs.logger.Error("Ошибка чтения директории изображений при сверке",
			slog.String("day", day),
			slog.String("error", err.Error()),
		)
		return len(p.Records), nil
	}

	// Имена изображений хранят очищенный код
	ledgerCodes := make(map[string]bool, len(p.Records))
	for _, rec := range p.Records {
		ledgerCodes[artifact.SanitizeCode(rec.Code)] = true
	}
	imageCodes := make(map[string]bool, len(names))
	for _, name := range names {
		if code, ok := artifact.CodeFromName(name); ok {
			imageCodes[code] = true
		}
	}

	// 1. Строка журнала без изображения
	for _, rec := range p.Records {
		if !imageCodes[artifact.SanitizeCode(rec.Code)] {
			issues = append(issues, ReconcileIssue{
				Type:        IssueMissingArtifact,
				Day:         day,
				Code:        rec.Code,
				Description: "Код принят, изображение-подтверждение отсутствует",
			})
		}
	}

	// 2. Изображения: принадлежность журналу и целостность
	for _, name := range names {
		code, _ := artifact.CodeFromName(name)
		if !ledgerCodes[code] {
			issues = append(issues, ReconcileIssue{
				Type:        IssueOrphanedArtifact,
				Day:         day,
				Code:        code,
				Name:        name,
				Description: "Изображение без строки в журнале за этот день",
			})
		}
		if issue, ok := rs.checkIntegrity(day, name); !ok {
			issues = append(issues, issue)
		}
	}

	// 3. attr.json без изображения
	metas, err := attr.ScanDir(filepath.Join(rs.images.Root(), day))
	if err != nil {
		rs.logger.Warn("Ошибка сканирования attr.json",
			slog.String("day", day),
			slog.String("error", err.Error()),
		)
	}
	for _, meta := range metas {
		if !slices.Contains(names, meta.Name) {
			issues = append(issues, ReconcileIssue{
				Type:        IssueOrphanedMetadata,
				Day:         day,
				Code:        meta.Code,
				Name:        meta.Name,
				Description: "attr.json без соответствующего изображения",
			})
		}
	}

	return len(p.Records), issues
}

// checkIntegrity сверяет изображение с его attr.json.
func (rs *ReconcileService) checkIntegrity(day, name string) (ReconcileIssue, bool) {
	issue := ReconcileIssue{Day: day, Name: name}
	issue.Code, _ = artifact.CodeFromName(name)

	meta, err := rs.images.ReadMetadata(day, name)
	if err != nil {
		issue.Type = IssueMissingMetadata
		issue.Description = "Изображение без attr.json"
		return issue, false
	}
	issue.Code = meta.Code

	checksum, size, err := atomicfile.Checksum(rs.images.FullPath(day, name))
	if err != nil {
		rs.logger.Warn("Ошибка вычисления checksum",
			slog.String("day", day),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return issue, true
	}
	if size != meta.Size {
		issue.Type = IssueSizeMismatch
		issue.Description = "Размер файла на диске не совпадает с attr.json"
		return issue, false
	}
	if checksum != meta.Checksum {
		issue.Type = IssueChecksumMismatch
		issue.Description = "Checksum файла на диске не совпадает с attr.json"
		return issue, false
	}
	return issue, true
}

// summarize подсчитывает расхождения по типам.
func summarize(issues []ReconcileIssue, rows int) ReconcileSummary {
	var s ReconcileSummary
	missing := 0
	for _, issue := range issues {
		switch issue.Type {
		case IssueMissingArtifact:
			s.MissingArtifacts++
			missing++
		case IssueOrphanedArtifact:
			s.OrphanedArtifacts++
		case IssueMissingMetadata:
			s.MissingMetadata++
		case IssueOrphanedMetadata:
			s.OrphanedMetadata++
		case IssueSizeMismatch:
			s.SizeMismatches++
		case IssueChecksumMismatch:
			s.ChecksumMismatches++
		}
	}
	s.Ok = max(rows-missing, 0)
	return s
}
