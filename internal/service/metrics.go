package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики движка и журнала
var (
	// decisionsTotal — решения по исходу.
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "is_decisions_total",
		Help: "Количество решений по исходу",
	}, []string{"outcome"})

	// ledgerAppendDuration — длительность записи строки журнала с fsync.
	ledgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "is_ledger_append_duration_seconds",
		Help:    "Длительность записи в журнал (включая fsync)",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// ledgerSkippedRows — повреждённые строки, пропущенные при гидратации.
	ledgerSkippedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "is_ledger_skipped_rows_total",
		Help: "Количество повреждённых строк журнала, пропущенных при загрузке",
	})

	// artifactFailures — сбои сохранения изображений по виду.
	artifactFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "is_artifact_failures_total",
		Help: "Сбои сохранения изображений-подтверждений",
	}, []string{"kind"})

	// indexCodes — число уникальных кодов в индексе.
	indexCodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "is_index_codes",
		Help: "Количество уникальных кодов в индексе",
	})

	// historyCacheRequests — обращения к кэшу партиций.
	historyCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "is_history_cache_requests_total",
		Help: "Обращения к кэшу партиций журнала",
	}, []string{"result"})
)

// outcomeError — метка outcome для решений, завершившихся ошибкой.
const outcomeError = "error"
