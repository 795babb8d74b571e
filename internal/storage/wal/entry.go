// Пакет wal — файловый журнал транзакций принятия кода.
//
// Принятие затрагивает три хранилища (журнал, индекс, изображение),
// и процесс может упасть между ними. Перед записью в журнал создаётся
// транзакция pending, после сохранения изображения она фиксируется.
// Транзакция, оставшаяся pending после рестарта, разбирается при
// гидратации движка. Каждая транзакция — отдельный файл {tx_id}.wal.json.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpScanAccept — принятие кода: строка журнала + изображение
	OpScanAccept OperationType = "scan_accept"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — строка журнала записана (изображение могло не сохраниться)
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — строка журнала не записана
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	Operation OperationType     `json:"operation"`
	Status    TransactionStatus `json:"status"`

	// Code — принимаемый код
	Code string `json:"code"`
	// Day — партиция журнала, в которую пишется строка
	Day string `json:"day"`
	// DecidedAt — время решения, оно же отметка в журнале
	DecidedAt time.Time `json:"decided_at"`

	// ArtifactPath — путь к сохранённому изображению (при commit)
	ArtifactPath string `json:"artifact_path,omitempty"`
	// Note — причина отката или предупреждение об изображении
	Note string `json:"note,omitempty"`

	StartedAt time.Time `json:"started_at"`
	// CompletedAt — nil для pending транзакций
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const walSuffix = ".wal.json"

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + walSuffix
}
