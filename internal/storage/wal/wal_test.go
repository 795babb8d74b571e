package wal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания WAL: %v", err)
	}
	return w
}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию WAL.
func TestNew_CreatesDirectory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")

	w, err := New(walDir, testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание WAL, получена ошибка: %v", err)
	}
	if w.Dir() != walDir {
		t.Errorf("ожидался путь %s, получен %s", walDir, w.Dir())
	}
	info, err := os.Stat(walDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("директория WAL не создана: %v", err)
	}
}

// TestStartAccept проверяет создание транзакции и её файл на диске.
func TestStartAccept(t *testing.T) {
	w := newTestWAL(t)
	decided := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	entry, err := w.StartAccept("SPXID06A", "2024-01-01", decided)
	if err != nil {
		t.Fatalf("ошибка создания транзакции: %v", err)
	}
	if entry.TransactionID == "" {
		t.Error("TransactionID не должен быть пустым")
	}
	if entry.Operation != OpScanAccept {
		t.Errorf("ожидалась операция %s, получена %s", OpScanAccept, entry.Operation)
	}
	if entry.Status != StatusPending {
		t.Errorf("ожидался статус %s, получен %s", StatusPending, entry.Status)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), walFileName(entry.TransactionID)))
	if err != nil {
		t.Fatalf("файл WAL не создан: %v", err)
	}
	var onDisk Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("некорректный JSON: %v", err)
	}
	if onDisk.Code != "SPXID06A" || onDisk.Day != "2024-01-01" || !onDisk.DecidedAt.Equal(decided) {
		t.Errorf("поля на диске не совпадают: %+v", onDisk)
	}
}

// TestCommit проверяет фиксацию транзакции с предупреждением.
func TestCommit(t *testing.T) {
	w := newTestWAL(t)
	entry, _ := w.StartAccept("SPXID06A", "2024-01-01", time.Now())

	if err := w.Commit(entry.TransactionID, "/img/a.png", "изображение не сохранено"); err != nil {
		t.Fatalf("ошибка commit: %v", err)
	}

	got, err := w.GetTransaction(entry.TransactionID)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.Status != StatusCommitted {
		t.Errorf("ожидался статус %s, получен %s", StatusCommitted, got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt должен быть установлен")
	}
	if got.ArtifactPath != "/img/a.png" || got.Note == "" {
		t.Errorf("ArtifactPath/Note не сохранены: %+v", got)
	}

	// Повторный commit запрещён
	if err := w.Commit(entry.TransactionID, "", ""); err == nil {
		t.Error("ожидалась ошибка повторного commit")
	}
}

// TestRollback проверяет отмену транзакции.
func TestRollback(t *testing.T) {
	w := newTestWAL(t)
	entry, _ := w.StartAccept("SPXID06A", "2024-01-01", time.Now())

	if err := w.Rollback(entry.TransactionID, "disk full"); err != nil {
		t.Fatalf("ошибка rollback: %v", err)
	}
	got, _ := w.GetTransaction(entry.TransactionID)
	if got.Status != StatusRolledBack {
		t.Errorf("ожидался статус %s, получен %s", StatusRolledBack, got.Status)
	}
	if got.Note != "disk full" {
		t.Errorf("Note: ожидалось 'disk full', получено %q", got.Note)
	}
}

func TestCommit_UnknownTransaction(t *testing.T) {
	w := newTestWAL(t)
	if err := w.Commit("missing", "", ""); err == nil {
		t.Error("ожидалась ошибка для несуществующей транзакции")
	}
}

// TestRecoverPending проверяет поиск незавершённых транзакций.
func TestRecoverPending(t *testing.T) {
	w := newTestWAL(t)

	e1, _ := w.StartAccept("SPXID06A", "2024-01-01", time.Now())
	e2, _ := w.StartAccept("SPXID06B", "2024-01-01", time.Now())
	e3, _ := w.StartAccept("SPXID06C", "2024-01-01", time.Now())
	w.Commit(e1.TransactionID, "", "")
	w.Rollback(e3.TransactionID, "")

	// Повреждённая запись пропускается
	os.WriteFile(filepath.Join(w.Dir(), "broken"+walSuffix), []byte("{"), 0o640)

	pending, err := w.RecoverPending()
	if err != nil {
		t.Fatalf("ошибка восстановления: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ожидалась 1 pending транзакция, получено %d", len(pending))
	}
	if pending[0].TransactionID != e2.TransactionID {
		t.Errorf("ожидалась транзакция %s, получена %s", e2.TransactionID, pending[0].TransactionID)
	}
}

// TestCleanCommitted проверяет удаление завершённых записей.
func TestCleanCommitted(t *testing.T) {
	w := newTestWAL(t)

	e1, _ := w.StartAccept("SPXID06A", "2024-01-01", time.Now())
	e2, _ := w.StartAccept("SPXID06B", "2024-01-01", time.Now())
	e3, _ := w.StartAccept("SPXID06C", "2024-01-01", time.Now())
	w.Commit(e1.TransactionID, "", "")
	w.Rollback(e2.TransactionID, "")

	cleaned, err := w.CleanCommitted()
	if err != nil {
		t.Fatalf("ошибка очистки: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("ожидалось 2 удалённых записи, получено %d", cleaned)
	}
	if _, err := w.GetTransaction(e3.TransactionID); err != nil {
		t.Errorf("pending запись не должна удаляться: %v", err)
	}
}

// TestConcurrentTransactions проверяет потокобезопасность WAL.
func TestConcurrentTransactions(t *testing.T) {
	w := newTestWAL(t)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := w.StartAccept("SPXID06", "2024-01-01", time.Now())
			if err != nil {
				t.Errorf("ошибка создания транзакции: %v", err)
				return
			}
			if err := w.Commit(entry.TransactionID, "", ""); err != nil {
				t.Errorf("ошибка commit: %v", err)
			}
		}()
	}
	wg.Wait()

	pending, _ := w.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("ожидалось 0 pending, получено %d", len(pending))
	}
}
