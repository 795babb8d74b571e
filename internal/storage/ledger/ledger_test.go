package ledger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "ledger"), time.UTC, testLogger())
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ts1 := time.Date(2024, 1, 1, 10, 0, 0, 123456000, time.UTC)
	ts2 := ts1.Add(time.Minute)

	if err := s.Append("2024-01-01", "SPXID06A", ts1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("2024-01-01", "SPXID06B", ts2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	p, err := s.ReadPartition("2024-01-01")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(p.Records) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(p.Records))
	}
	if p.Records[0].Code != "SPXID06A" || p.Records[1].Code != "SPXID06B" {
		t.Errorf("нарушен порядок файла: %+v", p.Records)
	}
	if !p.Records[0].Timestamp.Equal(ts1) {
		t.Errorf("Timestamp: ожидалось %v, получено %v", ts1, p.Records[0].Timestamp)
	}
	if p.Records[0].Day != "2024-01-01" {
		t.Errorf("Day: получено %q", p.Records[0].Day)
	}
	if p.Skipped != 0 {
		t.Errorf("Skipped: ожидалось 0, получено %d", p.Skipped)
	}
}

func TestAppend_NoHeaderTwoColumns(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)
	if err := s.Append("2024-03-05", "SPXID06X", ts); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(s.PartitionPath("2024-03-05"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "SPXID06X,2024-03-05T08:30:00Z\n"
	if string(data) != want {
		t.Errorf("содержимое: ожидалось %q, получено %q", want, string(data))
	}
}

func TestReadPartition_SkipsMalformedRows(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Root(), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "SPXID06A,2024-01-01T10:00:00.123456\n" +
		"only-one-column\n" +
		",2024-01-01T10:00:01\n" +
		"SPXID06B,not-a-time\n" +
		"SPXID06C,2024-01-01T10:00:02+05:00\n"
	if err := os.WriteFile(s.PartitionPath("2024-01-01"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := s.ReadPartition("2024-01-01")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(p.Records) != 2 {
		t.Fatalf("ожидалось 2 корректные записи, получено %d", len(p.Records))
	}
	if p.Skipped != 3 {
		t.Errorf("Skipped: ожидалось 3, получено %d", p.Skipped)
	}
	// Отметка без смещения читается в часовом поясе журнала
	want := time.Date(2024, 1, 1, 10, 0, 0, 123456000, time.UTC)
	if !p.Records[0].Timestamp.Equal(want) {
		t.Errorf("legacy отметка: ожидалось %v, получено %v", want, p.Records[0].Timestamp)
	}
	if p.Records[1].Code != "SPXID06C" {
		t.Errorf("ожидался SPXID06C, получено %q", p.Records[1].Code)
	}
}

func TestReadPartition_CanonicalCodes(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Root(), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "SPXID06A ,2024-01-01T10:00:00Z\n" +
		"\"SPXID06\r\nB\",2024-01-01T10:00:01Z\n" +
		"\" SPXID06C\t\",2024-01-01T10:00:02Z\n"
	if err := os.WriteFile(s.PartitionPath("2024-01-01"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := s.ReadPartition("2024-01-01")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(p.Records) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %+v", p.Records)
	}
	if p.Records[0].Code != "SPXID06A" || p.Records[1].Code != "SPXID06C" {
		t.Errorf("коды не приведены к каноническому виду: %q, %q", p.Records[0].Code, p.Records[1].Code)
	}
	if p.Skipped != 1 {
		t.Errorf("Skipped: ожидалось 1 (код с переводом строки), получено %d", p.Skipped)
	}
}

func TestListPartitions(t *testing.T) {
	s := newTestStore(t)

	// Отсутствующий корень — пустой журнал
	days, err := s.ListPartitions()
	if err != nil {
		t.Fatalf("ListPartitions на пустом корне: %v", err)
	}
	if len(days) != 0 {
		t.Fatalf("ожидался пустой список, получено %v", days)
	}

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, day := range []string{"2024-01-02", "2023-12-31", "2024-01-01"} {
		if err := s.Append(day, "SPXID06"+day, ts); err != nil {
			t.Fatal(err)
		}
	}
	// Посторонние файлы игнорируются
	os.WriteFile(filepath.Join(s.Root(), "notes.csv"), []byte("x,y\n"), 0o644)
	os.WriteFile(filepath.Join(s.Root(), "2024-01-03.txt"), []byte("x,y\n"), 0o644)

	days, err = s.ListPartitions()
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	want := []string{"2023-12-31", "2024-01-01", "2024-01-02"}
	if len(days) != len(want) {
		t.Fatalf("ожидалось %v, получено %v", want, days)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Errorf("позиция %d: ожидалось %s, получено %s", i, want[i], days[i])
		}
	}
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	if s.Exists("2024-01-01") {
		t.Error("партиции ещё нет")
	}
	if err := s.Append("2024-01-01", "SPXID06A", time.Now()); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("2024-01-01") {
		t.Error("партиция должна существовать после Append")
	}
	if s.Exists("../etc/passwd") {
		t.Error("некорректный день не должен считаться партицией")
	}
}

func TestReadPartition_Missing(t *testing.T) {
	s := newTestStore(t)
	p, err := s.ReadPartition("2024-01-01")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(p.Records) != 0 {
		t.Errorf("ожидалась пустая партиция, получено %d записей", len(p.Records))
	}
}

func TestAppend_InvalidDay(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("2024-13-01", "SPXID06A", time.Now()); err == nil {
		t.Error("ожидалась ошибка для некорректного дня")
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	if err := New(filepath.Join(dir, "missing"), time.UTC, testLogger()).Check(); err != nil {
		t.Errorf("отсутствующий корень допустим: %v", err)
	}

	file := filepath.Join(dir, "file")
	os.WriteFile(file, []byte("x"), 0o644)
	if err := New(file, time.UTC, testLogger()).Check(); err == nil {
		t.Error("ожидалась ошибка: корень — обычный файл")
	}
}
