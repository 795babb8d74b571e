// Пакет ledger — журнал принятых сканирований.
//
// Журнал разбит на дневные партиции <root>/<YYYY-MM-DD>.csv.
// Каждая строка — два поля CSV: код и ISO-8601 отметка времени.
// Заголовка нет, файлы только дописываются. Append возвращает
// управление лишь после fsync, поэтому принятие кода не может
// опередить его запись на диск.
//
// Межпроцессной координации нет: два процесса на одном корне
// журнала не обнаруживают друг друга.
package ledger

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
)

// partitionExt — расширение файла партиции.
const partitionExt = ".csv"

// legacyLayouts — форматы отметок без часового пояса,
// которые встречаются в журналах, записанных до перехода на RFC 3339.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Partition — содержимое одной дневной партиции.
type Partition struct {
	Day     string
	Records []model.ScanRecord
	// Skipped — число пропущенных повреждённых строк
	Skipped int
}

// Store — журнал сканирований на файловой системе.
type Store struct {
	root   string
	loc    *time.Location
	logger *slog.Logger
}

// New создаёт Store с корнем root. Директория создаётся лениво при первой
// записи. loc задаёт часовой пояс для отметок без смещения.
func New(root string, loc *time.Location, logger *slog.Logger) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		root:   root,
		loc:    loc,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Root возвращает корневую директорию журнала.
func (s *Store) Root() string {
	return s.root
}

// Check проверяет, что корень журнала пригоден для работы.
// Отсутствующий корень допустим (партиций ещё нет), но путь,
// существующий и не являющийся директорией, — ошибка.
func (s *Store) Check() error {
	info, err := os.Stat(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка доступа к журналу %s: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("журнал %s: путь не является директорией", s.root)
	}
	return nil
}

// PartitionPath возвращает путь к файлу партиции day.
func (s *Store) PartitionPath(day string) string {
	return filepath.Join(s.root, day+partitionExt)
}

// Append дописывает строку (code, ts) в партицию day и вызывает fsync.
// Партиция и корневая директория создаются при необходимости.
func (s *Store) Append(day, code string, ts time.Time) error {
	if !model.ValidDay(day) {
		return fmt.Errorf("некорректный день партиции %q", day)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("ошибка создания директории журнала: %w", err)
	}

	f, err := os.OpenFile(s.PartitionPath(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ошибка открытия партиции %s: %w", day, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{code, FormatTimestamp(ts)}); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи в партицию %s: %w", day, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи в партицию %s: %w", day, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка fsync партиции %s: %w", day, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия партиции %s: %w", day, err)
	}
	return nil
}

// ListPartitions возвращает дни всех партиций по возрастанию.
// Отсутствующий корень означает пустой журнал.
// Файлы, имя которых не является датой, игнорируются.
func (s *Store) ListPartitions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории журнала %s: %w", s.root, err)
	}

	var days []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, partitionExt) {
			continue
		}
		day := strings.TrimSuffix(name, partitionExt)
		if !model.ValidDay(day) {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Exists сообщает, есть ли партиция day.
func (s *Store) Exists(day string) bool {
	if !model.ValidDay(day) {
		return false
	}
	info, err := os.Stat(s.PartitionPath(day))
	return err == nil && info.Mode().IsRegular()
}

// Stat возвращает информацию о файле партиции.
func (s *Store) Stat(day string) (fs.FileInfo, error) {
	return os.Stat(s.PartitionPath(day))
}

// ReadPartition читает партицию day в порядке файла.
// Код строки приводится к тому же виду, что и при принятии
// (model.CanonicalCode). Строки с неверным числом полей, недопустимым кодом или
// нераспознанной отметкой времени пропускаются и считаются в Skipped.
// Отсутствующая партиция возвращает пустой результат без ошибки.
func (s *Store) ReadPartition(day string) (*Partition, error) {
	p := &Partition{Day: day}
	if !model.ValidDay(day) {
		return nil, fmt.Errorf("некорректный день партиции %q", day)
	}

	f, err := os.Open(s.PartitionPath(day))
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия партиции %s: %w", day, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				p.Skipped++
				continue
			}
			return nil, fmt.Errorf("ошибка чтения партиции %s: %w", day, err)
		}

		rec, ok := s.parseRow(day, row)
		if !ok {
			p.Skipped++
			continue
		}
		p.Records = append(p.Records, rec)
	}

	if p.Skipped > 0 {
		s.logger.Warn("Пропущены повреждённые строки журнала",
			slog.String("day", day),
			slog.Int("skipped", p.Skipped),
		)
	}
	return p, nil
}

// parseRow разбирает одну строку CSV.
func (s *Store) parseRow(day string, row []string) (model.ScanRecord, bool) {
	if len(row) < 2 {
		return model.ScanRecord{}, false
	}
	code, ok := model.CanonicalCode(row[0])
	if !ok {
		return model.ScanRecord{}, false
	}
	ts, err := ParseTimestamp(strings.TrimSpace(row[1]), s.loc)
	if err != nil {
		return model.ScanRecord{}, false
	}
	return model.ScanRecord{Code: code, Timestamp: ts, Day: day}, true
}

// FormatTimestamp форматирует отметку времени для записи в журнал.
func FormatTimestamp(ts time.Time) string {
	return ts.Format(time.RFC3339Nano)
}

// ParseTimestamp разбирает отметку времени из журнала.
// Отметки без смещения интерпретируются в часовом поясе loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	for _, layout := range legacyLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("нераспознанная отметка времени %q", value)
}
