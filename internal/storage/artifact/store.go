// Пакет artifact — изображения-подтверждения на диске.
//
// Раскладка: <root>/<YYYY-MM-DD>/<code>_<HHMMSS>.<ext>, рядом sidecar
// <name>.attr.json. Запись атомарная, с подсчётом SHA-256 на лету.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/atomicfile"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/attr"
)

// ErrNotFound — изображение не найдено.
var ErrNotFound = errors.New("изображение не найдено")

// unsafeChars — всё, что не допускается в имени файла.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// namePattern — <code>_<HHMMSS>[_n].<ext>; _n добавляется при коллизии имён.
var namePattern = regexp.MustCompile(`^(.+)_(\d{6})(?:_\d+)?\.[A-Za-z0-9]+$`)

// Store — изображения-подтверждения в дневных директориях.
type Store struct {
	root string
}

// SaveResult — результат сохранения изображения.
type SaveResult struct {
	Day      string
	Name     string
	FullPath string
	Size     int64
	Checksum string
}

// Ref — ссылка на найденное изображение.
type Ref struct {
	Day  string `json:"day"`
	Name string `json:"name"`
}

// New создаёт Store. Корневая директория создаётся при необходимости.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию изображений %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root возвращает корневую директорию изображений.
func (s *Store) Root() string {
	return s.root
}

// SanitizeCode заменяет символы, недопустимые в имени файла, на "_".
func SanitizeCode(code string) string {
	safe := unsafeChars.ReplaceAllString(code, "_")
	if safe == "" || safe == "." || safe == ".." {
		return "_"
	}
	return safe
}

// FileName возвращает имя изображения для кода и момента захвата:
// <code>_<HHMMSS>.<ext>.
func FileName(code string, capturedAt time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", SanitizeCode(code), capturedAt.Format("150405"), ext)
}

// Save атомарно записывает изображение из r в дневную директорию day
// под именем name. Если имя занято, к нему добавляется номер.
func (s *Store) Save(day, name string, r io.Reader) (*SaveResult, error) {
	if !model.ValidDay(day) {
		return nil, fmt.Errorf("некорректный день %q", day)
	}
	dir := filepath.Join(s.root, day)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	name = s.freeName(dir, name)
	fullPath := filepath.Join(dir, name)

	size, checksum, err := atomicfile.WriteFrom(fullPath, r, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения изображения %s: %w", name, err)
	}

	return &SaveResult{
		Day:      day,
		Name:     name,
		FullPath: fullPath,
		Size:     size,
		Checksum: checksum,
	}, nil
}

// freeName подбирает свободное имя в директории dir.
func (s *Store) freeName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

// WriteMetadata записывает sidecar для сохранённого изображения.
func (s *Store) WriteMetadata(meta *model.ArtifactMetadata) error {
	return attr.Write(attr.AttrFilePath(s.FullPath(meta.Day, meta.Name)), meta)
}

// ReadMetadata читает sidecar изображения.
func (s *Store) ReadMetadata(day, name string) (*model.ArtifactMetadata, error) {
	return attr.Read(attr.AttrFilePath(s.FullPath(day, name)))
}

// FullPath возвращает абсолютный путь изображения.
func (s *Store) FullPath(day, name string) string {
	return filepath.Join(s.root, day, name)
}

// Open открывает изображение для чтения. Имя проверяется, чтобы
// запрос не вышел за пределы дневной директории.
func (s *Store) Open(day, name string) (*os.File, fs.FileInfo, error) {
	if !model.ValidDay(day) || !isImageName(name) {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(s.FullPath(day, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка открытия изображения %s/%s: %w", day, name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ошибка stat изображения %s/%s: %w", day, name, err)
	}
	return f, info, nil
}

// ListDays возвращает дневные директории по возрастанию.
func (s *Store) ListDays() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", s.root, err)
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() && model.ValidDay(e.Name()) {
			days = append(days, e.Name())
		}
	}
	sort.Strings(days)
	return days, nil
}

// ListDay возвращает имена изображений дневной директории по возрастанию.
// Sidecar и временные файлы не включаются.
func (s *Store) ListDay(day string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, day))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", day, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isImageName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FindByCode ищет изображения кода во всех дневных директориях.
// Имя файла содержит очищенный код, поэтому разные коды могут дать
// одно имя; при наличии sidecar-файла решает записанный в нём код.
func (s *Store) FindByCode(code string) ([]Ref, error) {
	days, err := s.ListDays()
	if err != nil {
		return nil, err
	}
	want := SanitizeCode(code)

	var refs []Ref
	for _, day := range days {
		names, err := s.ListDay(day)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if c, ok := CodeFromName(name); !ok || c != want {
				continue
			}
			if meta, err := s.ReadMetadata(day, name); err == nil && meta.Code != code {
				continue
			}
			refs = append(refs, Ref{Day: day, Name: name})
		}
	}
	return refs, nil
}

// CodeFromName извлекает очищенный код из имени изображения.
func CodeFromName(name string) (string, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// isImageName отсекает служебные файлы и попытки выхода из директории.
func isImageName(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	return !attr.IsAttrFile(name) && !atomicfile.IsTemp(name)
}

// Usage возвращает ёмкость файловой системы с изображениями:
// total, used, available в байтах.
func (s *Store) Usage() (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.root, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", s.root, err)
	}
	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)
	used = total - available
	return total, used, available, nil
}
