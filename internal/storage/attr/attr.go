// Пакет attr — sidecar-файлы метаданных изображений-подтверждений.
// Рядом с каждым изображением лежит <name>.attr.json: код, время,
// координаты и SHA-256. Сверка использует его для проверки целостности.
package attr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/atomicfile"
)

// AttrSuffix — суффикс файла метаданных.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный допустимый размер attr.json (4 КБ).
const maxAttrFileSize = 4096

// AttrFilePath возвращает путь к attr.json для данного изображения.
// Пример: "/images/2024-01-01/X_101010.png" → "/images/2024-01-01/X_101010.png.attr.json"
func AttrFilePath(imagePath string) string {
	return imagePath + AttrSuffix
}

// ImagePathFromAttr возвращает путь к изображению из пути attr.json.
func ImagePathFromAttr(attrPath string) string {
	return strings.TrimSuffix(attrPath, AttrSuffix)
}

// IsAttrFile проверяет, является ли путь файлом метаданных.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает метаданные в attr.json.
// Возвращает ошибку, если сериализованные данные превышают 4 КБ.
func Write(path string, meta *model.ArtifactMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	return atomicfile.Write(path, data, 0o644)
}

// Read читает метаданные из attr.json.
func Read(path string) (*model.ArtifactMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	var meta model.ArtifactMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}
	return &meta, nil
}

// ScanDir возвращает метаданные всех изображений в дневной директории.
// Невалидные attr.json пропускаются.
func ScanDir(dir string) ([]*model.ArtifactMetadata, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AttrSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	var result []*model.ArtifactMetadata
	for _, path := range matches {
		meta, err := Read(path)
		if err != nil {
			continue
		}
		result = append(result, meta)
	}
	return result, nil
}
