// Пакет atomicfile — атомарная запись файлов: temp файл → fsync → rename.
// Читатель видит либо старое содержимое, либо новое целиком.
package atomicfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// tmpSuffix — суффикс временных файлов. Сверка пропускает такие файлы.
const tmpSuffix = ".tmp"

// IsTemp сообщает, является ли имя временным файлом незавершённой записи.
func IsTemp(name string) bool {
	return filepath.Ext(name) == tmpSuffix
}

// Write атомарно записывает data в path.
func Write(path string, data []byte, perm os.FileMode) error {
	_, _, err := WriteFrom(path, bytes.NewReader(data), perm)
	return err
}

// WriteFrom атомарно записывает содержимое r в path.
// Возвращает размер и SHA-256 записанных данных.
func WriteFrom(path string, r io.Reader, perm os.FileMode) (int64, string, error) {
	tmpPath := path + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	fail := func(err error) (int64, string, error) {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", err
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		return fail(fmt.Errorf("ошибка записи: %w", err))
	}

	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("ошибка fsync: %w", err))
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Checksum вычисляет SHA-256 содержимого файла.
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
