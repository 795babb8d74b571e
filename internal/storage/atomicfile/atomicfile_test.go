package atomicfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proof.png")
	data := []byte("image-bytes")

	n, sum, err := WriteFrom(path, bytes.NewReader(data), 0o644)
	if err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(data), n)
	}
	want := sha256.Sum256(data)
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("checksum не совпадает: %s", sum)
	}

	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("содержимое не совпадает: %q, %v", got, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл должен быть удалён")
	}

	sum2, size, err := Checksum(path)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if sum2 != sum || size != n {
		t.Errorf("Checksum: ожидалось %s/%d, получено %s/%d", sum, n, sum2, size)
	}
}

func TestWrite_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.json")
	if err := Write(path, []byte("old"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := Write(path, []byte("new"), 0o640); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("ожидалось new, получено %q", got)
	}
}

func TestWrite_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "file")
	if err := Write(path, []byte("x"), 0o644); err == nil {
		t.Error("ожидалась ошибка для отсутствующей директории")
	}
}

func TestIsTemp(t *testing.T) {
	if !IsTemp("a_101010.png.tmp") {
		t.Error("ожидалось true для .tmp")
	}
	if IsTemp("a_101010.png") {
		t.Error("ожидалось false для .png")
	}
}
