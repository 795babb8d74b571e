// Пакет model — доменные модели Intake Station.
// ScanRecord — строка журнала, Decision — результат проверки кода,
// ArtifactMetadata — содержимое sidecar-файла изображения-подтверждения.
package model

import (
	"image"
	"strings"
	"time"
	"unicode"
)

// DayLayout — формат имени дневной партиции (YYYY-MM-DD).
const DayLayout = "2006-01-02"

// DayOf возвращает день партиции для момента t в часовом поясе loc.
// Граница суток определяется временем решения, а не временем старта процесса.
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

// ValidDay проверяет, что строка является корректной датой YYYY-MM-DD.
func ValidDay(day string) bool {
	_, err := time.Parse(DayLayout, day)
	return err == nil
}

// CanonicalCode приводит код к виду, в котором он хранится в журнале и
// индексе: без пробельных символов по краям. Код с управляющими
// символами внутри недопустим: CSV не сохраняет их без искажений.
func CanonicalCode(code string) (string, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	if strings.ContainsFunc(code, unicode.IsControl) {
		return code, false
	}
	return code, true
}

// ScanRecord — принятое сканирование. Неизменяемо после записи в журнал.
type ScanRecord struct {
	// Code — декодированное значение штрихкода
	Code string `json:"code"`
	// Timestamp — момент принятия решения
	Timestamp time.Time `json:"timestamp"`
	// Day — партиция, в которую записана строка
	Day string `json:"day"`
}

// DecisionKind — исход проверки кода.
type DecisionKind string

const (
	// DecisionAccepted — код принят и записан в журнал
	DecisionAccepted DecisionKind = "accepted"
	// DecisionRejectedInvalidPrefix — код не начинается с допустимого префикса
	DecisionRejectedInvalidPrefix DecisionKind = "rejected_invalid_prefix"
	// DecisionRejectedDuplicate — код уже встречался в любой партиции
	DecisionRejectedDuplicate DecisionKind = "rejected_duplicate"
)

// Decision — результат проверки одного кода. Не сохраняется.
type Decision struct {
	Kind DecisionKind `json:"kind"`
	Code string       `json:"code"`
	// Timestamp — время принятия (только для accepted)
	Timestamp time.Time `json:"timestamp,omitzero"`
	// Day — партиция записи (только для accepted)
	Day string `json:"day,omitempty"`
	// FirstSeen — время первого принятия (только для rejected_duplicate)
	FirstSeen time.Time `json:"first_seen,omitzero"`
	// ArtifactPath — путь к изображению-подтверждению
	ArtifactPath string `json:"artifact_path,omitempty"`
	// ArtifactErr — предупреждение о неудачном сохранении изображения.
	// Принятие при этом остаётся в силе.
	ArtifactErr error `json:"-"`
}

// Accepted сообщает, принят ли код.
func (d Decision) Accepted() bool {
	return d.Kind == DecisionAccepted
}

// Detection — одно распознавание штрихкода в кадре.
type Detection struct {
	Code string `json:"code"`
	// Box — ограничивающий прямоугольник в координатах кадра.
	// Пустой для ручного ввода.
	Box image.Rectangle `json:"-"`
	// Symbology — тип штрихкода (QRCODE, CODE128, ...)
	Symbology string `json:"symbology,omitempty"`
}

// HasBox сообщает, известно ли положение кода в кадре.
func (d Detection) HasBox() bool {
	return !d.Box.Empty()
}

// GeoPoint — координаты станции.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	// Source — откуда получены координаты (lookup, fallback)
	Source string `json:"source,omitempty"`
}

// ArtifactMetadata — метаданные изображения-подтверждения.
// Соответствует содержимому sidecar-файла <name>.attr.json.
type ArtifactMetadata struct {
	// Code — код, для которого сделан снимок
	Code string `json:"code"`
	// Day — дневная директория изображения
	Day string `json:"day"`
	// Name — имя файла внутри дневной директории
	Name string `json:"name"`
	// CapturedAt — время принятия решения
	CapturedAt time.Time `json:"captured_at"`
	// ContentType — MIME-тип изображения
	ContentType string `json:"content_type"`
	// Size — размер файла в байтах
	Size int64 `json:"size"`
	// Checksum — SHA-256 хэш содержимого
	Checksum string `json:"checksum"`
	// Geo — координаты, встроенные в EXIF (nil, если встроить не удалось)
	Geo *GeoPoint `json:"geo,omitempty"`
}
