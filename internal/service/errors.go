package service

import "errors"

// Ошибки движка принятия решений. Проверяются через errors.Is.
var (
	// ErrLedgerWrite — строка журнала не записана, код НЕ принят.
	ErrLedgerWrite = errors.New("ошибка записи в журнал сканирований")
	// ErrArtifactWrite — изображение не сохранено, код принят.
	ErrArtifactWrite = errors.New("ошибка сохранения изображения-подтверждения")
	// ErrMetadataEmbed — изображение сохранено без GPS EXIF.
	ErrMetadataEmbed = errors.New("ошибка встраивания геометаданных")
	// ErrEngineClosed — движок остановлен.
	ErrEngineClosed = errors.New("движок остановлен")
	// ErrEngineNotReady — индекс ещё не построен.
	ErrEngineNotReady = errors.New("индекс кодов не построен")
	// ErrInvalidDay — день не в формате YYYY-MM-DD.
	ErrInvalidDay = errors.New("некорректный день, ожидается YYYY-MM-DD")
)
