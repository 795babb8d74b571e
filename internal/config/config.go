// Пакет config — загрузка и валидация конфигурации Intake Station
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Intake Station.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Идентификатор станции приёмки (например, "intake-station-01")
	StationID string
	// Корневая директория журнала сканирований (CSV-партиции по дням)
	LedgerDir string
	// Корневая директория изображений-подтверждений
	ImageDir string
	// Путь к директории WAL
	WALDir string
	// Допустимый префикс кода
	ValidPrefix string
	// Часовой пояс для вычисления дня партиции
	Location *time.Location
	// Формат изображений-подтверждений (png, jpeg)
	ImageFormat string
	// Путь к TrueType-шрифту для аннотаций (опционально)
	FontPath string
	// Резервная широта, если геолокация недоступна
	FallbackLat float64
	// Резервная долгота, если геолокация недоступна
	FallbackLon float64
	// URL сервиса IP-геолокации (пусто — не запрашивать)
	GeoLookupURL string
	// Таймаут запроса геолокации
	GeoLookupTimeout time.Duration
	// URL webhook для уведомлений (пусто — только лог)
	NotifyWebhookURL string
	// Размер очереди асинхронных уведомлений
	NotifyQueueSize int
	// Размер кэша прочитанных партиций
	HistoryCacheSize int
	// TTL записей кэша партиций
	HistoryCacheTTL time.Duration
	// Число параллельно читаемых партиций при поиске
	SearchConcurrency int
	// Интервал автоматической сверки журнала и изображений
	ReconcileInterval time.Duration
	// Директория, куда клиент захвата кладёт кадры (пусто — не опрашивать)
	SpoolDir string
	// Интервал опроса директории кадров
	SpoolPollInterval time.Duration
	// Максимальный размер кадра в запросе API, байт
	MaxFrameSize int64
	// URL JWKS endpoint (пусто — API без аутентификации)
	JWKSUrl string
	// Допуск по времени при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	port, err := getEnvInt("IS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("IS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("IS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	cfg.StationID = getEnvDefault("IS_STATION_ID", "intake-station-01")
	cfg.LedgerDir = getEnvDefault("IS_LEDGER_DIR", "./data")
	cfg.ImageDir = getEnvDefault("IS_IMAGE_DIR", "./images")
	cfg.WALDir = getEnvDefault("IS_WAL_DIR", "./wal")

	// IS_VALID_PREFIX — префикс допустимых кодов
	cfg.ValidPrefix = getEnvDefault("IS_VALID_PREFIX", "SPXID06")
	if strings.TrimSpace(cfg.ValidPrefix) != cfg.ValidPrefix {
		return nil, fmt.Errorf("IS_VALID_PREFIX: префикс не должен содержать пробелы по краям")
	}

	// IS_TIMEZONE — часовой пояс дня партиции (по умолчанию локальный)
	tz := getEnvDefault("IS_TIMEZONE", "Local")
	cfg.Location, err = time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("IS_TIMEZONE: недопустимый часовой пояс %q: %w", tz, err)
	}

	cfg.ImageFormat = strings.ToLower(getEnvDefault("IS_IMAGE_FORMAT", "png"))
	if cfg.ImageFormat == "jpg" {
		cfg.ImageFormat = "jpeg"
	}
	if cfg.ImageFormat != "png" && cfg.ImageFormat != "jpeg" {
		return nil, fmt.Errorf("IS_IMAGE_FORMAT: недопустимое значение %q, допустимые: png, jpeg", cfg.ImageFormat)
	}
	cfg.FontPath = getEnvDefault("IS_FONT_PATH", "")

	cfg.FallbackLat, err = getEnvFloat("IS_FALLBACK_LAT", 24.8607)
	if err != nil {
		return nil, fmt.Errorf("IS_FALLBACK_LAT: %w", err)
	}
	if cfg.FallbackLat < -90 || cfg.FallbackLat > 90 {
		return nil, fmt.Errorf("IS_FALLBACK_LAT: значение %v вне диапазона -90..90", cfg.FallbackLat)
	}
	cfg.FallbackLon, err = getEnvFloat("IS_FALLBACK_LON", 67.0011)
	if err != nil {
		return nil, fmt.Errorf("IS_FALLBACK_LON: %w", err)
	}
	if cfg.FallbackLon < -180 || cfg.FallbackLon > 180 {
		return nil, fmt.Errorf("IS_FALLBACK_LON: значение %v вне диапазона -180..180", cfg.FallbackLon)
	}

	cfg.GeoLookupURL = getEnvDefault("IS_GEO_LOOKUP_URL", "")
	cfg.GeoLookupTimeout, err = getEnvDuration("IS_GEO_LOOKUP_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IS_GEO_LOOKUP_TIMEOUT: %w", err)
	}

	cfg.NotifyWebhookURL = getEnvDefault("IS_NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyQueueSize, err = getEnvPositiveInt("IS_NOTIFY_QUEUE_SIZE", 64)
	if err != nil {
		return nil, err
	}

	cfg.HistoryCacheSize, err = getEnvPositiveInt("IS_HISTORY_CACHE_SIZE", 64)
	if err != nil {
		return nil, err
	}
	cfg.HistoryCacheTTL, err = getEnvDuration("IS_HISTORY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IS_HISTORY_CACHE_TTL: %w", err)
	}
	cfg.SearchConcurrency, err = getEnvPositiveInt("IS_SEARCH_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}

	// IS_RECONCILE_INTERVAL — интервал сверки (по умолчанию 6h)
	cfg.ReconcileInterval, err = getEnvDuration("IS_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IS_RECONCILE_INTERVAL: %w", err)
	}

	cfg.SpoolDir = getEnvDefault("IS_SPOOL_DIR", "")
	cfg.SpoolPollInterval, err = getEnvDuration("IS_SPOOL_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("IS_SPOOL_POLL_INTERVAL: %w", err)
	}

	maxFrameMB, err := getEnvPositiveInt("IS_MAX_FRAME_SIZE_MB", 10)
	if err != nil {
		return nil, err
	}
	cfg.MaxFrameSize = int64(maxFrameMB) << 20

	cfg.JWKSUrl = getEnvDefault("IS_JWKS_URL", "")
	cfg.JWTLeeway, err = getEnvDuration("IS_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IS_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("IS_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IS_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// TLS включается только парой cert + key
	cfg.TLSCert = getEnvDefault("IS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("IS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("IS_TLS_CERT и IS_TLS_KEY должны задаваться вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("IS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("IS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IS_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("IS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("IS_DEPHEALTH_GROUP", "intake-station")

	return cfg, nil
}

// TLSEnabled сообщает, задана ли пара сертификат/ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvPositiveInt — как getEnvInt, но значение должно быть > 0.
// Ошибка уже содержит имя переменной.
func getEnvPositiveInt(key string, defaultVal int) (int, error) {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %d", key, n)
	}
	return n, nil
}

// getEnvFloat возвращает float64 из переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
