package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// allKeys — все переменные окружения IS_*, читаемые Load().
var allKeys = []string{
	"IS_PORT", "IS_STATION_ID", "IS_LEDGER_DIR", "IS_IMAGE_DIR", "IS_WAL_DIR",
	"IS_VALID_PREFIX", "IS_TIMEZONE", "IS_IMAGE_FORMAT", "IS_FONT_PATH",
	"IS_FALLBACK_LAT", "IS_FALLBACK_LON", "IS_GEO_LOOKUP_URL", "IS_GEO_LOOKUP_TIMEOUT",
	"IS_NOTIFY_WEBHOOK_URL", "IS_NOTIFY_QUEUE_SIZE",
	"IS_HISTORY_CACHE_SIZE", "IS_HISTORY_CACHE_TTL", "IS_SEARCH_CONCURRENCY",
	"IS_RECONCILE_INTERVAL", "IS_SPOOL_DIR", "IS_SPOOL_POLL_INTERVAL", "IS_MAX_FRAME_SIZE_MB",
	"IS_JWKS_URL", "IS_JWT_LEEWAY", "IS_JWKS_REFRESH_INTERVAL",
	"IS_TLS_CERT", "IS_TLS_KEY", "IS_LOG_LEVEL", "IS_LOG_FORMAT",
	"IS_SHUTDOWN_TIMEOUT", "IS_DEPHEALTH_CHECK_INTERVAL", "IS_DEPHEALTH_GROUP",
}

// clearAllEnvVars очищает все переменные IS_* для чистого теста.
// Исходные значения восстанавливаются через t.Cleanup.
func clearAllEnvVars(t *testing.T) {
	t.Helper()
	originals := make(map[string]string)
	for _, k := range allKeys {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
		}
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range allKeys {
			if v, ok := originals[k]; ok {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	})
}

// setEnvVars устанавливает переменные окружения на время теста.
func setEnvVars(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearAllEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port: ожидалось 8080, получено %d", cfg.Port)
	}
	if cfg.ValidPrefix != "SPXID06" {
		t.Errorf("ValidPrefix: ожидалось SPXID06, получено %q", cfg.ValidPrefix)
	}
	if cfg.LedgerDir != "./data" {
		t.Errorf("LedgerDir: ожидалось ./data, получено %q", cfg.LedgerDir)
	}
	if cfg.ImageDir != "./images" {
		t.Errorf("ImageDir: ожидалось ./images, получено %q", cfg.ImageDir)
	}
	if cfg.ImageFormat != "png" {
		t.Errorf("ImageFormat: ожидалось png, получено %q", cfg.ImageFormat)
	}
	if cfg.FallbackLat != 24.8607 || cfg.FallbackLon != 67.0011 {
		t.Errorf("Fallback: ожидалось 24.8607,67.0011, получено %v,%v", cfg.FallbackLat, cfg.FallbackLon)
	}
	if cfg.Location != time.Local {
		t.Errorf("Location: ожидался Local, получено %v", cfg.Location)
	}
	if cfg.ReconcileInterval != 6*time.Hour {
		t.Errorf("ReconcileInterval: ожидалось 6h, получено %v", cfg.ReconcileInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: ожидалось INFO, получено %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: ожидалось 'json', получено %q", cfg.LogFormat)
	}
	if cfg.JWKSUrl != "" {
		t.Errorf("JWKSUrl: ожидалась пустая строка, получено %q", cfg.JWKSUrl)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled: ожидалось false")
	}
	if cfg.SpoolDir != "" {
		t.Errorf("SpoolDir: ожидалась пустая строка, получено %q", cfg.SpoolDir)
	}
	if cfg.MaxFrameSize != 10<<20 {
		t.Errorf("MaxFrameSize: ожидалось 10MB, получено %d", cfg.MaxFrameSize)
	}
	if cfg.SearchConcurrency != 4 {
		t.Errorf("SearchConcurrency: ожидалось 4, получено %d", cfg.SearchConcurrency)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearAllEnvVars(t)
	setEnvVars(t, map[string]string{
		"IS_PORT":              "9090",
		"IS_VALID_PREFIX":      "WH01",
		"IS_TIMEZONE":          "UTC",
		"IS_IMAGE_FORMAT":      "JPG",
		"IS_FALLBACK_LAT":      "-33.5",
		"IS_FALLBACK_LON":      "151.2",
		"IS_LOG_LEVEL":         "debug",
		"IS_LOG_FORMAT":        "text",
		"IS_TLS_CERT":          "/tmp/tls.crt",
		"IS_TLS_KEY":           "/tmp/tls.key",
		"IS_HISTORY_CACHE_TTL": "30s",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port: ожидалось 9090, получено %d", cfg.Port)
	}
	if cfg.ValidPrefix != "WH01" {
		t.Errorf("ValidPrefix: ожидалось WH01, получено %q", cfg.ValidPrefix)
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location: ожидался UTC, получено %v", cfg.Location)
	}
	if cfg.ImageFormat != "jpeg" {
		t.Errorf("ImageFormat: ожидалось jpeg, получено %q", cfg.ImageFormat)
	}
	if cfg.FallbackLat != -33.5 || cfg.FallbackLon != 151.2 {
		t.Errorf("Fallback: получено %v,%v", cfg.FallbackLat, cfg.FallbackLon)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel: ожидалось DEBUG, получено %v", cfg.LogLevel)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled: ожидалось true")
	}
	if cfg.HistoryCacheTTL != 30*time.Second {
		t.Errorf("HistoryCacheTTL: ожидалось 30s, получено %v", cfg.HistoryCacheTTL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"порт не число", map[string]string{"IS_PORT": "abc"}},
		{"порт вне диапазона", map[string]string{"IS_PORT": "70000"}},
		{"неизвестный часовой пояс", map[string]string{"IS_TIMEZONE": "Mars/Olympus"}},
		{"формат изображения", map[string]string{"IS_IMAGE_FORMAT": "gif"}},
		{"широта вне диапазона", map[string]string{"IS_FALLBACK_LAT": "91"}},
		{"долгота не число", map[string]string{"IS_FALLBACK_LON": "east"}},
		{"отрицательный размер кэша", map[string]string{"IS_HISTORY_CACHE_SIZE": "-1"}},
		{"нулевая параллельность", map[string]string{"IS_SEARCH_CONCURRENCY": "0"}},
		{"длительность", map[string]string{"IS_RECONCILE_INTERVAL": "soon"}},
		{"размер кадра", map[string]string{"IS_MAX_FRAME_SIZE_MB": "0"}},
		{"только сертификат", map[string]string{"IS_TLS_CERT": "/tmp/tls.crt"}},
		{"уровень логирования", map[string]string{"IS_LOG_LEVEL": "verbose"}},
		{"формат логов", map[string]string{"IS_LOG_FORMAT": "xml"}},
		{"префикс с пробелом", map[string]string{"IS_VALID_PREFIX": " SPX"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearAllEnvVars(t)
			setEnvVars(t, tt.vars)
			if _, err := Load(); err == nil {
				t.Error("ожидалась ошибка валидации")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		if err != nil {
			t.Errorf("parseLogLevel(%q): неожиданная ошибка: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q): ожидалось %v, получено %v", tt.input, tt.want, got)
		}
	}
}
