// Пакет geo — определение координат станции при старте.
//
// Координаты запрашиваются один раз у сервиса IP-геолокации;
// при любой ошибке используются резервные значения из конфигурации.
// В пути принятия кода сетевых вызовов нет.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
)

// Источники координат.
const (
	SourceLookup   = "lookup"
	SourceFallback = "fallback"
)

// maxResponseSize — ограничение на размер ответа сервиса геолокации.
const maxResponseSize = 64 << 10

// lookupResponse покрывает распространённые форматы ответов:
// ipinfo ("loc": "lat,lon"), ip-api ("lat"/"lon"), ipapi ("latitude"/"longitude").
type lookupResponse struct {
	Loc       string   `json:"loc"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Resolver определяет координаты станции.
type Resolver struct {
	url      string
	client   *http.Client
	fallback model.GeoPoint
	logger   *slog.Logger
}

// NewResolver создаёт Resolver. Пустой url отключает запрос.
func NewResolver(url string, timeout time.Duration, fallbackLat, fallbackLon float64, logger *slog.Logger) *Resolver {
	return &Resolver{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		fallback: model.GeoPoint{Lat: fallbackLat, Lon: fallbackLon, Source: SourceFallback},
		logger:   logger.With(slog.String("component", "geo")),
	}
}

// Resolve возвращает координаты станции. Никогда не возвращает ошибку:
// при сбое запроса используются резервные координаты.
func (r *Resolver) Resolve(ctx context.Context) model.GeoPoint {
	if r.url == "" {
		r.logger.Info("Геолокация не настроена, используются резервные координаты",
			slog.Float64("lat", r.fallback.Lat),
			slog.Float64("lon", r.fallback.Lon),
		)
		return r.fallback
	}

	point, err := r.lookup(ctx)
	if err != nil {
		r.logger.Warn("Не удалось определить координаты, используются резервные",
			slog.String("url", r.url),
			slog.String("error", err.Error()),
		)
		return r.fallback
	}

	r.logger.Info("Координаты станции определены",
		slog.Float64("lat", point.Lat),
		slog.Float64("lon", point.Lon),
	)
	return point
}

func (r *Resolver) lookup(ctx context.Context) (model.GeoPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.GeoPoint{}, fmt.Errorf("неожиданный статус %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return model.GeoPoint{}, fmt.Errorf("ошибка разбора ответа: %w", err)
	}
	return body.point()
}

func (b lookupResponse) point() (model.GeoPoint, error) {
	var lat, lon float64
	switch {
	case b.Loc != "":
		parts := strings.Split(b.Loc, ",")
		if len(parts) != 2 {
			return model.GeoPoint{}, fmt.Errorf("некорректное поле loc %q", b.Loc)
		}
		var err1, err2 error
		lat, err1 = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lon, err2 = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return model.GeoPoint{}, fmt.Errorf("некорректное поле loc %q", b.Loc)
		}
	case b.Lat != nil && b.Lon != nil:
		lat, lon = *b.Lat, *b.Lon
	case b.Latitude != nil && b.Longitude != nil:
		lat, lon = *b.Latitude, *b.Longitude
	default:
		return model.GeoPoint{}, fmt.Errorf("в ответе нет координат")
	}

	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return model.GeoPoint{}, fmt.Errorf("координаты вне диапазона: %v, %v", lat, lon)
	}
	return model.GeoPoint{Lat: lat, Lon: lon, Source: SourceLookup}, nil
}
