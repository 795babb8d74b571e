package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
	pngstructure "github.com/dsoprea/go-png-image-structure/v2"
)

// ErrUnsupportedContainer — формат не поддерживает встраивание EXIF.
var ErrUnsupportedContainer = errors.New("формат не поддерживает EXIF")

// gpsIfdPath — путь GPS IFD от корневого IFD.
const gpsIfdPath = "IFD/GPSInfo"

// toDMS переводит неотрицательную координату в градусы, минуты
// и секунды с точностью до сотых секунды.
func toDMS(coord float64) []exifcommon.Rational {
	d := math.Floor(coord)
	m := math.Floor((coord - d) * 60)
	s := (coord - d - m/60) * 3600
	return []exifcommon.Rational{
		{Numerator: uint32(d), Denominator: 1},
		{Numerator: uint32(m), Denominator: 1},
		{Numerator: uint32(math.Floor(s * 100)), Denominator: 100},
	}
}

// gpsBuilder строит корневой IFD с GPS IFD: версия, полушария,
// широта и долгота в градусах, минутах, секундах.
func gpsBuilder(lat, lon float64) (*exif.IfdBuilder, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return nil, fmt.Errorf("некорректные координаты %v, %v", lat, lon)
	}

	latRef, lonRef := "N", "E"
	if lat < 0 {
		latRef = "S"
	}
	if lon < 0 {
		lonRef = "W"
	}

	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации EXIF: %w", err)
	}
	ti := exif.NewTagIndex()
	root := exif.NewIfdBuilder(im, ti, exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder)

	gps, err := exif.GetOrCreateIbFromRootIb(root, gpsIfdPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GPS IFD: %w", err)
	}

	tags := []struct {
		name  string
		value any
	}{
		{"GPSVersionID", []byte{2, 2, 0, 0}},
		{"GPSLatitudeRef", latRef},
		{"GPSLatitude", toDMS(math.Abs(lat))},
		{"GPSLongitudeRef", lonRef},
		{"GPSLongitude", toDMS(math.Abs(lon))},
	}
	for _, tag := range tags {
		if err := gps.AddStandardWithName(tag.name, tag.value); err != nil {
			return nil, fmt.Errorf("ошибка записи тега %s: %w", tag.name, err)
		}
	}
	return root, nil
}

// GPSBlock возвращает EXIF-блок (TIFF-заголовок и IFD) с координатами.
func GPSBlock(lat, lon float64) ([]byte, error) {
	ib, err := gpsBuilder(lat, lon)
	if err != nil {
		return nil, err
	}
	block, err := exif.NewIfdByteEncoder().EncodeToExif(ib)
	if err != nil {
		return nil, fmt.Errorf("ошибка кодирования EXIF: %w", err)
	}
	return block, nil
}

// EmbedGPS встраивает GPS EXIF в закодированное изображение:
// PNG получает чанк eXIf, JPEG — сегмент APP1.
func EmbedGPS(data []byte, format string, lat, lon float64) ([]byte, error) {
	switch format {
	case FormatPNG, FormatJPEG:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContainer, format)
	}

	ib, err := gpsBuilder(lat, lon)
	if err != nil {
		return nil, err
	}
	if format == FormatPNG {
		return embedPNG(data, ib)
	}
	return embedJPEG(data, ib)
}

func embedPNG(data []byte, ib *exif.IfdBuilder) ([]byte, error) {
	pmp := pngstructure.NewPngMediaParser()
	if !pmp.LooksLikeFormat(data) {
		return nil, errors.New("некорректный PNG: нет сигнатуры")
	}
	mc, err := pmp.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора PNG: %w", err)
	}
	cs, ok := mc.(*pngstructure.ChunkSlice)
	if !ok {
		return nil, errors.New("ошибка разбора PNG: неожиданная структура")
	}
	if err := cs.SetExif(ib); err != nil {
		return nil, fmt.Errorf("ошибка записи чанка eXIf: %w", err)
	}

	var buf bytes.Buffer
	if err := cs.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("ошибка записи PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func embedJPEG(data []byte, ib *exif.IfdBuilder) ([]byte, error) {
	jmp := jpegstructure.NewJpegMediaParser()
	if !jmp.LooksLikeFormat(data) {
		return nil, errors.New("некорректный JPEG: не найден SOI")
	}
	mc, err := jmp.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора JPEG: %w", err)
	}
	sl, ok := mc.(*jpegstructure.SegmentList)
	if !ok {
		return nil, errors.New("ошибка разбора JPEG: неожиданная структура")
	}
	if err := sl.SetExif(ib); err != nil {
		return nil, fmt.Errorf("ошибка записи сегмента EXIF: %w", err)
	}

	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		return nil, fmt.Errorf("ошибка записи JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
