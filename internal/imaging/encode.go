package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
)

// Поддерживаемые форматы изображений-подтверждений.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// jpegQuality — качество JPEG-кодирования.
const jpegQuality = 90

// Ext возвращает расширение файла для формата.
func Ext(format string) string {
	if format == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// ContentType возвращает MIME-тип формата.
func ContentType(format string) string {
	if format == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Encode кодирует изображение в заданный формат.
func Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("ошибка кодирования PNG: %w", err)
		}
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("ошибка кодирования JPEG: %w", err)
		}
	default:
		return nil, fmt.Errorf("неподдерживаемый формат %q", format)
	}
	return buf.Bytes(), nil
}

// Decode декодирует кадр, присланный клиентом захвата (PNG или JPEG).
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("ошибка декодирования кадра: %w", err)
	}
	return img, format, nil
}
