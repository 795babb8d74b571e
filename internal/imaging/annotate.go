// Пакет imaging — подготовка изображений-подтверждений:
// аннотация кадра, кодирование в PNG/JPEG и встраивание GPS EXIF.
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

// MaxFrameWidth — кадры шире уменьшаются перед аннотацией.
const MaxFrameWidth = 1920

// Размер карточки для ручного ввода без кадра.
const (
	cardWidth  = 640
	cardHeight = 200
)

var (
	// acceptColor — цвет рамки и текста принятого кода
	acceptColor = color.RGBA{G: 255, A: 255}
	// cardBackground — фон карточки без кадра
	cardBackground = color.RGBA{R: 24, G: 24, B: 24, A: 255}
)

// Annotation — что нарисовать на кадре.
type Annotation struct {
	// Box — положение кода в кадре. Пустой для ручного ввода.
	Box image.Rectangle
	// Label — подпись над рамкой, например "SPXID06A (QRCODE)"
	Label string
	// Lines — информационный блок: ID, время, координаты
	Lines []string
}

// Annotator рисует рамку и текст на кадрах.
// truetype-face не потокобезопасен: вызовы должны быть сериализованы.
type Annotator struct {
	face       font.Face
	lineHeight float64
}

// NewAnnotator создаёт Annotator. Если fontPath пуст, используется
// встроенный растровый шрифт 7x13.
func NewAnnotator(fontPath string, size float64) (*Annotator, error) {
	if fontPath == "" {
		return &Annotator{face: basicfont.Face7x13, lineHeight: 20}, nil
	}
	face, err := loadFontFace(fontPath, size)
	if err != nil {
		return nil, err
	}
	return &Annotator{face: face, lineHeight: math.Max(20, math.Ceil(size*1.4))}, nil
}

// loadFontFace загружает TrueType-шрифт заданного размера.
func loadFontFace(path string, size float64) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения шрифта %s: %w", path, err)
	}
	f, err := truetype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора шрифта %s: %w", path, err)
	}
	return truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}

// Annotate возвращает копию кадра с рамкой вокруг кода, подписью и
// информационным блоком. Блок ставится на 50px выше рамки, а если
// там меньше 20px до края, то под рамкой. Без рамки блок рисуется
// в левом верхнем углу.
func (a *Annotator) Annotate(frame image.Image, ann Annotation) image.Image {
	frame, box := fitWidth(frame, ann.Box, MaxFrameWidth)

	dc := gg.NewContext(frame.Bounds().Dx(), frame.Bounds().Dy())
	dc.DrawImage(frame, -frame.Bounds().Min.X, -frame.Bounds().Min.Y)
	box = box.Sub(frame.Bounds().Min)

	a.draw(dc, box, ann)
	return dc.Image()
}

// Card рисует аннотацию на пустом фоне — для ручного ввода без кадра.
func (a *Annotator) Card(ann Annotation) image.Image {
	dc := gg.NewContext(cardWidth, cardHeight)
	dc.SetColor(cardBackground)
	dc.DrawRectangle(0, 0, cardWidth, cardHeight)
	dc.Fill()

	a.draw(dc, image.Rectangle{}, ann)
	return dc.Image()
}

func (a *Annotator) draw(dc *gg.Context, box image.Rectangle, ann Annotation) {
	dc.SetFontFace(a.face)
	dc.SetColor(acceptColor)

	if box.Empty() {
		drawLines(dc, ann.Lines, 10, 30, a.lineHeight+10)
		return
	}

	x, y := float64(box.Min.X), float64(box.Min.Y)
	dc.SetLineWidth(2)
	dc.DrawRectangle(x, y, float64(box.Dx()), float64(box.Dy()))
	dc.Stroke()

	if ann.Label != "" {
		dc.DrawString(ann.Label, x, y-10)
	}

	textY := y - 50
	if textY < 20 {
		textY = float64(box.Max.Y) + 20
	}
	drawLines(dc, ann.Lines, x, textY, a.lineHeight)
}

func drawLines(dc *gg.Context, lines []string, x, y, step float64) {
	for i, line := range lines {
		dc.DrawString(line, x, y+float64(i)*step)
	}
}

// fitWidth уменьшает кадр до maxWidth с сохранением пропорций
// и пересчитывает рамку в новые координаты.
func fitWidth(frame image.Image, box image.Rectangle, maxWidth int) (image.Image, image.Rectangle) {
	b := frame.Bounds()
	if b.Dx() <= maxWidth {
		return frame, box
	}
	scale := float64(maxWidth) / float64(b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, int(math.Round(float64(b.Dy())*scale))))
	draw.CatmullRom.Scale(dst, dst.Bounds(), frame, b, draw.Over, nil)

	if box.Empty() {
		return dst, box
	}
	scaled := image.Rect(
		int(float64(box.Min.X-b.Min.X)*scale),
		int(float64(box.Min.Y-b.Min.Y)*scale),
		int(float64(box.Max.X-b.Min.X)*scale),
		int(float64(box.Max.Y-b.Min.Y)*scale),
	)
	return dst, scaled
}
