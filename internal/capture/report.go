package capture

import (
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
)

// Box — положение кода в кадре: левый верхний угол, ширина, высота.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ReportDetection — распознавание в формате клиента захвата.
type ReportDetection struct {
	Code      string `json:"code"`
	Symbology string `json:"symbology,omitempty"`
	Box       *Box   `json:"box,omitempty"`
}

// Report — распознавания одного кадра от клиента захвата.
type Report struct {
	CapturedAt *time.Time        `json:"captured_at,omitempty"`
	Detections []ReportDetection `json:"detections"`
}

// Detection преобразует распознавание в доменную модель.
// Код очищается от пробелов по краям.
func (d ReportDetection) Detection() (model.Detection, error) {
	det := model.Detection{
		Code:      strings.TrimSpace(d.Code),
		Symbology: strings.ToUpper(strings.TrimSpace(d.Symbology)),
	}
	if det.Code == "" {
		return det, fmt.Errorf("пустой код")
	}
	if d.Box != nil {
		if d.Box.W <= 0 || d.Box.H <= 0 || d.Box.X < 0 || d.Box.Y < 0 {
			return det, fmt.Errorf("некорректная рамка кода %s: %+v", det.Code, *d.Box)
		}
		det.Box = image.Rect(d.Box.X, d.Box.Y, d.Box.X+d.Box.W, d.Box.Y+d.Box.H)
	}
	return det, nil
}

// DetectionError — распознавание отчёта, которое не передаётся в движок.
type DetectionError struct {
	// Index — позиция в Report.Detections
	Index int
	Code  string
	Err   error
}

func (e DetectionError) Error() string {
	return fmt.Sprintf("распознавание %d: %v", e.Index, e.Err)
}

// ToDetections преобразует каждое распознавание отчёта отдельно.
// Корректные возвращаются в исходном порядке, некорректные — в invalid
// со своей позицией; они не мешают обработке остальных.
func (r Report) ToDetections() (dets []model.Detection, invalid []DetectionError) {
	dets = make([]model.Detection, 0, len(r.Detections))
	for i, d := range r.Detections {
		det, err := d.Detection()
		if err != nil {
			invalid = append(invalid, DetectionError{Index: i, Code: d.Code, Err: err})
			continue
		}
		dets = append(dets, det)
	}
	return dets, invalid
}
