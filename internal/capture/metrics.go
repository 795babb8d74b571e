package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// framesTotal — обработанные кадры по результату.
var framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "is_capture_frames_total",
	Help: "Количество кадров, полученных от клиента захвата",
}, []string{"result"})

// detectionsInvalid — распознавания, пропущенные из-за некорректных данных.
var detectionsInvalid = promauto.NewCounter(prometheus.CounterOpts{
	Name: "is_capture_detections_invalid_total",
	Help: "Количество распознаваний, пропущенных из-за некорректного кода или рамки",
})
