package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
)

var (
	webhookSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "is_notify_webhook_total",
		Help: "Уведомления webhook по результату доставки",
	}, []string{"result"})
)

// Event — тело запроса webhook.
type Event struct {
	Kind      model.DecisionKind `json:"kind"`
	Code      string             `json:"code"`
	Timestamp time.Time          `json:"timestamp,omitzero"`
	FirstSeen time.Time          `json:"first_seen,omitzero"`
	Warning   string             `json:"warning,omitempty"`
	Cue       Cue                `json:"cue"`
}

// Webhook доставляет решения на HTTP-endpoint устройства обратной связи.
// Notify кладёт событие в ограниченную очередь и не блокирует;
// при переполнении событие отбрасывается.
type Webhook struct {
	url    string
	client *http.Client
	queue  chan Event
	logger *slog.Logger

	// stop закрывается в Close. Очередь не закрывается никогда:
	// Notify может быть вызван конкурентно с Close.
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWebhook создаёт Webhook и запускает воркер доставки.
func NewWebhook(url string, queueSize int, timeout time.Duration, logger *slog.Logger) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan Event, queueSize),
		stop:   make(chan struct{}),
		logger: logger.With(slog.String("component", "notify_webhook")),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Notify ставит событие в очередь.
func (w *Webhook) Notify(d model.Decision) {
	ev := Event{
		Kind:      d.Kind,
		Code:      d.Code,
		Timestamp: d.Timestamp,
		FirstSeen: d.FirstSeen,
		Cue:       CueFor(d.Kind),
	}
	if d.ArtifactErr != nil {
		ev.Warning = d.ArtifactErr.Error()
	}

	select {
	case <-w.stop:
		webhookSent.WithLabelValues("dropped").Inc()
		w.logger.Warn("Уведомление после остановки отброшено", slog.String("code", d.Code))
		return
	default:
	}

	select {
	case w.queue <- ev:
	default:
		webhookSent.WithLabelValues("dropped").Inc()
		w.logger.Warn("Очередь уведомлений переполнена, событие отброшено",
			slog.String("code", d.Code),
		)
	}
}

// Close останавливает приём событий и ждёт доставки оставшихся
// до истечения ctx. Notify после Close отбрасывает событие.
func (w *Webhook) Close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("очередь уведомлений не доставлена: %w", ctx.Err())
	}
}

func (w *Webhook) run() {
	defer w.wg.Done()
	for {
		select {
		case ev := <-w.queue:
			w.deliver(ev)
		case <-w.stop:
			// Доставляем то, что успело попасть в очередь
			for {
				select {
				case ev := <-w.queue:
					w.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Webhook) deliver(ev Event) {
	if err := w.send(ev); err != nil {
		webhookSent.WithLabelValues("error").Inc()
		w.logger.Warn("Ошибка доставки уведомления",
			slog.String("code", ev.Code),
			slog.String("error", err.Error()),
		)
		return
	}
	webhookSent.WithLabelValues("ok").Inc()
}

func (w *Webhook) send(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("неожиданный статус %d", resp.StatusCode)
	}
	return nil
}
