// Package events реализует типизированную шину событий об изменениях гарантий.
//
// Доставка не упорядочена и выполняется по принципу best effort: каждый обработчик
// вызывается в отдельной горутине, ошибки обработчиков только логируются.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind описывает тип события.
type Kind string

const (
	KindEnrollmentCreated       Kind = "enrollment.created"
	KindEnrollmentUsageRecorded Kind = "enrollment.usage_recorded"
	KindEnrollmentDenied        Kind = "enrollment.denied"
	KindEnrollmentRefunded      Kind = "enrollment.refunded"
	KindSubscriberCanceled      Kind = "subscriber.canceled"
)

// Kinds перечисляет все типы событий.
var Kinds = []Kind{
	KindEnrollmentCreated,
	KindEnrollmentUsageRecorded,
	KindEnrollmentDenied,
	KindEnrollmentRefunded,
	KindSubscriberCanceled,
}

// Event описывает изменение гарантии или подписчика.
type Event struct {
	Kind         Kind      `json:"kind"`
	EnrollmentID uuid.UUID `json:"enrollment_id,omitempty"`
	UserID       uuid.UUID `json:"user_id"`
	Status       string    `json:"status,omitempty"`
	BestLen      int       `json:"best_len,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Handler обрабатывает событие.
type Handler func(ctx context.Context, e Event) error

// Bus хранит списки подписчиков по типам событий.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
	closed   bool

	wg sync.WaitGroup
}

// NewBus создаёт пустую шину событий.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[Kind][]Handler),
	}
}

// Subscribe регистрирует обработчик для перечисленных типов событий.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range kinds {
		b.handlers[k] = append(b.handlers[k], h)
	}
}

// Publish доставляет событие всем подписчикам его типа и не ждёт завершения обработки.
// После Close события отбрасываются.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, h := range b.handlers[e.Kind] {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := h(ctx, e); err != nil {
				b.logger.Warn("event handler failed",
					zap.String("kind", string(e.Kind)),
					zap.String("enrollmentID", e.EnrollmentID.String()),
					zap.Error(err),
				)
			}
		}(h)
	}
}

// Close прекращает приём событий и ждёт завершения уже запущенных обработчиков.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
}
