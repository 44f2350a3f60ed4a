package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Checkout event types.
const (
	TypeStepChanged   = "checkout.step"
	TypeCompleted     = "checkout.completed"
	TypePartialCommit = "checkout.partial_commit"
	TypeVerified      = "checkout.verified"
)

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// StepChanged is the payload of TypeStepChanged.
type StepChanged struct {
	InstructorID string `json:"instructorId"`
	From         string `json:"from"`
	To           string `json:"to"`
}

// Completed is the payload of TypeCompleted.
type Completed struct {
	InstructorID string   `json:"instructorId"`
	LearnerID    string   `json:"learnerId"`
	PaymentID    string   `json:"paymentId"`
	Amount       int64    `json:"amount"`
	BookingIDs   []string `json:"bookingIds"`
}

// PartialCommit is the payload of TypePartialCommit.
type PartialCommit struct {
	InstructorID   string   `json:"instructorId"`
	PaymentID      string   `json:"paymentId"`
	Committed      []string `json:"committed"`
	FailedLessonID string   `json:"failedLessonId"`
	NotAttempted   []string `json:"notAttempted"`
}

// Verified is the payload of TypeVerified.
type Verified struct {
	InstructorID string `json:"instructorId"`
	AccountID    string `json:"accountId"`
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	nop := zerolog.Nop()
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: &nop}
}

// SetLogger sets where handler errors are reported.
func (b *EventBus) SetLogger(logger *zerolog.Logger) {
	if logger == nil {
		return
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. A nil bus drops the event.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	logger := b.logger
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	// Handlers run synchronously; caller decides concurrency model. A failing handler does not stop the rest.
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Msg("event handler failed")
		}
	}
}

// PublishJSON marshals payload and publishes it under eventType.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.Publish(Event{Type: eventType, Payload: data})
	return nil
}
