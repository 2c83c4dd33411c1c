package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// MessageHandler receives newly persisted messages for a rental. Delivery
// is at-least-once; handlers must treat repeats (keyed by message id) as
// idempotent.
type MessageHandler func(msg domain.Message)

type natsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type fanoutSub struct {
	handler MessageHandler
}

// Fanout pushes newly persisted messages to live subscribers keyed by
// rental. At most one subscription exists per (consumer, rental) pair:
// re-subscribing tears down the prior one so a consumer never receives a
// message twice through two registrations.
//
// Every published message is also mirrored to NATS on
// "rental.messages.<rental id>" for out-of-process consumers.
type Fanout struct {
	nats   natsPublisher // may be nil when running without a broker
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]map[string]*fanoutSub
}

func NewFanout(nats natsPublisher, logger *slog.Logger) *Fanout {
	return &Fanout{
		nats:   nats,
		logger: logger.With("component", "fanout"),
		subs:   map[uuid.UUID]map[string]*fanoutSub{},
	}
}

// Subscribe registers handler for the rental's new messages and returns an
// idempotent teardown func. A second Subscribe with the same consumerID
// and rental replaces the first.
func (f *Fanout) Subscribe(consumerID string, rentalID uuid.UUID, handler MessageHandler) (unsubscribe func()) {
	sub := &fanoutSub{handler: handler}

	f.mu.Lock()
	byConsumer, ok := f.subs[rentalID]
	if !ok {
		byConsumer = map[string]*fanoutSub{}
		f.subs[rentalID] = byConsumer
	}
	byConsumer[consumerID] = sub
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		// Only remove our own registration; a replacement made by a later
		// Subscribe must survive a stale teardown.
		if cur, ok := f.subs[rentalID][consumerID]; ok && cur == sub {
			delete(f.subs[rentalID], consumerID)
			if len(f.subs[rentalID]) == 0 {
				delete(f.subs, rentalID)
			}
		}
	}
}

// Publish delivers msg to the rental's subscribers in registration-map
// order and mirrors it to NATS. Called by the scheduler after each
// successful insert, in the order the adapter reported the messages.
func (f *Fanout) Publish(ctx context.Context, msg domain.Message) {
	f.mu.Lock()
	handlers := make([]MessageHandler, 0, len(f.subs[msg.RentalID]))
	for _, sub := range f.subs[msg.RentalID] {
		handlers = append(handlers, sub.handler)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(msg)
		fanoutDeliveriesCounter.WithLabelValues("local").Inc()
	}

	if f.nats == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.ErrorContext(ctx, "Failed to marshal message for NATS fan-out", "error", err, "message_id", msg.ID)
		return
	}
	subject := fmt.Sprintf("rental.messages.%s", msg.RentalID)
	if err := f.nats.Publish(ctx, subject, data); err != nil {
		f.logger.WarnContext(ctx, "Failed to publish message to NATS", "error", err, "subject", subject, "message_id", msg.ID)
		return
	}
	fanoutDeliveriesCounter.WithLabelValues("nats").Inc()
}
