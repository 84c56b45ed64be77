// Package events provides a synchronous in-process domain event bus.
//
// Subscribers register per event type and receive events after the
// triggering storage transaction has committed. Subscriber failures are
// isolated: a panicking subscriber is logged and never propagates to the
// emitter. Delivery is FIFO within a single event type; there is no
// ordering guarantee across types.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
)

// Well-known event types emitted by the clearing engine.
const (
	TransferCompleted = "transfer.completed"
	TransferFailed    = "transfer.failed"
	TransferReversed  = "transfer.reversed"
	BalanceCredited   = "balance.credited"
	BalanceDebited    = "balance.debited"
	AccountCreated    = "account.created"
	AccountUpdated    = "account.updated"
	AccountDeleted    = "account.deleted"
	EscrowCreated     = "escrow.created"
	EscrowReleased    = "escrow.released"
	EscrowRefunded    = "escrow.refunded"
	EscrowExpired     = "escrow.expired"
	EscrowDisputed    = "escrow.disputed"
	BatchCompleted    = "batch.completed"
	PaymentExecuted   = "payment.executed"
	PaymentFailed     = "payment.failed"
)

// Event is a domain event delivered to subscribers.
type Event struct {
	Type      string
	EntityID  string
	Payload   map[string]string
	Timestamp time.Time
}

// Handler consumes one event. Errors and panics are logged, not propagated.
type Handler func(ctx context.Context, ev Event)

// Bus fans out events to per-type subscriber lists. Subscriber lists are
// copy-on-write: Emit snapshots the list before iterating, so handlers may
// subscribe or unsubscribe mid-delivery without deadlocking.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]subscription
	next int
}

type subscription struct {
	id int
	fn Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next

	// Copy-on-write: never mutate a list Emit may be iterating.
	cur := b.subs[eventType]
	list := make([]subscription, len(cur), len(cur)+1)
	copy(list, cur)
	b.subs[eventType] = append(list, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur := b.subs[eventType]
		list := make([]subscription, 0, len(cur))
		for _, s := range cur {
			if s.id != id {
				list = append(list, s)
			}
		}
		b.subs[eventType] = list
	}
}

// Emit delivers ev synchronously to all subscribers of ev.Type.
// Call only after the triggering transaction has committed.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	list := b.subs[ev.Type]
	b.mu.Unlock()

	metrics.EventsEmittedTotal.WithLabelValues(ev.Type).Inc()

	for _, s := range list {
		b.deliver(ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("event subscriber panicked",
				"event_type", ev.Type,
				"entity_id", ev.EntityID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.fn(ctx, ev)
}
