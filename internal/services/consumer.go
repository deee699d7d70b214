package services

import (
	"context"
	"sync"
	"time"

	"mailwatch/internal/models"
	"mailwatch/internal/repository"
	"mailwatch/internal/utils"
)

// LedgerConsumer is the downstream boundary: it records handed-off
// message ids durably and broadcasts a sync event. Acceptance is
// idempotent, so a delta redelivered after a crash between handoff and
// cursor commit produces no duplicate records.
type LedgerConsumer struct {
	handoffs *repository.HandoffRepository
	broker   *EventBroker
	logger   *utils.Logger
}

// NewLedgerConsumer creates a new LedgerConsumer
func NewLedgerConsumer(handoffs *repository.HandoffRepository, broker *EventBroker) *LedgerConsumer {
	return &LedgerConsumer{
		handoffs: handoffs,
		broker:   broker,
		logger:   utils.NewLogger("LedgerConsumer"),
	}
}

// Accept records the delta's message ids. An error here blocks the
// cursor commit upstream.
func (c *LedgerConsumer) Accept(ctx context.Context, account *models.Account, result *models.SyncResult) error {
	fresh, err := c.handoffs.RecordBatch(account.ID, result.Cursor, result.MessageIDs)
	if err != nil {
		return err
	}
	if len(fresh) < len(result.MessageIDs) {
		c.logger.Debug("Absorbed %d redelivered message id(s) for %s",
			len(result.MessageIDs)-len(fresh), account.EmailAddress)
	}

	if c.broker != nil {
		c.broker.Publish(models.SyncEvent{
			EmailAddress: account.EmailAddress,
			MessageCount: len(result.MessageIDs),
			Cursor:       result.Cursor,
			Bootstrapped: result.Bootstrapped,
			Timestamp:    time.Now(),
		})
	}
	return nil
}

// EventBroker fans sync events out to websocket subscribers. Slow
// subscribers lose events rather than block the sync path.
type EventBroker struct {
	mu          sync.RWMutex
	subscribers map[chan models.SyncEvent]struct{}
	logger      *utils.Logger
}

// NewEventBroker creates a new EventBroker
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subscribers: make(map[chan models.SyncEvent]struct{}),
		logger:      utils.NewLogger("EventBroker"),
	}
}

// Subscribe registers a new subscriber channel
func (b *EventBroker) Subscribe() chan models.SyncEvent {
	ch := make(chan models.SyncEvent, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel
func (b *EventBroker) Unsubscribe(ch chan models.SyncEvent) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber without blocking
func (b *EventBroker) Publish(event models.SyncEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("Dropping event for slow subscriber")
		}
	}
}
