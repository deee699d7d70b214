package services

import (
	"context"
	"testing"
	"time"

	"mailwatch/internal/models"
	"mailwatch/internal/repository"
)

func TestLedgerConsumerAbsorbsRedelivery(t *testing.T) {
	db := openTestDB(t)
	handoffs := repository.NewHandoffRepository(db)
	consumer := NewLedgerConsumer(handoffs, nil)
	account := seedAccount(t, db, "a@example.com", 0, true)

	result := &models.SyncResult{
		AccountID:    account.ID,
		EmailAddress: account.EmailAddress,
		MessageIDs:   []string{"m1", "m2"},
		Cursor:       100,
	}
	if err := consumer.Accept(context.Background(), account, result); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	// Redelivery after a crash between handoff and commit.
	if err := consumer.Accept(context.Background(), account, result); err != nil {
		t.Fatalf("second Accept: %v", err)
	}

	count, err := handoffs.CountByAccount(account.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("%d ledger rows, want 2", count)
	}
}

func TestLedgerConsumerPublishesEvent(t *testing.T) {
	db := openTestDB(t)
	handoffs := repository.NewHandoffRepository(db)
	broker := NewEventBroker()
	consumer := NewLedgerConsumer(handoffs, broker)
	account := seedAccount(t, db, "a@example.com", 0, true)

	events := broker.Subscribe()
	defer broker.Unsubscribe(events)

	result := &models.SyncResult{
		AccountID:    account.ID,
		EmailAddress: account.EmailAddress,
		MessageIDs:   []string{"m1"},
		Cursor:       50,
	}
	if err := consumer.Accept(context.Background(), account, result); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	select {
	case event := <-events:
		if event.EmailAddress != "a@example.com" || event.MessageCount != 1 || event.Cursor != 50 {
			t.Errorf("event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	broker := NewEventBroker()
	events := broker.Subscribe()
	defer broker.Unsubscribe(events)

	// Overflow the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(models.SyncEvent{Cursor: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestEventBrokerUnsubscribeIsIdempotent(t *testing.T) {
	broker := NewEventBroker()
	events := broker.Subscribe()
	broker.Unsubscribe(events)
	broker.Unsubscribe(events)
	broker.Publish(models.SyncEvent{Cursor: 1})
}
