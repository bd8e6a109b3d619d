package stream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"escrowmarket/models"
)

func txnFor(buyer, seller uuid.UUID, status models.EscrowStatus) models.Transaction {
	return models.Transaction{ID: uuid.New(), BuyerID: buyer, SellerID: seller, EscrowStatus: status}
}

func TestHubDeliversToParties(t *testing.T) {
	hub := NewHub()
	buyer, seller, stranger := uuid.New(), uuid.New(), uuid.New()
	buyerSub := hub.Subscribe(Filter{UserID: buyer}, 0)
	sellerSub := hub.Subscribe(Filter{UserID: seller}, 0)
	strangerSub := hub.Subscribe(Filter{UserID: stranger}, 0)
	defer buyerSub.Close()
	defer sellerSub.Close()
	defer strangerSub.Close()

	txn := txnFor(buyer, seller, models.EscrowFunded)
	hub.Publish(txn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sub := range []*Subscription{buyerSub, sellerSub} {
		evt, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("expected event")
		}
		if evt.TransactionID != txn.ID || evt.EscrowStatus != models.EscrowFunded || evt.Sequence != 1 {
			t.Fatalf("unexpected event %+v", evt)
		}
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, ok := strangerSub.Next(short); ok {
		t.Fatalf("stranger should not receive events")
	}
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := NewHub(WithBuffer(2))
	buyer := uuid.New()
	sub := hub.Subscribe(Filter{UserID: buyer}, 0)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(txnFor(buyer, uuid.New(), models.EscrowPending))
	}
	if sub.Dropped() != 3 {
		t.Fatalf("expected 3 dropped events, got %d", sub.Dropped())
	}
	ctx := context.Background()
	first, _ := sub.Next(ctx)
	second, _ := sub.Next(ctx)
	if first.Sequence != 4 || second.Sequence != 5 {
		t.Fatalf("expected sequences 4 and 5, got %d and %d", first.Sequence, second.Sequence)
	}
}

func TestHubReplaysHistorySince(t *testing.T) {
	hub := NewHub(WithHistory(10))
	buyer := uuid.New()
	for i := 0; i < 3; i++ {
		hub.Publish(txnFor(buyer, uuid.New(), models.EscrowPending))
	}
	sub := hub.Subscribe(Filter{UserID: buyer}, 1)
	defer sub.Close()

	ctx := context.Background()
	for _, want := range []int64{2, 3} {
		evt, ok := sub.Next(ctx)
		if !ok || evt.Sequence != want {
			t.Fatalf("expected replay of %d, got %+v", want, evt)
		}
	}
}

func TestHubFilterByTransaction(t *testing.T) {
	hub := NewHub()
	buyer := uuid.New()
	watched := txnFor(buyer, uuid.New(), models.EscrowPending)
	sub := hub.Subscribe(Filter{UserID: buyer, TransactionID: watched.ID}, 0)
	defer sub.Close()

	hub.Publish(txnFor(buyer, uuid.New(), models.EscrowPending))
	hub.Publish(watched)

	evt, ok := sub.Next(context.Background())
	if !ok || evt.TransactionID != watched.ID {
		t.Fatalf("expected only the watched transaction, got %+v", evt)
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(withClock(func() time.Time { return time.Unix(0, 0) }))
	sub := hub.Subscribe(Filter{UserID: uuid.New()}, 0)
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	hub.Close()
	if _, ok := sub.Next(context.Background()); ok {
		t.Fatalf("expected closed subscription")
	}
	sub.Close()
	hub.Publish(txnFor(uuid.New(), uuid.New(), models.EscrowPending))
}
