package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

const (
	simBuyer  = "0x1111111111111111111111111111111111111111"
	simSeller = "0x2222222222222222222222222222222222222222"
)

func TestSimulatedDualConfirmationReleases(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(1337)
	buyer, _ := sim.Bind(ctx, simBuyer)
	seller, _ := sim.Bind(ctx, simSeller)

	receipt, err := buyer.Deposit(ctx, simSeller, big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.EscrowID == nil || receipt.EscrowID.Sign() != 0 {
		t.Fatalf("expected first escrow id 0, got %v", receipt.EscrowID)
	}
	if _, err := buyer.Confirm(ctx, receipt.EscrowID); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	esc, _ := sim.GetTransaction(ctx, receipt.EscrowID)
	if esc.FundsReleased {
		t.Fatalf("single confirmation must not release")
	}
	if _, err := seller.Confirm(ctx, receipt.EscrowID); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	esc, _ = sim.GetTransaction(ctx, receipt.EscrowID)
	if !esc.FundsReleased || !esc.BuyerConfirmed || !esc.SellerConfirmed {
		t.Fatalf("expected released escrow, got %+v", esc)
	}
}

func TestSimulatedFaultsLeaveStateUntouched(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(1337)
	buyer, _ := sim.Bind(ctx, simBuyer)

	sim.FailNext(MethodDeposit, FaultReject)
	if _, err := buyer.Deposit(ctx, simSeller, big.NewInt(1)); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	sim.FailNext(MethodDeposit, FaultFailedReceipt)
	if _, err := buyer.Deposit(ctx, simSeller, big.NewInt(1)); !errors.Is(err, ErrReceiptFailed) {
		t.Fatalf("expected ErrReceiptFailed, got %v", err)
	}
	count, _ := sim.TransactionCount(ctx)
	if count.Sign() != 0 {
		t.Fatalf("faulted deposits must not create escrows, count=%s", count)
	}
	if got := sim.Calls(MethodDeposit); got != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", got)
	}
}

func TestSimulatedAccessRules(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(1337)
	buyer, _ := sim.Bind(ctx, simBuyer)
	stranger, _ := sim.Bind(ctx, "0x3333333333333333333333333333333333333333")

	receipt, _ := buyer.Deposit(ctx, simSeller, big.NewInt(10))
	if _, err := stranger.Confirm(ctx, receipt.EscrowID); !errors.Is(err, ErrReverted) {
		t.Fatalf("expected revert for stranger, got %v", err)
	}
	if _, err := stranger.Cancel(ctx, receipt.EscrowID); !errors.Is(err, ErrReverted) {
		t.Fatalf("expected revert for stranger cancel, got %v", err)
	}
	if _, err := buyer.Cancel(ctx, receipt.EscrowID); err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
	if _, err := buyer.Release(ctx, receipt.EscrowID); !errors.Is(err, ErrReverted) {
		t.Fatalf("release after cancel must revert, got %v", err)
	}
}

func TestSimulatedHangEndsWithContext(t *testing.T) {
	sim := NewSimulated(1337)
	buyer, _ := sim.Bind(context.Background(), simBuyer)
	sim.FailNext(MethodDeposit, FaultHang)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := buyer.Deposit(ctx, simSeller, big.NewInt(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
