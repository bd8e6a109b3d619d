package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Fault makes the next call of a method fail in a specific way.
type Fault int

const (
	FaultNone Fault = iota
	// FaultReject simulates the wallet declining the signature prompt.
	FaultReject
	// FaultRevert simulates a call rejected at submission.
	FaultRevert
	// FaultFailedReceipt simulates a mined transaction whose receipt failed.
	FaultFailedReceipt
	// FaultHang blocks the call until the caller's context is cancelled.
	FaultHang
	// FaultHangAfterSubmit applies the call on chain, then blocks the wait for
	// its receipt until the caller's context is cancelled.
	FaultHangAfterSubmit
)

// Simulated is an in-memory escrow contract used for development and tests.
// It enforces the same access rules as the deployed contract.
type Simulated struct {
	mu         sync.Mutex
	chainID    *big.Int
	escrows    []*simEscrow
	faults     map[string][]Fault
	calls      map[string]int
	omitEvents bool
	block      uint64
}

type simEscrow struct {
	Escrow
	cancelled bool
}

// NewSimulated creates an empty simulated contract on chainID.
func NewSimulated(chainID int64) *Simulated {
	return &Simulated{
		chainID: big.NewInt(chainID),
		faults:  make(map[string][]Fault),
		calls:   make(map[string]int),
	}
}

// FailNext queues a fault for the next call of method.
func (s *Simulated) FailNext(method string, fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = append(s.faults[method], fault)
}

// OmitDepositEvents makes deposit receipts carry no escrow id.
func (s *Simulated) OmitDepositEvents(omit bool) {
	s.mu.Lock()
	s.omitEvents = omit
	s.mu.Unlock()
}

// SetChainID switches the network the contract reports.
func (s *Simulated) SetChainID(id int64) {
	s.mu.Lock()
	s.chainID = big.NewInt(id)
	s.mu.Unlock()
}

// Calls returns how many times method reached the contract, faults included.
func (s *Simulated) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Simulated) ChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.chainID), nil
}

func (s *Simulated) Bind(ctx context.Context, from string) (Client, error) {
	if !common.IsHexAddress(strings.TrimSpace(from)) {
		return nil, fmt.Errorf("%w: invalid address %q", ErrUnknownWallet, from)
	}
	return &simClient{sim: s, from: common.HexToAddress(strings.TrimSpace(from))}, nil
}

func (s *Simulated) GetTransaction(ctx context.Context, escrowID *big.Int) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, err := s.lookup(escrowID)
	if err != nil {
		return nil, err
	}
	out := esc.Escrow
	out.Amount = new(big.Int).Set(esc.Amount)
	return &out, nil
}

func (s *Simulated) TransactionCount(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return big.NewInt(int64(len(s.escrows))), nil
}

func (s *Simulated) lookup(escrowID *big.Int) (*simEscrow, error) {
	if escrowID == nil || escrowID.Sign() < 0 || !escrowID.IsInt64() || escrowID.Int64() >= int64(len(s.escrows)) {
		return nil, fmt.Errorf("%w: %v", ErrEscrowNotFound, escrowID)
	}
	return s.escrows[escrowID.Int64()], nil
}

type simClient struct {
	sim  *Simulated
	from common.Address
}

func (c *simClient) From() string { return c.from.Hex() }

func (c *simClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.sim.ChainID(ctx)
}

func (c *simClient) Deposit(ctx context.Context, seller string, value *big.Int) (*Receipt, error) {
	return c.invoke(ctx, MethodDeposit, func(s *Simulated) (*big.Int, error) {
		if !common.IsHexAddress(seller) {
			return nil, fmt.Errorf("invalid seller")
		}
		if value == nil || value.Sign() <= 0 {
			return nil, fmt.Errorf("value must be positive")
		}
		id := big.NewInt(int64(len(s.escrows)))
		s.escrows = append(s.escrows, &simEscrow{Escrow: Escrow{
			Buyer:  c.from.Hex(),
			Seller: common.HexToAddress(seller).Hex(),
			Amount: new(big.Int).Set(value),
		}})
		if s.omitEvents {
			return nil, nil
		}
		return id, nil
	})
}

func (c *simClient) Confirm(ctx context.Context, escrowID *big.Int) (*Receipt, error) {
	return c.invoke(ctx, MethodConfirm, func(s *Simulated) (*big.Int, error) {
		esc, err := s.lookup(escrowID)
		if err != nil {
			return nil, err
		}
		if esc.FundsReleased || esc.cancelled {
			return nil, fmt.Errorf("escrow closed")
		}
		switch c.from.Hex() {
		case esc.Buyer:
			esc.BuyerConfirmed = true
		case esc.Seller:
			esc.SellerConfirmed = true
		default:
			return nil, fmt.Errorf("caller is not a party")
		}
		if esc.BuyerConfirmed && esc.SellerConfirmed {
			esc.FundsReleased = true
		}
		return nil, nil
	})
}

func (c *simClient) Release(ctx context.Context, escrowID *big.Int) (*Receipt, error) {
	return c.invoke(ctx, MethodRelease, func(s *Simulated) (*big.Int, error) {
		esc, err := s.lookup(escrowID)
		if err != nil {
			return nil, err
		}
		if c.from.Hex() != esc.Buyer {
			return nil, fmt.Errorf("only buyer can release")
		}
		if esc.FundsReleased || esc.cancelled {
			return nil, fmt.Errorf("escrow closed")
		}
		esc.BuyerConfirmed = true
		esc.FundsReleased = true
		return nil, nil
	})
}

func (c *simClient) Cancel(ctx context.Context, escrowID *big.Int) (*Receipt, error) {
	return c.invoke(ctx, MethodCancel, func(s *Simulated) (*big.Int, error) {
		esc, err := s.lookup(escrowID)
		if err != nil {
			return nil, err
		}
		if c.from.Hex() != esc.Buyer {
			return nil, fmt.Errorf("only buyer can cancel")
		}
		if esc.FundsReleased || esc.cancelled || esc.BuyerConfirmed {
			return nil, fmt.Errorf("escrow not cancellable")
		}
		esc.cancelled = true
		return nil, nil
	})
}

// invoke applies fn atomically unless a fault is queued. State changes made by
// fn are kept only when the simulated receipt succeeds.
func (c *simClient) invoke(ctx context.Context, method string, fn func(*Simulated) (*big.Int, error)) (*Receipt, error) {
	s := c.sim
	s.mu.Lock()
	s.calls[method]++
	fault := FaultNone
	if queue := s.faults[method]; len(queue) > 0 {
		fault, s.faults[method] = queue[0], queue[1:]
	}
	s.mu.Unlock()

	switch fault {
	case FaultReject:
		return nil, fmt.Errorf("%w: user denied transaction signature", ErrRejected)
	case FaultRevert:
		return nil, fmt.Errorf("%w: %s: execution reverted", ErrReverted, method)
	case FaultHang:
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.block++
	receipt := &Receipt{TxHash: c.fakeHash(method, s.block), BlockNumber: s.block, Success: true}
	if fault == FaultHangAfterSubmit {
		snapshot := s.snapshot()
		if _, err := fn(s); err != nil {
			s.escrows = snapshot
		}
		s.mu.Unlock()
		<-ctx.Done()
		s.mu.Lock()
		return &Receipt{TxHash: receipt.TxHash}, fmt.Errorf("%w: %s %s: %w", ErrNotMined, method, receipt.TxHash, ctx.Err())
	}
	if fault == FaultFailedReceipt {
		receipt.Success = false
		return receipt, fmt.Errorf("%w: %s %s", ErrReceiptFailed, method, receipt.TxHash)
	}
	snapshot := s.snapshot()
	id, err := fn(s)
	if err != nil {
		s.escrows = snapshot
		return nil, fmt.Errorf("%w: %s: %v", ErrReverted, method, err)
	}
	receipt.EscrowID = id
	return receipt, nil
}

func (s *Simulated) snapshot() []*simEscrow {
	out := make([]*simEscrow, len(s.escrows))
	for i, esc := range s.escrows {
		clone := *esc
		out[i] = &clone
	}
	return out
}

func (c *simClient) fakeHash(method string, block uint64) string {
	return gethcrypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", method, c.from.Hex(), block))).Hex()
}
