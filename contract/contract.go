// Package contract talks to the externally deployed escrow contract. A Binder
// hands out a Client bound to one wallet; every call submits a transaction,
// waits for it to be mined and returns the receipt. Waits are unbounded and
// end only when the receipt arrives or the caller's context is cancelled.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	// ErrRejected is returned when the wallet declines to sign.
	ErrRejected = errors.New("contract: wallet rejected request")
	// ErrReverted is returned when the call fails before or during submission.
	ErrReverted = errors.New("contract: call reverted")
	// ErrReceiptFailed is returned when the mined receipt reports failure.
	ErrReceiptFailed = errors.New("contract: receipt reported failure")
	// ErrUnknownWallet is returned when no signer exists for an address.
	ErrUnknownWallet = errors.New("contract: no wallet for address")
	// ErrEscrowNotFound is returned by reads for ids the contract never issued.
	ErrEscrowNotFound = errors.New("contract: escrow not found")
	// ErrNotMined is returned when the caller stops waiting after the
	// transaction was broadcast. The Receipt returned with it carries only
	// TxHash; the call may still be mined.
	ErrNotMined = errors.New("contract: transaction sent but not mined")
)

// Receipt summarises a mined contract call.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
	// EscrowID is the on-chain escrow identifier taken from FundsDeposited.
	// Only deposits set it and it is nil when the event could not be found.
	EscrowID *big.Int
}

// Escrow mirrors the contract's getTransaction view.
type Escrow struct {
	Buyer           string
	Seller          string
	Amount          *big.Int
	BuyerConfirmed  bool
	SellerConfirmed bool
	FundsReleased   bool
}

// Client performs state-changing escrow calls from one wallet.
type Client interface {
	From() string
	ChainID(ctx context.Context) (*big.Int, error)
	Deposit(ctx context.Context, seller string, value *big.Int) (*Receipt, error)
	Confirm(ctx context.Context, escrowID *big.Int) (*Receipt, error)
	Release(ctx context.Context, escrowID *big.Int) (*Receipt, error)
	Cancel(ctx context.Context, escrowID *big.Int) (*Receipt, error)
}

// Reader exposes the contract's views.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	GetTransaction(ctx context.Context, escrowID *big.Int) (*Escrow, error)
	TransactionCount(ctx context.Context) (*big.Int, error)
}

// Binder resolves the wallet for an address and binds a Client to it.
type Binder interface {
	Reader
	Bind(ctx context.Context, from string) (Client, error)
}

// Method names as they appear in the ABI.
const (
	MethodDeposit          = "deposit"
	MethodConfirm          = "confirmTransaction"
	MethodRelease          = "releaseFunds"
	MethodCancel           = "cancelTransaction"
	MethodGetTransaction   = "getTransaction"
	MethodTransactionCount = "transactionCount"

	EventFundsDeposited       = "FundsDeposited"
	EventTransactionConfirmed = "TransactionConfirmed"
	EventFundsReleased        = "FundsReleased"
	EventTransactionCancelled = "TransactionCancelled"
)

// EscrowABI is the interface of the deployed escrow contract.
const EscrowABI = `[
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"seller","type":"address"}],"outputs":[]},
  {"type":"function","name":"confirmTransaction","stateMutability":"nonpayable","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelTransaction","stateMutability":"nonpayable","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getTransaction","stateMutability":"view","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[
    {"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"buyerConfirmed","type":"bool"},{"name":"sellerConfirmed","type":"bool"},{"name":"fundsReleased","type":"bool"}]},
  {"type":"function","name":"transactionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"FundsDeposited","anonymous":false,"inputs":[
    {"name":"txnId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},
    {"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransactionConfirmed","anonymous":false,"inputs":[
    {"name":"txnId","type":"uint256","indexed":true},{"name":"confirmer","type":"address","indexed":true}]},
  {"type":"event","name":"FundsReleased","anonymous":false,"inputs":[
    {"name":"txnId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransactionCancelled","anonymous":false,"inputs":[
    {"name":"txnId","type":"uint256","indexed":true}]}
]`

var parsedABI = mustParseABI(EscrowABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ABI returns the parsed escrow interface.
func ABI() abi.ABI {
	return parsedABI
}
