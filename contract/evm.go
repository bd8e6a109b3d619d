package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jpillora/backoff"

	"escrowmarket/observability/metrics"
)

// Backend is the subset of the Ethereum RPC used by the escrow client.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVM binds wallets to an escrow contract deployed on an EVM chain.
type EVM struct {
	backend  Backend
	address  common.Address
	wallets  WalletSource
	logger   *slog.Logger
	pollMin  time.Duration
	pollMax  time.Duration
	gasBump  uint64
	countFix bool
}

// EVMOption configures an EVM binder.
type EVMOption func(*EVM)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) EVMOption {
	return func(e *EVM) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithReceiptPolling sets the backoff bounds used while waiting for receipts.
func WithReceiptPolling(min, max time.Duration) EVMOption {
	return func(e *EVM) {
		if min > 0 {
			e.pollMin = min
		}
		if max >= e.pollMin {
			e.pollMax = max
		}
	}
}

// WithGasBumpPercent adds headroom on top of the node's gas estimate.
func WithGasBumpPercent(pct uint64) EVMOption {
	return func(e *EVM) {
		e.gasBump = pct
	}
}

// WithLegacyCountFallback derives the escrow id from transactionCount()-1 when a
// deposit receipt carries no FundsDeposited event.
//
// Deprecated: concurrent deposits make the derived id unreliable. Only enable
// it for contracts that do not emit the event.
func WithLegacyCountFallback(enabled bool) EVMOption {
	return func(e *EVM) {
		e.countFix = enabled
	}
}

// NewEVM constructs a binder for the contract at address.
func NewEVM(backend Backend, address string, wallets WalletSource, opts ...EVMOption) (*EVM, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm backend required")
	}
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return nil, fmt.Errorf("invalid escrow contract address %q", address)
	}
	e := &EVM{
		backend: backend,
		address: common.HexToAddress(strings.TrimSpace(address)),
		wallets: wallets,
		logger:  slog.Default(),
		pollMin: time.Second,
		pollMax: 15 * time.Second,
		gasBump: 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *EVM) ChainID(ctx context.Context) (*big.Int, error) {
	return e.backend.ChainID(ctx)
}

// Bind resolves the wallet for from and returns a client signing with it.
func (e *EVM) Bind(ctx context.Context, from string) (Client, error) {
	if e.wallets == nil {
		return nil, fmt.Errorf("%w: no wallet source configured", ErrUnknownWallet)
	}
	if !common.IsHexAddress(strings.TrimSpace(from)) {
		return nil, fmt.Errorf("%w: invalid address %q", ErrUnknownWallet, from)
	}
	wallet, err := e.wallets.Wallet(ctx, common.HexToAddress(strings.TrimSpace(from)))
	if err != nil {
		return nil, err
	}
	return &evmClient{evm: e, wallet: wallet}, nil
}

func (e *EVM) GetTransaction(ctx context.Context, escrowID *big.Int) (*Escrow, error) {
	out, err := e.call(ctx, nil, MethodGetTransaction, escrowID)
	if err != nil {
		return nil, err
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("getTransaction: unexpected output arity %d", len(out))
	}
	buyer, _ := out[0].(common.Address)
	seller, _ := out[1].(common.Address)
	amount, _ := out[2].(*big.Int)
	buyerOK, _ := out[3].(bool)
	sellerOK, _ := out[4].(bool)
	released, _ := out[5].(bool)
	if buyer == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	return &Escrow{
		Buyer:           buyer.Hex(),
		Seller:          seller.Hex(),
		Amount:          amount,
		BuyerConfirmed:  buyerOK,
		SellerConfirmed: sellerOK,
		FundsReleased:   released,
	}, nil
}

func (e *EVM) TransactionCount(ctx context.Context) (*big.Int, error) {
	return e.transactionCountAt(ctx, nil)
}

func (e *EVM) transactionCountAt(ctx context.Context, block *big.Int) (*big.Int, error) {
	out, err := e.call(ctx, block, MethodTransactionCount)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("transactionCount: unexpected output arity %d", len(out))
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("transactionCount: unexpected output type %T", out[0])
	}
	return count, nil
}

func (e *EVM) call(ctx context.Context, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &e.address, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

type evmClient struct {
	evm    *EVM
	wallet Wallet
}

func (c *evmClient) From() string { return c.wallet.Address().Hex() }

func (c *evmClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.evm.backend.ChainID(ctx)
}

func (c *evmClient) Deposit(ctx context.Context, seller string, value *big.Int) (*Receipt, error) {
	if !common.IsHexAddress(strings.TrimSpace(seller)) {
		return nil, fmt.Errorf("%w: invalid seller address %q", ErrReverted, seller)
	}
	if value == nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit value must be positive", ErrReverted)
	}
	out, mined, err := c.transact(ctx, MethodDeposit, value, common.HexToAddress(strings.TrimSpace(seller)))
	if err != nil {
		return out, err
	}
	out.EscrowID = c.evm.depositedID(mined)
	if out.EscrowID == nil && c.evm.countFix {
		count, err := c.evm.transactionCountAt(ctx, mined.BlockNumber)
		if err != nil {
			c.evm.logger.Warn("legacy escrow id lookup failed",
				slog.String("tx_hash", out.TxHash),
				slog.Any("error", err))
		} else if count.Sign() > 0 {
			out.EscrowID = new(big.Int).Sub(count, big.NewInt(1))
			c.evm.logger.Warn("escrow id derived from transaction count",
				slog.String("tx_hash", out.TxHash),
				slog.String("escrow_id", out.EscrowID.String()))
		}
	}
	return out, nil
}

func (c *evmClient) Confirm(ctx context.Context, escrowID *big.Int) (*Receipt, error) {
	out, _, err := c.transact(ctx, MethodConfirm, nil, escrowID)
	return out, err
}

func (c *evmClient) Release(ctx context.Context, escrowID *big.Int) (*Receipt, error) {
	out, _, err := c.transact(ctx, MethodRelease, nil, escrowID)
	return out, err
}

func (c *evmClient) Cancel(ctx context.Context, escrowID *big.Int) (*Receipt, error) {
	out, _, err := c.transact(ctx, MethodCancel, nil, escrowID)
	return out, err
}

func (c *evmClient) transact(ctx context.Context, method string, value *big.Int, args ...interface{}) (out *Receipt, mined *gethtypes.Receipt, err error) {
	start := time.Now()
	defer func() {
		metrics.Escrow().ObserveChainCall(method, time.Since(start), err)
	}()

	b := c.evm.backend
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.wallet.Address()
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	msg := ethereum.CallMsg{From: from, To: &c.evm.address, Value: value, Data: data, GasTipCap: tip, GasFeeCap: feeCap}
	gas, err := b.EstimateGas(ctx, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrReverted, method, err)
	}
	gas += gas * c.evm.gasBump / 100

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.evm.address,
		Value:     value,
		Data:      data,
	})
	signed, err := c.wallet.SignTx(ctx, tx, chainID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		if errors.Is(err, ErrRejected) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return nil, nil, fmt.Errorf("%w: send %s: %v", ErrReverted, method, err)
	}
	c.evm.logger.Info("escrow call submitted",
		slog.String("method", method),
		slog.String("from", from.Hex()),
		slog.String("tx_hash", signed.Hash().Hex()))

	mined, err = c.evm.waitMined(ctx, signed.Hash())
	if err != nil {
		hash := signed.Hash().Hex()
		return &Receipt{TxHash: hash}, nil, fmt.Errorf("%w: %s %s: %w", ErrNotMined, method, hash, err)
	}
	out = &Receipt{TxHash: signed.Hash().Hex(), Success: mined.Status == gethtypes.ReceiptStatusSuccessful}
	if mined.BlockNumber != nil {
		out.BlockNumber = mined.BlockNumber.Uint64()
	}
	if !out.Success {
		return out, mined, fmt.Errorf("%w: %s %s", ErrReceiptFailed, method, out.TxHash)
	}
	return out, mined, nil
}

// waitMined polls for a receipt until one is found or ctx is done.
func (e *EVM) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	bo := &backoff.Backoff{Min: e.pollMin, Max: e.pollMax, Factor: 1.5, Jitter: true}
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Debug("receipt poll failed",
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
		}
		timer := time.NewTimer(bo.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *EVM) depositedID(receipt *gethtypes.Receipt) *big.Int {
	if receipt == nil {
		return nil
	}
	topic := parsedABI.Events[EventFundsDeposited].ID
	for _, log := range receipt.Logs {
		if log == nil || log.Address != e.address {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[1].Bytes())
	}
	return nil
}
