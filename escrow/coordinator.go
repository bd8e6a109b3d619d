// Package escrow drives marketplace purchases through the on-chain escrow
// contract and keeps the off-chain transaction record in step with it.
//
// Flow:
//
//	Initiate  -> row created (pending/pending)
//	Deposit   -> buyer funds the contract, row becomes funded
//	Confirm   -> dual confirmation policy: both parties confirm, then completed
//	Release   -> buyer release policy: buyer releases, then completed
//	Cancel    -> buyer cancels before confirming, row becomes cancelled
//
// Every chain call happens before any row mutation. When the chain call fails
// the row is left untouched and the operation can simply be retried.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowmarket/contract"
	"escrowmarket/format"
	"escrowmarket/models"
	"escrowmarket/observability/metrics"
	"escrowmarket/rates"
	"escrowmarket/storage"
)

// Store is the persistence the coordinator depends on.
type Store interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	SetCryptoAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error
	ListActiveByPair(ctx context.Context, crypto, fiat string) ([]models.Listing, error)
	CreateTransaction(ctx context.Context, txn *models.Transaction, event models.TransactionEvent) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	SaveTransaction(ctx context.Context, txn *models.Transaction, event models.TransactionEvent) error
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]models.Transaction, error)
	ListEvents(ctx context.Context, txnID uuid.UUID) ([]models.TransactionEvent, error)
}

// RateSource is satisfied by *rates.Lookup.
type RateSource interface {
	GetRate(ctx context.Context, crypto, fiat string) rates.Quote
}

// Notifier receives every committed transaction change.
type Notifier interface {
	Publish(txn models.Transaction)
}

// Role is the part a caller plays in a transaction.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Config holds coordinator settings.
type Config struct {
	// ChainID is the network the escrow contract lives on.
	ChainID int64
	// Network is a human readable label stored on each transaction.
	Network string
	// TokenSymbol is used when a listing does not name its crypto currency.
	TokenSymbol   string
	TokenDecimals uint8
	Precision     int32
	CommissionBps uint32
	// ReleasePolicy is stamped on transactions at initiation.
	ReleasePolicy models.ReleasePolicy
}

func (c Config) normalise() (Config, error) {
	if c.ChainID <= 0 {
		return c, fmt.Errorf("chain id must be positive")
	}
	if c.TokenDecimals == 0 {
		c.TokenDecimals = 18
	}
	if c.Precision <= 0 {
		c.Precision = format.DefaultPrecision
	}
	if c.CommissionBps > 10_000 {
		return c, fmt.Errorf("commission bps must not exceed 10000")
	}
	if c.ReleasePolicy == "" {
		c.ReleasePolicy = models.PolicyDualConfirmation
	}
	if !c.ReleasePolicy.Valid() {
		return c, fmt.Errorf("unknown release policy %q", c.ReleasePolicy)
	}
	return c, nil
}

// Coordinator implements the escrow operations.
type Coordinator struct {
	store    Store
	chain    contract.Binder
	pricer   *Pricer
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	locks    *keyedLock
	now      func() time.Time
	persist  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotifier installs a change notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a coordinator.
func New(store Store, chain contract.Binder, rateSource RateSource, cfg Config, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if chain == nil {
		return nil, fmt.Errorf("contract binder required")
	}
	if rateSource == nil {
		return nil, fmt.Errorf("rate source required")
	}
	normalised, err := cfg.normalise()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:   store,
		chain:   chain,
		cfg:     normalised,
		logger:  slog.Default(),
		locks:   newKeyedLock(),
		now:     time.Now,
		persist: 15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.pricer = NewPricer(store, rateSource, normalised.Precision, c.logger)
	return c, nil
}

// Pricer exposes the listing pricer sharing the coordinator's store and rates.
func (c *Coordinator) Pricer() *Pricer {
	return c.pricer
}

// Initiate opens a pending transaction for buyerID purchasing listingID with
// funds from buyerAddress.
func (c *Coordinator) Initiate(ctx context.Context, listingID, buyerID uuid.UUID, buyerAddress string) (txn *models.Transaction, err error) {
	defer func() { metrics.Escrow().RecordOperation("initiate", err) }()

	listing, err := c.store.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: listing %s not found", ErrListingInvalid, listingID)
		}
		return nil, err
	}
	if listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing %s is %s", ErrListingInvalid, listingID, listing.Status)
	}
	sellerWallet, err := format.NormalizeAddress(listing.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: seller wallet: %w", ErrListingInvalid, err)
	}
	buyerWallet, err := format.NormalizeAddress(buyerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: buyer wallet: %w", ErrValidation, err)
	}
	if buyerID == uuid.Nil {
		return nil, fmt.Errorf("%w: buyer required", ErrValidation)
	}
	if buyerID == listing.UserID {
		return nil, fmt.Errorf("%w: seller cannot buy own listing", ErrValidation)
	}
	amount, err := c.pricer.Quote(ctx, listing)
	if err != nil {
		return nil, err
	}
	symbol := listing.CryptoCurrency
	if symbol == "" {
		symbol = c.cfg.TokenSymbol
	}

	txn = &models.Transaction{
		ID:                  uuid.New(),
		ListingID:           listing.ID,
		BuyerID:             buyerID,
		SellerID:            listing.UserID,
		BuyerWalletAddress:  buyerWallet,
		SellerWalletAddress: sellerWallet,
		Amount:              amount,
		CommissionAmount:    format.Commission(amount, c.cfg.CommissionBps, c.cfg.Precision),
		TokenSymbol:         symbol,
		Network:             c.cfg.Network,
		ChainID:             c.cfg.ChainID,
		Status:              models.StatusPending,
		EscrowStatus:        models.EscrowPending,
		ReleasePolicy:       c.cfg.ReleasePolicy,
		CanBeCancelled:      true,
	}
	event := storage.NewEvent(txn.ID, models.EventInitiated, &buyerID, "", "amount="+amount.String()+" "+symbol)
	if err := c.store.CreateTransaction(ctx, txn, event); err != nil {
		return nil, fmt.Errorf("escrow: create transaction: %w", err)
	}
	c.logger.Info("escrow transaction initiated",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("listing_id", listing.ID.String()),
		slog.String("amount", amount.String()),
		slog.String("policy", string(txn.ReleasePolicy)))
	c.publish(txn)
	return txn, nil
}

// Deposit funds the escrow contract from the buyer's wallet. The wallet call
// and the wait for the receipt are bounded only by ctx.
func (c *Coordinator) Deposit(ctx context.Context, txnID, callerID uuid.UUID) (txn *models.Transaction, err error) {
	defer func() { metrics.Escrow().RecordOperation("deposit", err) }()

	unlock, err := c.locks.Lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err = c.load(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if callerID != txn.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can deposit", ErrUnauthorized)
	}
	if txn.OnChain() || txn.EscrowStatus != models.EscrowPending || txn.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, txn.ID, txn.EscrowStatus)
	}
	if txn.TransactionHash != nil {
		return nil, fmt.Errorf("%w: deposit %s mined without escrow id, awaiting reconciliation", ErrPersistence, *txn.TransactionHash)
	}
	if !txn.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: missing amount", ErrValidation)
	}
	value, err := format.ToBaseUnits(txn.Amount, c.cfg.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	client, err := c.bind(ctx, txn.BuyerWalletAddress, ErrDepositFailed)
	if err != nil {
		return nil, err
	}

	receipt, err := client.Deposit(ctx, txn.SellerWalletAddress, value)
	if err != nil {
		c.logger.Warn("escrow deposit failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.Any("error", err))
		if errors.Is(err, contract.ErrNotMined) && receipt != nil && receipt.TxHash != "" {
			// The deposit is on its way to the chain; keep its hash so a
			// retry cannot fund the escrow twice.
			pctx, cancel := c.persistContext(ctx)
			defer cancel()
			if saveErr := c.markUnresolved(pctx, txn, callerID, receipt.TxHash, "stopped waiting for deposit receipt"); saveErr != nil {
				return nil, fmt.Errorf("%w: deposit %s sent but not recorded: %w", ErrPersistence, receipt.TxHash, saveErr)
			}
		}
		return nil, chainFailure(ErrDepositFailed, err)
	}

	pctx, cancel := c.persistContext(ctx)
	defer cancel()
	hash := receipt.TxHash
	if receipt.EscrowID == nil {
		if saveErr := c.markUnresolved(pctx, txn, callerID, hash, "receipt carried no FundsDeposited event"); saveErr != nil {
			return nil, fmt.Errorf("%w: deposit %s mined but escrow id unknown: %w", ErrPersistence, hash, saveErr)
		}
		return nil, fmt.Errorf("%w: deposit %s mined but escrow id unknown", ErrPersistence, hash)
	}
	if err := ValidateTransition(txn.EscrowStatus, models.EscrowFunded); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	escrowID := receipt.EscrowID.String()
	txn.BlockchainTxnID = &escrowID
	txn.TransactionHash = &hash
	txn.FundsSecured = true
	txn.FundsSecuredAt = &now
	txn.EscrowStatus = models.EscrowFunded
	txn.Status = models.StatusConfirmed
	if err := c.store.SaveTransaction(pctx, txn, storage.NewEvent(txn.ID, models.EventDeposited, &callerID, hash, "escrow_id="+escrowID)); err != nil {
		c.logger.Error("escrow deposit not persisted",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("escrow_id", escrowID),
			slog.String("tx_hash", hash),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: deposit %s (escrow %s): %w", ErrPersistence, hash, escrowID, err)
	}
	c.logger.Info("escrow funded",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("escrow_id", escrowID),
		slog.String("tx_hash", hash))
	c.publish(txn)
	return txn, nil
}

// markUnresolved records a deposit hash without an escrow id. Deposits and
// cancels are refused until reconciliation settles the row.
func (c *Coordinator) markUnresolved(ctx context.Context, txn *models.Transaction, callerID uuid.UUID, hash, detail string) error {
	txn.TransactionHash = &hash
	txn.CanBeCancelled = false
	err := c.store.SaveTransaction(ctx, txn, storage.NewEvent(txn.ID, models.EventDepositUnresolved, &callerID, hash, detail))
	c.logger.Error("escrow deposit unresolved",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("tx_hash", hash),
		slog.String("detail", detail),
		slog.Any("save_error", err))
	c.publishIf(err == nil, txn)
	return err
}

// Confirm records the caller's confirmation on a dual confirmation
// transaction. role may be empty, in which case it is derived from callerID.
// Once both parties have confirmed the transaction completes. Confirming a
// second time is a no-op.
func (c *Coordinator) Confirm(ctx context.Context, txnID, callerID uuid.UUID, role Role) (txn *models.Transaction, err error) {
	defer func() { metrics.Escrow().RecordOperation("confirm", err) }()

	unlock, err := c.locks.Lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err = c.load(ctx, txnID)
	if err != nil {
		return nil, err
	}
	role, err = roleOf(txn, callerID, role)
	if err != nil {
		return nil, err
	}
	if txn.ReleasePolicy != models.PolicyDualConfirmation {
		return nil, fmt.Errorf("%w: transaction %s uses %s", ErrPolicyMismatch, txn.ID, txn.ReleasePolicy)
	}
	if confirmedBy(txn, role) {
		return txn, nil
	}
	escrowID, err := fundedEscrowID(txn)
	if err != nil {
		return nil, err
	}
	wallet := txn.BuyerWalletAddress
	if role == RoleSeller {
		wallet = txn.SellerWalletAddress
	}
	client, err := c.bind(ctx, wallet, ErrConfirmationFailed)
	if err != nil {
		return nil, err
	}
	receipt, err := client.Confirm(ctx, escrowID)
	if err != nil {
		c.logger.Warn("escrow confirm failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("role", string(role)),
			slog.Any("error", err))
		return nil, chainFailure(ErrConfirmationFailed, err)
	}

	pctx, cancel := c.persistContext(ctx)
	defer cancel()
	// Re-read so a confirmation committed by the other party while this call
	// was being mined is seen by the completion check below.
	fresh, err := c.load(pctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("%w: reload after confirm %s: %w", ErrPersistence, receipt.TxHash, err)
	}
	if _, err := fundedEscrowID(fresh); err != nil {
		c.logger.Error("escrow row changed during confirmation",
			slog.String("transaction_id", txnID.String()),
			slog.String("tx_hash", receipt.TxHash),
			slog.String("escrow_status", string(fresh.EscrowStatus)))
		return nil, fmt.Errorf("%w: confirm %s landed on %s row: %w", ErrPersistence, receipt.TxHash, fresh.EscrowStatus, err)
	}
	txn = fresh
	switch role {
	case RoleBuyer:
		txn.BuyerConfirmation = true
		txn.CanBeCancelled = false
	case RoleSeller:
		txn.SellerConfirmation = true
	}
	kind := models.EventConfirmed
	if txn.BuyerConfirmation && txn.SellerConfirmation {
		if err := ValidateTransition(txn.EscrowStatus, models.EscrowCompleted); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		c.complete(txn)
		kind = models.EventReleased
	}
	if err := c.store.SaveTransaction(pctx, txn, storage.NewEvent(txn.ID, kind, &callerID, receipt.TxHash, "role="+string(role))); err != nil {
		c.logger.Error("escrow confirmation not persisted",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("tx_hash", receipt.TxHash),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: confirm %s: %w", ErrPersistence, receipt.TxHash, err)
	}
	c.logger.Info("escrow confirmed",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("role", string(role)),
		slog.String("escrow_status", string(txn.EscrowStatus)))
	c.publish(txn)
	return txn, nil
}

// Release pays the seller on a buyer release transaction. Only the buyer may
// call it.
func (c *Coordinator) Release(ctx context.Context, txnID, callerID uuid.UUID) (txn *models.Transaction, err error) {
	defer func() { metrics.Escrow().RecordOperation("release", err) }()

	unlock, err := c.locks.Lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err = c.load(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if callerID != txn.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can release funds", ErrUnauthorized)
	}
	if txn.ReleasePolicy != models.PolicyBuyerRelease {
		return nil, fmt.Errorf("%w: transaction %s uses %s", ErrPolicyMismatch, txn.ID, txn.ReleasePolicy)
	}
	escrowID, err := fundedEscrowID(txn)
	if err != nil {
		return nil, err
	}
	client, err := c.bind(ctx, txn.BuyerWalletAddress, ErrConfirmationFailed)
	if err != nil {
		return nil, err
	}
	receipt, err := client.Release(ctx, escrowID)
	if err != nil {
		c.logger.Warn("escrow release failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.Any("error", err))
		return nil, chainFailure(ErrConfirmationFailed, err)
	}

	pctx, cancel := c.persistContext(ctx)
	defer cancel()
	fresh, err := c.load(pctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("%w: reload after release %s: %w", ErrPersistence, receipt.TxHash, err)
	}
	if _, err := fundedEscrowID(fresh); err != nil {
		c.logger.Error("escrow row changed during release",
			slog.String("transaction_id", txnID.String()),
			slog.String("tx_hash", receipt.TxHash),
			slog.String("escrow_status", string(fresh.EscrowStatus)))
		return nil, fmt.Errorf("%w: release %s landed on %s row: %w", ErrPersistence, receipt.TxHash, fresh.EscrowStatus, err)
	}
	txn = fresh
	txn.BuyerConfirmation = true
	txn.CanBeCancelled = false
	c.complete(txn)
	if err := c.store.SaveTransaction(pctx, txn, storage.NewEvent(txn.ID, models.EventReleased, &callerID, receipt.TxHash, "")); err != nil {
		c.logger.Error("escrow release not persisted",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("tx_hash", receipt.TxHash),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: release %s: %w", ErrPersistence, receipt.TxHash, err)
	}
	c.logger.Info("escrow released",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("tx_hash", receipt.TxHash))
	c.publish(txn)
	return txn, nil
}

// Cancel aborts the purchase on behalf of the buyer. Funded escrows are
// cancelled on-chain first; unfunded ones are closed off-chain only.
func (c *Coordinator) Cancel(ctx context.Context, txnID, callerID uuid.UUID) (txn *models.Transaction, err error) {
	defer func() { metrics.Escrow().RecordOperation("cancel", err) }()

	unlock, err := c.locks.Lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err = c.load(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if callerID != txn.BuyerID {
		return nil, fmt.Errorf("%w: %w: only the buyer can cancel", ErrCancelNotAllowed, ErrUnauthorized)
	}
	if !txn.CanBeCancelled || txn.ReleasedAt != nil || txn.CancelledAt != nil || txn.BuyerConfirmation {
		return nil, fmt.Errorf("%w: transaction %s can no longer be cancelled", ErrCancelNotAllowed, txn.ID)
	}
	if err := ValidateTransition(txn.EscrowStatus, models.EscrowCancelled); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelNotAllowed, err)
	}
	if !txn.OnChain() && txn.TransactionHash != nil {
		return nil, fmt.Errorf("%w: deposit %s awaiting reconciliation", ErrCancelNotAllowed, *txn.TransactionHash)
	}

	var hash string
	if txn.OnChain() {
		escrowID, ok := new(big.Int).SetString(*txn.BlockchainTxnID, 10)
		if !ok {
			return nil, fmt.Errorf("%w: malformed blockchain id %q", ErrInvalidState, *txn.BlockchainTxnID)
		}
		client, err := c.bind(ctx, txn.BuyerWalletAddress, ErrChainCallFailed)
		if err != nil {
			return nil, err
		}
		receipt, err := client.Cancel(ctx, escrowID)
		if err != nil {
			c.logger.Warn("escrow cancel failed",
				slog.String("transaction_id", txn.ID.String()),
				slog.Any("error", err))
			return nil, chainFailure(ErrChainCallFailed, err)
		}
		hash = receipt.TxHash
	}

	pctx, cancel := c.persistContext(ctx)
	defer cancel()
	if hash != "" {
		fresh, err := c.load(pctx, txnID)
		if err != nil {
			return nil, fmt.Errorf("%w: reload after cancel %s: %w", ErrPersistence, hash, err)
		}
		txn = fresh
	}
	now := c.now().UTC()
	caller := callerID
	txn.CancelledAt = &now
	txn.CancelledBy = &caller
	txn.Status = models.StatusCancelled
	txn.EscrowStatus = models.EscrowCancelled
	txn.CanBeCancelled = false
	if err := c.store.SaveTransaction(pctx, txn, storage.NewEvent(txn.ID, models.EventCancelled, &callerID, hash, "")); err != nil {
		if hash == "" {
			return nil, fmt.Errorf("escrow: cancel %s: %w", txn.ID, err)
		}
		c.logger.Error("escrow cancellation not persisted",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("tx_hash", hash),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: cancel %s: %w", ErrPersistence, hash, err)
	}
	c.logger.Info("escrow cancelled",
		slog.String("transaction_id", txn.ID.String()),
		slog.Bool("on_chain", hash != ""))
	c.publish(txn)
	return txn, nil
}

// Get returns a transaction visible to callerID.
func (c *Coordinator) Get(ctx context.Context, txnID, callerID uuid.UUID) (*models.Transaction, error) {
	txn, err := c.load(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if callerID != txn.BuyerID && callerID != txn.SellerID {
		return nil, fmt.Errorf("%w: not a party to %s", ErrUnauthorized, txnID)
	}
	return txn, nil
}

// List returns the caller's transactions, as buyer or seller.
func (c *Coordinator) List(ctx context.Context, callerID uuid.UUID, filter storage.TransactionFilter) ([]models.Transaction, error) {
	filter.PartyID = callerID
	return c.store.ListTransactions(ctx, filter)
}

// Events returns the audit trail of a transaction visible to callerID.
func (c *Coordinator) Events(ctx context.Context, txnID, callerID uuid.UUID) ([]models.TransactionEvent, error) {
	if _, err := c.Get(ctx, txnID, callerID); err != nil {
		return nil, err
	}
	return c.store.ListEvents(ctx, txnID)
}

func (c *Coordinator) load(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := c.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return txn, nil
}

// bind resolves the wallet for address and checks it is on the configured
// chain. Wallet problems are validation errors; RPC failures are reported as
// kind.
func (c *Coordinator) bind(ctx context.Context, address string, kind error) (contract.Client, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: missing wallet", ErrValidation)
	}
	client, err := c.chain.Bind(ctx, address)
	if err != nil {
		if errors.Is(err, contract.ErrUnknownWallet) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, chainFailure(kind, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, chainFailure(kind, err)
	}
	if chainID.Cmp(big.NewInt(c.cfg.ChainID)) != 0 {
		return nil, fmt.Errorf("%w: wallet on chain %s, escrow on chain %d", ErrWrongNetwork, chainID, c.cfg.ChainID)
	}
	return client, nil
}

// persistContext detaches the database write from caller cancellation once a
// chain call has succeeded.
func (c *Coordinator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.persist)
}

func (c *Coordinator) complete(txn *models.Transaction) {
	now := c.now().UTC()
	txn.EscrowStatus = models.EscrowCompleted
	txn.Status = models.StatusCompleted
	txn.ReleasedAt = &now
	txn.CanBeCancelled = false
}

func (c *Coordinator) publish(txn *models.Transaction) {
	if c.notifier != nil && txn != nil {
		c.notifier.Publish(*txn)
	}
}

func (c *Coordinator) publishIf(ok bool, txn *models.Transaction) {
	if ok {
		c.publish(txn)
	}
}

func roleOf(txn *models.Transaction, callerID uuid.UUID, claimed Role) (Role, error) {
	var actual Role
	switch callerID {
	case txn.BuyerID:
		actual = RoleBuyer
	case txn.SellerID:
		actual = RoleSeller
	default:
		return "", fmt.Errorf("%w: caller is neither buyer nor seller", ErrUnauthorized)
	}
	if claimed != "" && claimed != actual {
		return "", fmt.Errorf("%w: caller is the %s, not the %s", ErrUnauthorized, actual, claimed)
	}
	return actual, nil
}

func confirmedBy(txn *models.Transaction, role Role) bool {
	if role == RoleBuyer {
		return txn.BuyerConfirmation
	}
	return txn.SellerConfirmation
}

func fundedEscrowID(txn *models.Transaction) (*big.Int, error) {
	if !txn.OnChain() {
		return nil, fmt.Errorf("%w: transaction %s has no blockchain id", ErrInvalidState, txn.ID)
	}
	if txn.EscrowStatus != models.EscrowFunded {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, txn.ID, txn.EscrowStatus)
	}
	id, ok := new(big.Int).SetString(*txn.BlockchainTxnID, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed blockchain id %q", ErrInvalidState, *txn.BlockchainTxnID)
	}
	return id, nil
}
