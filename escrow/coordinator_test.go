package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrowmarket/contract"
	"escrowmarket/models"
	"escrowmarket/rates"
	"escrowmarket/storage"
)

const (
	testChainID   = 11155111
	sellerAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	buyerAddress  = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type fixedRate struct {
	rate decimal.Decimal
}

func (f fixedRate) GetRate(ctx context.Context, crypto, fiat string) rates.Quote {
	return rates.Quote{Crypto: crypto, Fiat: fiat, Rate: f.rate, Source: "test", Timestamp: time.Now()}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []models.Transaction
}

func (r *recordingNotifier) Publish(txn models.Transaction) {
	r.mu.Lock()
	r.got = append(r.got, txn)
	r.mu.Unlock()
}

func (r *recordingNotifier) statuses() []models.EscrowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EscrowStatus, len(r.got))
	for i, txn := range r.got {
		out[i] = txn.EscrowStatus
	}
	return out
}

type harness struct {
	store    *storage.Store
	sim      *contract.Simulated
	coord    *Coordinator
	notifier *recordingNotifier
	listing  *models.Listing
	seller   uuid.UUID
	buyer    uuid.UUID
}

func newHarness(t *testing.T, rate decimal.Decimal, policy models.ReleasePolicy) *harness {
	t.Helper()
	store, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:    store,
		sim:      contract.NewSimulated(testChainID),
		notifier: &recordingNotifier{},
		seller:   uuid.New(),
		buyer:    uuid.New(),
	}
	h.coord, err = New(store, h.sim, fixedRate{rate: rate}, Config{
		ChainID:       testChainID,
		Network:       "sepolia",
		TokenSymbol:   "ETH",
		CommissionBps: 250,
		ReleasePolicy: policy,
	}, WithNotifier(h.notifier))
	require.NoError(t, err)

	h.listing = &models.Listing{
		UserID:         h.seller,
		Title:          "Road bike",
		Price:          decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		WalletAddress:  sellerAddress,
		CryptoCurrency: "ETH",
	}
	require.NoError(t, store.CreateListing(context.Background(), h.listing))
	return h
}

func (h *harness) initiate(t *testing.T) *models.Transaction {
	t.Helper()
	txn, err := h.coord.Initiate(context.Background(), h.listing.ID, h.buyer, buyerAddress)
	require.NoError(t, err)
	return txn
}

func (h *harness) funded(t *testing.T) *models.Transaction {
	t.Helper()
	txn := h.initiate(t)
	txn, err := h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	return txn
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.Transaction {
	t.Helper()
	txn, err := h.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func TestInitiateCreatesPendingTransaction(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	require.Equal(t, models.StatusPending, txn.Status)
	require.Equal(t, models.EscrowPending, txn.EscrowStatus)
	require.Equal(t, models.PolicyDualConfirmation, txn.ReleasePolicy)
	require.True(t, txn.Amount.Equal(decimal.NewFromInt(2)), "amount %s", txn.Amount)
	require.True(t, txn.CommissionAmount.Equal(decimal.RequireFromString("0.05")), "commission %s", txn.CommissionAmount)
	require.True(t, txn.CanBeCancelled)
	require.False(t, txn.FundsSecured)
	require.Nil(t, txn.BlockchainTxnID)
	require.Equal(t, h.seller, txn.SellerID)

	listing, err := h.store.GetListing(context.Background(), h.listing.ID)
	require.NoError(t, err)
	require.True(t, listing.CryptoAmount.Valid)
	require.True(t, listing.CryptoAmount.Decimal.Equal(decimal.NewFromInt(2)))
}

func TestInitiateRejectsUnusableRate(t *testing.T) {
	for _, rate := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-3)} {
		h := newHarness(t, rate, "")
		_, err := h.coord.Initiate(context.Background(), h.listing.ID, h.buyer, buyerAddress)
		require.ErrorIs(t, err, ErrListingInvalid, "rate %s", rate)

		txns, err := h.store.ListTransactions(context.Background(), storage.TransactionFilter{PartyID: h.buyer})
		require.NoError(t, err)
		require.Empty(t, txns)
	}
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	ctx := context.Background()

	_, err := h.coord.Initiate(ctx, h.listing.ID, h.buyer, "not-an-address")
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.coord.Initiate(ctx, h.listing.ID, h.seller, buyerAddress)
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.coord.Initiate(ctx, uuid.New(), h.buyer, buyerAddress)
	require.ErrorIs(t, err, ErrListingInvalid)

	h.listing.Status = models.ListingInactive
	require.NoError(t, h.store.UpdateListing(ctx, h.listing))
	_, err = h.coord.Initiate(ctx, h.listing.ID, h.buyer, buyerAddress)
	require.ErrorIs(t, err, ErrListingInvalid)
}

func TestDepositFundsEscrow(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	require.Equal(t, models.EscrowFunded, txn.EscrowStatus)
	require.Equal(t, models.StatusConfirmed, txn.Status)
	require.NotNil(t, txn.BlockchainTxnID)
	require.Equal(t, "0", *txn.BlockchainTxnID)
	require.NotNil(t, txn.TransactionHash)
	require.True(t, txn.FundsSecured)
	require.NotNil(t, txn.FundsSecuredAt)

	onChain, err := h.sim.GetTransaction(context.Background(), bigID(t, *txn.BlockchainTxnID))
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", onChain.Amount.String())
	require.Equal(t, sellerAddress, onChain.Seller)

	events, err := h.coord.Events(context.Background(), txn.ID, h.seller)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.EventInitiated, events[0].Type)
	require.Equal(t, models.EventDeposited, events[1].Type)
}

func TestRejectedDepositLeavesRowUntouchedAndCanRetry(t *testing.T) {
	for _, fault := range []contract.Fault{contract.FaultReject, contract.FaultRevert, contract.FaultFailedReceipt} {
		h := newHarness(t, decimal.NewFromInt(50), "")
		txn := h.initiate(t)
		before := h.reload(t, txn.ID)

		h.sim.FailNext(contract.MethodDeposit, fault)
		_, err := h.coord.Deposit(context.Background(), txn.ID, h.buyer)
		require.ErrorIs(t, err, ErrDepositFailed)
		require.ErrorIs(t, err, ErrChainCallFailed)

		after := h.reload(t, txn.ID)
		require.Equal(t, before.EscrowStatus, after.EscrowStatus)
		require.Equal(t, before.Status, after.Status)
		require.Nil(t, after.BlockchainTxnID)
		require.Nil(t, after.TransactionHash)
		require.False(t, after.FundsSecured)
		require.Equal(t, before.UpdatedAt, after.UpdatedAt)

		retried, err := h.coord.Deposit(context.Background(), txn.ID, h.buyer)
		require.NoError(t, err)
		require.Equal(t, models.EscrowFunded, retried.EscrowStatus)
	}
}

func TestDepositCancelledContext(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	h.sim.FailNext(contract.MethodDeposit, contract.FaultHang)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.coord.Deposit(ctx, txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrDepositFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, models.EscrowPending, h.reload(t, txn.ID).EscrowStatus)
}

func TestDepositAbandonedAfterSubmitKeepsHash(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	h.sim.FailNext(contract.MethodDeposit, contract.FaultHangAfterSubmit)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.coord.Deposit(ctx, txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrDepositFailed)
	require.ErrorIs(t, err, contract.ErrNotMined)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	row := h.reload(t, txn.ID)
	require.NotNil(t, row.TransactionHash, "a broadcast deposit must be recorded")
	require.Nil(t, row.BlockchainTxnID)
	require.False(t, row.CanBeCancelled)
	require.Equal(t, models.EscrowPending, row.EscrowStatus)

	events, err := h.coord.Events(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	require.Contains(t, kinds, models.EventDepositUnresolved)

	_, err = h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrPersistence)
	_, err = h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrCancelNotAllowed)
	require.Equal(t, 1, h.sim.Calls(contract.MethodDeposit))
}

func TestDepositWrongNetwork(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	h.sim.SetChainID(1)
	_, err := h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrWrongNetwork)
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, h.sim.Calls(contract.MethodDeposit))
}

func TestDepositOnlyByBuyerOnce(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	_, err := h.coord.Deposit(context.Background(), txn.ID, h.seller)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	_, err = h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, 1, h.sim.Calls(contract.MethodDeposit))
}

func TestDepositWithoutEventIsUnresolved(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	h.sim.OmitDepositEvents(true)
	_, err := h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrPersistence)

	row := h.reload(t, txn.ID)
	require.Nil(t, row.BlockchainTxnID)
	require.NotNil(t, row.TransactionHash)
	require.Equal(t, models.EscrowPending, row.EscrowStatus)

	_, err = h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrPersistence)
	_, err = h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrCancelNotAllowed)
	require.Equal(t, 1, h.sim.Calls(contract.MethodDeposit))
}

func TestConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	first, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.NoError(t, err)
	require.True(t, first.BuyerConfirmation)
	require.False(t, first.CanBeCancelled)
	require.Equal(t, models.EscrowFunded, first.EscrowStatus)

	second, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.NoError(t, err)
	require.Equal(t, first.EscrowStatus, second.EscrowStatus)
	require.Equal(t, 1, h.sim.Calls(contract.MethodConfirm))
}

func TestConfirmOrderIndependent(t *testing.T) {
	orders := map[string][]Role{
		"buyer first":  {RoleBuyer, RoleSeller},
		"seller first": {RoleSeller, RoleBuyer},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, decimal.NewFromInt(50), "")
			txn := h.funded(t)
			var err error
			for i, role := range order {
				caller := h.buyer
				if role == RoleSeller {
					caller = h.seller
				}
				txn, err = h.coord.Confirm(context.Background(), txn.ID, caller, role)
				require.NoError(t, err)
				if i == 0 {
					require.Equal(t, models.EscrowFunded, txn.EscrowStatus)
				}
			}
			require.Equal(t, models.EscrowCompleted, txn.EscrowStatus)
			require.Equal(t, models.StatusCompleted, txn.Status)
			require.NotNil(t, txn.ReleasedAt)

			onChain, err := h.sim.GetTransaction(context.Background(), bigID(t, *txn.BlockchainTxnID))
			require.NoError(t, err)
			require.True(t, onChain.FundsReleased)
		})
	}
}

func TestConfirmRoleChecks(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	_, err := h.coord.Confirm(context.Background(), txn.ID, uuid.New(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.coord.Confirm(context.Background(), txn.ID, h.seller, RoleBuyer)
	require.ErrorIs(t, err, ErrUnauthorized)

	confirmed, err := h.coord.Confirm(context.Background(), txn.ID, h.seller, "")
	require.NoError(t, err)
	require.True(t, confirmed.SellerConfirmation)
	require.True(t, confirmed.CanBeCancelled)
}

func TestConfirmRequiresFundedEscrow(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	_, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Zero(t, h.sim.Calls(contract.MethodConfirm))
}

func TestConfirmFailedReceiptLeavesRowUntouched(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	h.sim.FailNext(contract.MethodConfirm, contract.FaultFailedReceipt)
	_, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.ErrorIs(t, err, ErrConfirmationFailed)
	require.ErrorIs(t, err, ErrChainCallFailed)
	require.ErrorIs(t, err, contract.ErrReceiptFailed)

	row := h.reload(t, txn.ID)
	require.False(t, row.BuyerConfirmation)
	require.True(t, row.CanBeCancelled)
}

// interceptBinder runs afterCall once a bound client's chain call returns.
type interceptBinder struct {
	contract.Binder
	afterCall func(method string)
}

func (b *interceptBinder) Bind(ctx context.Context, from string) (contract.Client, error) {
	client, err := b.Binder.Bind(ctx, from)
	if err != nil {
		return nil, err
	}
	return &interceptClient{Client: client, afterCall: b.afterCall}, nil
}

type interceptClient struct {
	contract.Client
	afterCall func(method string)
}

func (c *interceptClient) Confirm(ctx context.Context, escrowID *big.Int) (*contract.Receipt, error) {
	receipt, err := c.Client.Confirm(ctx, escrowID)
	c.afterCall(contract.MethodConfirm)
	return receipt, err
}

func (c *interceptClient) Release(ctx context.Context, escrowID *big.Int) (*contract.Receipt, error) {
	receipt, err := c.Client.Release(ctx, escrowID)
	c.afterCall(contract.MethodRelease)
	return receipt, err
}

// cancelDuringCall rebuilds h.coord so the row is cancelled in storage while
// the chain call for method is in flight.
func (h *harness) cancelDuringCall(t *testing.T, id uuid.UUID, method string, policy models.ReleasePolicy) {
	t.Helper()
	binder := &interceptBinder{Binder: h.sim, afterCall: func(called string) {
		if called != method {
			return
		}
		row := h.reload(t, id)
		row.EscrowStatus = models.EscrowCancelled
		row.CanBeCancelled = false
		require.NoError(t, h.store.SaveTransaction(context.Background(), row,
			storage.NewEvent(row.ID, models.EventCancelled, &h.buyer, "", "")))
	}}
	coord, err := New(h.store, binder, fixedRate{rate: decimal.NewFromInt(50)}, Config{
		ChainID:       testChainID,
		Network:       "sepolia",
		TokenSymbol:   "ETH",
		CommissionBps: 250,
		ReleasePolicy: policy,
	}, WithNotifier(h.notifier))
	require.NoError(t, err)
	h.coord = coord
}

func TestConfirmDoesNotOverwriteRowChangedDuringCall(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)
	h.cancelDuringCall(t, txn.ID, contract.MethodConfirm, "")

	_, err := h.coord.Confirm(context.Background(), txn.ID, h.seller, RoleSeller)
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, 1, h.sim.Calls(contract.MethodConfirm))

	row := h.reload(t, txn.ID)
	require.Equal(t, models.EscrowCancelled, row.EscrowStatus)
	require.False(t, row.SellerConfirmation)

	events, err := h.coord.Events(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, models.EventConfirmed, ev.Type)
	}
}

func TestReleaseDoesNotOverwriteRowChangedDuringCall(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), models.PolicyBuyerRelease)
	txn := h.funded(t)
	h.cancelDuringCall(t, txn.ID, contract.MethodRelease, models.PolicyBuyerRelease)

	_, err := h.coord.Release(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrPersistence)

	row := h.reload(t, txn.ID)
	require.Equal(t, models.EscrowCancelled, row.EscrowStatus)
	require.Nil(t, row.ReleasedAt)
	require.False(t, row.BuyerConfirmation)
}

func TestCancelAfterBuyerConfirmationNotAllowed(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	_, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.NoError(t, err)
	_, err = h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrCancelNotAllowed)
	require.Zero(t, h.sim.Calls(contract.MethodCancel))
}

func TestCancelPendingIsOffChain(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	cancelled, err := h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	require.Equal(t, models.EscrowCancelled, cancelled.EscrowStatus)
	require.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Equal(t, h.buyer, *cancelled.CancelledBy)
	require.False(t, cancelled.CanBeCancelled)
	require.Zero(t, h.sim.Calls(contract.MethodCancel))

	_, err = h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrCancelNotAllowed)
	_, err = h.coord.Deposit(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelFundedCallsContract(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	_, err := h.coord.Cancel(context.Background(), txn.ID, h.seller)
	require.ErrorIs(t, err, ErrCancelNotAllowed)
	require.ErrorIs(t, err, ErrUnauthorized)

	h.sim.FailNext(contract.MethodCancel, contract.FaultRevert)
	_, err = h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrChainCallFailed)
	require.Equal(t, models.EscrowFunded, h.reload(t, txn.ID).EscrowStatus)

	cancelled, err := h.coord.Cancel(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	require.Equal(t, models.EscrowCancelled, cancelled.EscrowStatus)
	require.Equal(t, 2, h.sim.Calls(contract.MethodCancel))
}

func TestBuyerReleasePolicy(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), models.PolicyBuyerRelease)
	txn := h.funded(t)
	require.Equal(t, models.PolicyBuyerRelease, txn.ReleasePolicy)

	_, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.ErrorIs(t, err, ErrPolicyMismatch)
	_, err = h.coord.Release(context.Background(), txn.ID, h.seller)
	require.ErrorIs(t, err, ErrUnauthorized)

	released, err := h.coord.Release(context.Background(), txn.ID, h.buyer)
	require.NoError(t, err)
	require.Equal(t, models.EscrowCompleted, released.EscrowStatus)
	require.True(t, released.BuyerConfirmation)
	require.NotNil(t, released.ReleasedAt)

	_, err = h.coord.Release(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReleaseRejectedOnDualPolicy(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	_, err := h.coord.Release(context.Background(), txn.ID, h.buyer)
	require.ErrorIs(t, err, ErrPolicyMismatch)
	require.Zero(t, h.sim.Calls(contract.MethodRelease))
}

func TestVisibilityLimitedToParties(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.initiate(t)

	_, err := h.coord.Get(context.Background(), txn.ID, uuid.New())
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.coord.Get(context.Background(), uuid.New(), h.buyer)
	require.ErrorIs(t, err, ErrNotFound)

	for _, party := range []uuid.UUID{h.buyer, h.seller} {
		list, err := h.coord.List(context.Background(), party, storage.TransactionFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
	}
	list, err := h.coord.List(context.Background(), uuid.New(), storage.TransactionFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestNotifierSeesCommittedChanges(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)
	h.sim.FailNext(contract.MethodConfirm, contract.FaultReject)
	_, err := h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.Error(t, err)
	_, err = h.coord.Confirm(context.Background(), txn.ID, h.buyer, RoleBuyer)
	require.NoError(t, err)
	_, err = h.coord.Confirm(context.Background(), txn.ID, h.seller, RoleSeller)
	require.NoError(t, err)

	require.Equal(t, []models.EscrowStatus{
		models.EscrowPending,
		models.EscrowFunded,
		models.EscrowFunded,
		models.EscrowCompleted,
	}, h.notifier.statuses())
}

func TestConcurrentConfirmationsComplete(t *testing.T) {
	h := newHarness(t, decimal.NewFromInt(50), "")
	txn := h.funded(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, caller := range []uuid.UUID{h.buyer, h.seller} {
		wg.Add(1)
		go func(i int, caller uuid.UUID) {
			defer wg.Done()
			_, errs[i] = h.coord.Confirm(context.Background(), txn.ID, caller, "")
		}(i, caller)
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	row := h.reload(t, txn.ID)
	require.True(t, row.BuyerConfirmation)
	require.True(t, row.SellerConfirmation)
	require.Equal(t, models.EscrowCompleted, row.EscrowStatus)
}

func TestNewRejectsBadConfig(t *testing.T) {
	store := &storage.Store{}
	sim := contract.NewSimulated(testChainID)
	_, err := New(store, sim, fixedRate{}, Config{})
	require.Error(t, err)
	_, err = New(store, sim, fixedRate{}, Config{ChainID: 1, ReleasePolicy: "escrow_agent"})
	require.Error(t, err)
	_, err = New(store, sim, fixedRate{}, Config{ChainID: 1, CommissionBps: 10_001})
	require.Error(t, err)
}
