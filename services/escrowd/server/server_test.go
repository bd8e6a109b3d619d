package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"escrowmarket/contract"
	"escrowmarket/escrow"
	"escrowmarket/gateway/middleware"
	"escrowmarket/models"
	"escrowmarket/rates"
	"escrowmarket/services/escrowd/stream"
	"escrowmarket/storage"
)

const (
	testSecret    = "server-test-secret"
	testChainID   = 11155111
	sellerAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	buyerAddress  = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type fixedRate struct {
	rate decimal.Decimal
}

func (f fixedRate) GetRate(ctx context.Context, crypto, fiat string) rates.Quote {
	if fiat != "USD" {
		return rates.Quote{Crypto: crypto, Fiat: fiat}
	}
	return rates.Quote{Crypto: crypto, Fiat: fiat, Rate: f.rate, Source: "test", Timestamp: time.Now()}
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	coord   *escrow.Coordinator
	seller  uuid.UUID
	buyer   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := stream.NewHub()
	t.Cleanup(hub.Close)
	rateSource := fixedRate{rate: decimal.NewFromInt(50)}
	coord, err := escrow.New(store, contract.NewSimulated(testChainID), rateSource, escrow.Config{
		ChainID:       testChainID,
		Network:       "sepolia",
		TokenSymbol:   "ETH",
		CommissionBps: 250,
	}, escrow.WithNotifier(hub))
	require.NoError(t, err)

	srv, err := New(Config{
		Listings:      store,
		Coordinator:   coord,
		Rates:         rateSource,
		Hub:           hub,
		Auth:          middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd"}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "escrowd-test"}, prometheus.NewRegistry(), nil),
	})
	require.NoError(t, err)
	return &testEnv{handler: srv.Handler(), store: store, coord: coord, seller: uuid.New(), buyer: uuid.New()}
}

func token(t *testing.T, user uuid.UUID) string {
	t.Helper()
	tok, err := middleware.Issue(testSecret, "escrowd", "", user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, user uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) createListing(t *testing.T) models.Listing {
	t.Helper()
	rec := e.do(t, e.seller, http.MethodPost, "/api/v1/listings", map[string]any{
		"title":          "Road bike",
		"price":          "100",
		"fiat_currency":  "usd",
		"wallet_address": sellerAddress,
		"location":       "Lisbon",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create listing: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[models.Listing](t, rec)
}

func TestHealthzAndAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, uuid.Nil, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec = env.do(t, uuid.Nil, http.MethodGet, "/api/v1/listings", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	require.Contains(t, rec.Body.String(), "error")
}

func TestListingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t)
	require.Equal(t, "USD", listing.FiatCurrency)
	require.Equal(t, "ETH", listing.CryptoCurrency)
	require.True(t, listing.CryptoAmount.Valid)
	require.True(t, listing.CryptoAmount.Decimal.Equal(decimal.NewFromInt(2)))

	rec := env.do(t, env.buyer, http.MethodGet, "/api/v1/listings?q=bike", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[struct {
		Listings []models.Listing `json:"listings"`
	}](t, rec)
	require.Len(t, found.Listings, 1)

	rec = env.do(t, env.buyer, http.MethodPatch, "/api/v1/listings/"+listing.ID.String(), map[string]any{"price": "150"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, env.seller, http.MethodPatch, "/api/v1/listings/"+listing.ID.String(), map[string]any{"price": "150"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[models.Listing](t, rec)
	require.True(t, updated.CryptoAmount.Decimal.Equal(decimal.NewFromInt(3)))

	rec = env.do(t, env.seller, http.MethodPatch, "/api/v1/listings/"+listing.ID.String(), map[string]any{"fiat_currency": "EUR"})
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := env.store.GetListing(context.Background(), listing.ID)
	require.NoError(t, err)
	require.False(t, stored.CryptoAmount.Valid, "no EUR rate leaves the amount cleared")

	rec = env.do(t, env.buyer, http.MethodGet, "/api/v1/listings/"+listing.ID.String()+"/quote", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, env.seller, http.MethodPost, "/api/v1/listings", map[string]any{"title": "x", "price": "-1", "fiat_currency": "USD"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, env.seller, http.MethodDelete, "/api/v1/listings/"+listing.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, env.seller, http.MethodGet, "/api/v1/listings/"+listing.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuoteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t)
	rec := env.do(t, env.buyer, http.MethodGet, "/api/v1/listings/"+listing.ID.String()+"/quote", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	quote := decode[map[string]any](t, rec)
	require.Equal(t, "2", quote["crypto_amount"])
	require.Equal(t, "ETH", quote["crypto_currency"])
}

func TestDualConfirmationFlow(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t)

	rec := env.do(t, env.buyer, http.MethodPost, "/api/v1/transactions", map[string]any{
		"listing_id":           listing.ID,
		"buyer_wallet_address": buyerAddress,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	txn := decode[models.Transaction](t, rec)
	require.Equal(t, models.EscrowPending, txn.EscrowStatus)
	base := "/api/v1/transactions/" + txn.ID.String()

	rec = env.do(t, env.seller, http.MethodPost, base+"/deposit", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, env.buyer, http.MethodPost, base+"/deposit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	txn = decode[models.Transaction](t, rec)
	require.Equal(t, models.EscrowFunded, txn.EscrowStatus)
	require.NotNil(t, txn.BlockchainTxnID)

	rec = env.do(t, env.buyer, http.MethodPost, base+"/release", nil)
	require.Equal(t, http.StatusConflict, rec.Code, "release is for buyer_release transactions")

	rec = env.do(t, env.buyer, http.MethodPost, base+"/confirm", map[string]any{"role": "buyer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, env.buyer, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, env.seller, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	txn = decode[models.Transaction](t, rec)
	require.Equal(t, models.EscrowCompleted, txn.EscrowStatus)
	require.Equal(t, models.StatusCompleted, txn.Status)

	rec = env.do(t, env.seller, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []models.TransactionEvent `json:"events"`
	}](t, rec)
	require.GreaterOrEqual(t, len(events.Events), 4)

	rec = env.do(t, env.buyer, http.MethodGet, "/api/v1/transactions?escrow_status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Transactions []models.Transaction `json:"transactions"`
	}](t, rec)
	require.Len(t, listed.Transactions, 1)

	rec = env.do(t, uuid.New(), http.MethodGet, base, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, env.buyer, http.MethodGet, "/api/v1/transactions/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, env.buyer, http.MethodGet, "/api/v1/transactions/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmRejectsUnknownRole(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, env.buyer, http.MethodPost, "/api/v1/transactions/"+uuid.NewString()+"/confirm", map[string]any{"role": "agent"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteListingWithOpenTransaction(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t)
	_, err := env.coord.Initiate(context.Background(), listing.ID, env.buyer, buyerAddress)
	require.NoError(t, err)
	rec := env.do(t, env.seller, http.MethodDelete, "/api/v1/listings/"+listing.ID.String(), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRatesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, env.buyer, http.MethodGet, "/api/v1/rates?crypto=eth&fiat=usd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "50", body["rate"])
	require.Equal(t, "ETH", body["crypto"])

	rec = env.do(t, env.buyer, http.MethodGet, "/api/v1/rates?crypto=eth", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, env.buyer, http.MethodGet, "/api/v1/rates?crypto=eth&fiat=jpy", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamDeliversCommittedChanges(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	txn, err := env.coord.Initiate(ctx, listing.ID, env.buyer, buyerAddress)
	require.NoError(t, err)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/transactions/" + txn.ID.String() + "/stream"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token(t, env.buyer)}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot stream.Event
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	require.Equal(t, models.EscrowPending, snapshot.EscrowStatus)

	_, err = env.coord.Deposit(ctx, txn.ID, env.buyer)
	require.NoError(t, err)

	var update stream.Event
	require.NoError(t, wsjson.Read(ctx, conn, &update))
	require.Equal(t, txn.ID, update.TransactionID)
	require.Equal(t, models.EscrowFunded, update.EscrowStatus)
	require.Positive(t, update.Sequence)
}

func TestStreamRejectsStrangers(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t)
	txn, err := env.coord.Initiate(context.Background(), listing.ID, env.buyer, buyerAddress)
	require.NoError(t, err)
	rec := env.do(t, uuid.New(), http.MethodGet, "/api/v1/transactions/"+txn.ID.String()+"/stream", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %w", escrow.ErrDepositFailed, escrow.ErrChainCallFailed), http.StatusBadGateway},
		{fmt.Errorf("wrap: %w", escrow.ErrPersistence), http.StatusInternalServerError},
		{escrow.ErrWrongNetwork, http.StatusBadRequest},
		{escrow.ErrPolicyMismatch, http.StatusConflict},
		{storage.ErrListingInUse, http.StatusConflict},
		{escrow.ErrListingInvalid, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Fatalf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
