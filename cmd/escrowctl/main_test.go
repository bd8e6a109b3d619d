package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowmarket/gateway/middleware"
	"escrowmarket/models"
	"escrowmarket/storage"
)

func writeConfig(t *testing.T) (path, dsn string) {
	t.Helper()
	dir := t.TempDir()
	dsn = filepath.Join(dir, "escrow.db")
	body := `
database:
  driver: sqlite
  dsn: ` + dsn + `
auth:
  hmacSecret: ctl-secret
  issuer: escrowd
rates:
  coingecko:
    endpoint: ""
  fallback:
    ETH/USD: "2500"
recon:
  outputDir: ` + filepath.Join(dir, "recon") + `
`
	path = filepath.Join(dir, "escrowd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"escrowctl"}, args...))
	return out.String(), err
}

func seedTransaction(t *testing.T, dsn string) models.Transaction {
	t.Helper()
	store, err := storage.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	listing := &models.Listing{
		UserID:         uuid.New(),
		Title:          "Turntable",
		Price:          decimal.NewFromInt(250),
		FiatCurrency:   "USD",
		CryptoCurrency: "ETH",
		WalletAddress:  "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
	if err := store.CreateListing(ctx, listing); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	hash := "0xfeed"
	buyer := uuid.New()
	txn := models.Transaction{
		ListingID:           listing.ID,
		BuyerID:             buyer,
		SellerID:            listing.UserID,
		BuyerWalletAddress:  "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		SellerWalletAddress: listing.WalletAddress,
		Amount:              decimal.RequireFromString("0.1"),
		CommissionAmount:    decimal.Zero,
		TokenSymbol:         "ETH",
		ChainID:             11155111,
		Status:              models.StatusPending,
		EscrowStatus:        models.EscrowPending,
		ReleasePolicy:       models.PolicyDualConfirmation,
		TransactionHash:     &hash,
	}
	if err := store.CreateTransaction(ctx, &txn, storage.NewEvent(uuid.Nil, models.EventInitiated, &buyer, "", "")); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func TestTokenMint(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	user := uuid.New()
	out, err := run(t, "--config", cfgPath, "token", "mint", "--user", user.String(), "--ttl", "5m")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "ctl-secret", Issuer: "escrowd"}, nil)
	got, err := auth.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if got != user {
		t.Fatalf("expected subject %s, got %s", user, got)
	}
}

func TestRatesGetUsesFallback(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := run(t, "--config", cfgPath, "rates", "get", "--crypto", "eth", "--fiat", "usd")
	if err != nil {
		t.Fatalf("rates get: %v", err)
	}
	if !strings.Contains(out, "ETH/USD 2500") || !strings.Contains(out, "fallback=true") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := run(t, "--config", cfgPath, "rates", "get", "--fiat", "JPY"); err == nil {
		t.Fatalf("expected error for unknown pair")
	}
}

func TestTxListAndShow(t *testing.T) {
	cfgPath, dsn := writeConfig(t)
	txn := seedTransaction(t, dsn)

	out, err := run(t, "--config", cfgPath, "tx", "list")
	if err != nil {
		t.Fatalf("tx list: %v", err)
	}
	if !strings.Contains(out, txn.ID.String()) || !strings.Contains(out, "escrow=-") {
		t.Fatalf("tx list output %q", out)
	}

	out, err = run(t, "--config", cfgPath, "tx", "show", txn.ID.String())
	if err != nil {
		t.Fatalf("tx show: %v", err)
	}
	if !strings.Contains(out, `"events"`) || !strings.Contains(out, models.EventInitiated) {
		t.Fatalf("tx show output %q", out)
	}

	if _, err := run(t, "--config", cfgPath, "tx", "show", "nope"); err == nil {
		t.Fatalf("expected error for malformed id")
	}
}

func TestReconRunDryRun(t *testing.T) {
	cfgPath, dsn := writeConfig(t)
	txn := seedTransaction(t, dsn)
	out, err := run(t, "--config", cfgPath, "recon", "run", "--dry-run")
	if err != nil {
		t.Fatalf("recon run: %v", err)
	}
	if !strings.Contains(out, "checked 1 transactions, 1 mismatches") {
		t.Fatalf("recon output %q", out)
	}
	if !strings.Contains(out, txn.ID.String()) || !strings.Contains(out, "unresolved_deposit") {
		t.Fatalf("expected unresolved deposit for %s in %q", txn.ID, out)
	}
	if strings.Contains(out, "csv:") {
		t.Fatalf("dry run must not write reports: %q", out)
	}
}
