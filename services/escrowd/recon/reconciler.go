// Package recon compares transaction rows against escrow contract state and
// writes nightly CSV and Parquet reports of any drift.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"escrowmarket/contract"
	"escrowmarket/format"
	"escrowmarket/models"
	"escrowmarket/observability/metrics"
	"escrowmarket/storage"
)

// Mismatch kinds reported by the reconciler.
const (
	// KindUnresolvedDeposit is a mined deposit whose escrow id was never recorded.
	KindUnresolvedDeposit = "unresolved_deposit"
	// KindMissingEscrow is a recorded escrow id the contract does not know.
	KindMissingEscrow = "missing_escrow"
	KindAmountMismatch = "amount_mismatch"
	KindPartyMismatch  = "party_mismatch"
	// KindConfirmationDrift is a confirmation flag that differs between the
	// row and the contract, typically from concurrent writers.
	KindConfirmationDrift = "confirmation_drift"
	// KindReleaseDrift is a release recorded on one side only.
	KindReleaseDrift = "release_drift"
	KindChainError   = "chain_error"
)

const pageSize = 500

// Lister is the storage the reconciler reads.
type Lister interface {
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]models.Transaction, error)
}

// Config captures reconciler dependencies.
type Config struct {
	Store         Lister
	Chain         contract.Reader
	TokenDecimals uint8
	OutputDir     string
	DryRun        bool
	Logger        *slog.Logger
	Now           func() time.Time
}

// RunOptions bounds a run by updated_at. Zero bounds are open.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Mismatch is one discrepancy needing operator review.
type Mismatch struct {
	Kind          string
	TransactionID uuid.UUID
	EscrowID      string
	Details       string
}

// ReportRow is the reconciled view of one transaction.
type ReportRow struct {
	TransactionID       uuid.UUID
	ListingID           uuid.UUID
	EscrowID            string
	TxHash              string
	Status              string
	EscrowStatus        string
	Amount              string
	ExpectedWei         string
	OnChainWei          string
	BuyerConfirmed      bool
	SellerConfirmed     bool
	ChainBuyerConfirmed bool
	ChainSellerConfirm  bool
	ChainReleased       bool
	Mismatches          []string
	UpdatedAt           time.Time
}

// Result summarises a run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []*ReportRow
	Mismatches  []Mismatch
	CSVPath     string
	ParquetPath string
}

// Reconciler walks submitted transactions and checks them against the chain.
type Reconciler struct {
	store     Lister
	chain     contract.Reader
	decimals  uint8
	outputDir string
	dryRun    bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("recon: chain reader is required")
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("escrow-data", "recon")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:     cfg.Store,
		chain:     cfg.Chain,
		decimals:  cfg.TokenDecimals,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		logger:    logger,
		now:       now,
	}, nil
}

// Run reconciles every submitted transaction updated inside the window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	result := &Result{Start: opts.Start, End: opts.End}
	for offset := 0; ; offset += pageSize {
		page, err := r.store.ListTransactions(ctx, storage.TransactionFilter{
			Submitted:   true,
			UpdatedFrom: opts.Start,
			UpdatedTo:   opts.End,
			Limit:       pageSize,
			Offset:      offset,
		})
		if err != nil {
			return nil, fmt.Errorf("recon: load transactions: %w", err)
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			row, found := r.check(ctx, &page[i])
			result.Rows = append(result.Rows, row)
			result.Mismatches = append(result.Mismatches, found...)
		}
		if len(page) < pageSize {
			break
		}
	}
	for _, m := range result.Mismatches {
		metrics.Escrow().IncReconMismatch(m.Kind)
		r.logger.Warn("recon mismatch",
			slog.String("kind", m.Kind),
			slog.String("transaction_id", m.TransactionID.String()),
			slog.String("escrow_id", m.EscrowID),
			slog.String("details", m.Details))
	}

	if !(r.dryRun || opts.DryRun) && len(result.Rows) > 0 {
		if err := r.writeReports(result); err != nil {
			return nil, err
		}
	}
	r.logger.Info("recon run complete",
		slog.Int("transactions", len(result.Rows)),
		slog.Int("mismatches", len(result.Mismatches)))
	return result, nil
}

func (r *Reconciler) check(ctx context.Context, txn *models.Transaction) (*ReportRow, []Mismatch) {
	row := &ReportRow{
		TransactionID:   txn.ID,
		ListingID:       txn.ListingID,
		Status:          string(txn.Status),
		EscrowStatus:    string(txn.EscrowStatus),
		Amount:          txn.Amount.String(),
		BuyerConfirmed:  txn.BuyerConfirmation,
		SellerConfirmed: txn.SellerConfirmation,
		UpdatedAt:       txn.UpdatedAt.UTC(),
	}
	if txn.TransactionHash != nil {
		row.TxHash = *txn.TransactionHash
	}
	var found []Mismatch
	flag := func(kind, details string) {
		row.Mismatches = append(row.Mismatches, kind)
		found = append(found, Mismatch{Kind: kind, TransactionID: txn.ID, EscrowID: row.EscrowID, Details: details})
	}

	if !txn.OnChain() {
		flag(KindUnresolvedDeposit, "deposit "+row.TxHash+" has no escrow id")
		return row, found
	}
	row.EscrowID = *txn.BlockchainTxnID
	escrowID, ok := new(big.Int).SetString(row.EscrowID, 10)
	if !ok {
		flag(KindMissingEscrow, "malformed escrow id")
		return row, found
	}
	onChain, err := r.chain.GetTransaction(ctx, escrowID)
	if err != nil {
		if errors.Is(err, contract.ErrEscrowNotFound) {
			flag(KindMissingEscrow, err.Error())
		} else {
			flag(KindChainError, err.Error())
		}
		return row, found
	}
	row.OnChainWei = onChain.Amount.String()
	row.ChainBuyerConfirmed = onChain.BuyerConfirmed
	row.ChainSellerConfirm = onChain.SellerConfirmed
	row.ChainReleased = onChain.FundsReleased

	if expected, err := format.ToBaseUnits(txn.Amount, r.decimals); err == nil {
		row.ExpectedWei = expected.String()
		if expected.Cmp(onChain.Amount) != 0 {
			flag(KindAmountMismatch, fmt.Sprintf("row %s wei, contract %s wei", expected, onChain.Amount))
		}
	}
	if !format.SameAddress(txn.BuyerWalletAddress, onChain.Buyer) || !format.SameAddress(txn.SellerWalletAddress, onChain.Seller) {
		flag(KindPartyMismatch, fmt.Sprintf("contract buyer %s seller %s", onChain.Buyer, onChain.Seller))
	}
	if txn.BuyerConfirmation != onChain.BuyerConfirmed || txn.SellerConfirmation != onChain.SellerConfirmed {
		flag(KindConfirmationDrift, fmt.Sprintf("row buyer=%t seller=%t, contract buyer=%t seller=%t",
			txn.BuyerConfirmation, txn.SellerConfirmation, onChain.BuyerConfirmed, onChain.SellerConfirmed))
	}
	released := txn.EscrowStatus == models.EscrowCompleted
	if released != onChain.FundsReleased {
		flag(KindReleaseDrift, fmt.Sprintf("row %s, contract released=%t", txn.EscrowStatus, onChain.FundsReleased))
	}
	return row, found
}

func (r *Reconciler) writeReports(result *Result) error {
	label := r.now().UTC().Format("20060102T150405")
	if !result.Start.IsZero() && !result.End.IsZero() {
		label = result.Start.UTC().Format("20060102") + "_" + result.End.UTC().Format("20060102")
	}
	dir := filepath.Join(r.outputDir, label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recon: ensure output dir: %w", err)
	}
	result.CSVPath = filepath.Join(dir, "escrow_recon.csv")
	if err := writeCSV(result.CSVPath, result.Rows); err != nil {
		return err
	}
	result.ParquetPath = filepath.Join(dir, "escrow_recon.parquet")
	if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
		return err
	}
	r.logger.Info("recon reports written",
		slog.String("csv", result.CSVPath),
		slog.String("parquet", result.ParquetPath),
		slog.Int("rows", len(result.Rows)))
	return nil
}

var csvHeader = []string{
	"transaction_id", "listing_id", "escrow_id", "tx_hash", "status", "escrow_status", "amount",
	"expected_wei", "onchain_wei", "buyer_confirmed", "seller_confirmed", "chain_buyer_confirmed",
	"chain_seller_confirmed", "chain_released", "mismatches", "updated_at",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TransactionID.String(),
			row.ListingID.String(),
			row.EscrowID,
			row.TxHash,
			row.Status,
			row.EscrowStatus,
			row.Amount,
			row.ExpectedWei,
			row.OnChainWei,
			strconv.FormatBool(row.BuyerConfirmed),
			strconv.FormatBool(row.SellerConfirmed),
			strconv.FormatBool(row.ChainBuyerConfirmed),
			strconv.FormatBool(row.ChainSellerConfirm),
			strconv.FormatBool(row.ChainReleased),
			strings.Join(row.Mismatches, ";"),
			row.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TransactionID        string `parquet:"name=transaction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ListingID            string `parquet:"name=listing_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowID             string `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash               string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status               string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowStatus         string `parquet:"name=escrow_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount               string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpectedWei          string `parquet:"name=expected_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnChainWei           string `parquet:"name=onchain_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyerConfirmed       bool   `parquet:"name=buyer_confirmed, type=BOOLEAN"`
	SellerConfirmed      bool   `parquet:"name=seller_confirmed, type=BOOLEAN"`
	ChainBuyerConfirmed  bool   `parquet:"name=chain_buyer_confirmed, type=BOOLEAN"`
	ChainSellerConfirmed bool   `parquet:"name=chain_seller_confirmed, type=BOOLEAN"`
	ChainReleased        bool   `parquet:"name=chain_released, type=BOOLEAN"`
	Mismatches           string `parquet:"name=mismatches, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAtMillis      int64  `parquet:"name=updated_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			TransactionID:        row.TransactionID.String(),
			ListingID:            row.ListingID.String(),
			EscrowID:             row.EscrowID,
			TxHash:               row.TxHash,
			Status:               row.Status,
			EscrowStatus:         row.EscrowStatus,
			Amount:               row.Amount,
			ExpectedWei:          row.ExpectedWei,
			OnChainWei:           row.OnChainWei,
			BuyerConfirmed:       row.BuyerConfirmed,
			SellerConfirmed:      row.SellerConfirmed,
			ChainBuyerConfirmed:  row.ChainBuyerConfirmed,
			ChainSellerConfirmed: row.ChainSellerConfirm,
			ChainReleased:        row.ChainReleased,
			Mismatches:           strings.Join(row.Mismatches, ";"),
			UpdatedAtMillis:      row.UpdatedAt.UnixMilli(),
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
