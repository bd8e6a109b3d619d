// Command escrowctl is the operator tool for escrowd: it inspects
// transactions, checks rates, runs reconciliation on demand and mints
// development tokens.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"escrowmarket/cmd/internal/passphrase"
	"escrowmarket/gateway/middleware"
	"escrowmarket/models"
	"escrowmarket/observability/logging"
	"escrowmarket/services/escrowd/app"
	"escrowmarket/services/escrowd/config"
	"escrowmarket/services/escrowd/recon"
	"escrowmarket/storage"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "escrowctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "escrowctl",
		Usage: "operate the escrow marketplace backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "escrowd configuration file (yaml or toml)",
				EnvVars: []string{"ESCROWD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "log level for diagnostic output on stderr",
			},
		},
		Commands: []*cli.Command{txCommand(), ratesCommand(), reconCommand(), tokenCommand()},
	}
}

func loadConfig(cctx *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(cctx.App.ErrWriter, "escrowctl", cfg.Service.Environment, cctx.String("log-level"), false)
	return cfg, logger, nil
}

func openStore(cctx *cli.Context) (*storage.Store, error) {
	cfg, _, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func txCommand() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "inspect escrow transactions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list transactions, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "party", Usage: "buyer or seller user id"},
					&cli.StringFlag{Name: "status", Usage: "transaction status"},
					&cli.StringFlag{Name: "escrow-status", Usage: "escrow status"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: runTxList,
			},
			{
				Name:      "show",
				Usage:     "show a transaction and its event trail",
				ArgsUsage: "<transaction-id>",
				Action:    runTxShow,
			},
		},
	}
}

func runTxList(cctx *cli.Context) error {
	filter := storage.TransactionFilter{
		Status:       models.TransactionStatus(cctx.String("status")),
		EscrowStatus: models.EscrowStatus(cctx.String("escrow-status")),
		Limit:        cctx.Int("limit"),
	}
	if raw := cctx.String("party"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid --party: %w", err)
		}
		filter.PartyID = id
	}
	store, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer store.Close()
	txns, err := store.ListTransactions(cctx.Context, filter)
	if err != nil {
		return err
	}
	for _, txn := range txns {
		escrowID := "-"
		if txn.OnChain() {
			escrowID = *txn.BlockchainTxnID
		}
		fmt.Fprintf(cctx.App.Writer, "%s\t%s\t%s\t%s %s\tescrow=%s\n",
			txn.ID, txn.Status, txn.EscrowStatus, txn.Amount, txn.TokenSymbol, escrowID)
	}
	return nil
}

func runTxShow(cctx *cli.Context) error {
	id, err := uuid.Parse(cctx.Args().First())
	if err != nil {
		return fmt.Errorf("transaction id required: %w", err)
	}
	store, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer store.Close()
	txn, err := store.GetTransaction(cctx.Context, id)
	if err != nil {
		return err
	}
	events, err := store.ListEvents(cctx.Context, id)
	if err != nil {
		return err
	}
	return printJSON(cctx.App.Writer, map[string]any{"transaction": txn, "events": events})
}

func ratesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rates",
		Usage: "query conversion rates",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "resolve a rate through the configured providers and fallback table",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "crypto", Value: "ETH"},
					&cli.StringFlag{Name: "fiat", Value: "USD"},
				},
				Action: func(cctx *cli.Context) error {
					cfg, logger, err := loadConfig(cctx)
					if err != nil {
						return err
					}
					lookup, err := app.NewRates(cfg, logger)
					if err != nil {
						return err
					}
					quote := lookup.GetRate(cctx.Context, cctx.String("crypto"), cctx.String("fiat"))
					if !quote.Valid() {
						return fmt.Errorf("no rate available for %s/%s", cctx.String("crypto"), cctx.String("fiat"))
					}
					fmt.Fprintf(cctx.App.Writer, "%s/%s %s source=%s fallback=%t\n",
						quote.Crypto, quote.Fiat, quote.Rate, quote.Source, quote.Fallback)
					return nil
				},
			},
		},
	}
}

func reconCommand() *cli.Command {
	return &cli.Command{
		Name:  "recon",
		Usage: "compare off-chain records with the escrow contract",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "reconcile transactions updated within a window",
				Flags: []cli.Flag{
					&cli.TimestampFlag{Name: "start", Layout: time.RFC3339, Usage: "window start (RFC3339)"},
					&cli.TimestampFlag{Name: "end", Layout: time.RFC3339, Usage: "window end (RFC3339)"},
					&cli.BoolFlag{Name: "dry-run", Usage: "report mismatches without writing files"},
				},
				Action: runRecon,
			},
		},
	}
}

func runRecon(cctx *cli.Context) error {
	cfg, logger, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	chain, err := app.OpenChain(cfg, passphrase.NewSource(cfg.Chain.PassphraseEnv).Get, logger)
	if err != nil {
		return err
	}
	reconciler, err := app.NewReconciler(cfg, store, chain, logger)
	if err != nil {
		return err
	}
	opts := recon.RunOptions{DryRun: cctx.Bool("dry-run")}
	if ts := cctx.Timestamp("start"); ts != nil {
		opts.Start = *ts
	}
	if ts := cctx.Timestamp("end"); ts != nil {
		opts.End = *ts
	}
	result, err := reconciler.Run(cctx.Context, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "checked %d transactions, %d mismatches\n", len(result.Rows), len(result.Mismatches))
	for _, m := range result.Mismatches {
		fmt.Fprintf(cctx.App.Writer, "  %s\t%s\t%s\n", m.TransactionID, m.Kind, m.Details)
	}
	if result.CSVPath != "" {
		fmt.Fprintf(cctx.App.Writer, "csv: %s\nparquet: %s\n", result.CSVPath, result.ParquetPath)
	}
	return nil
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "development bearer tokens",
		Subcommands: []*cli.Command{
			{
				Name:  "mint",
				Usage: "sign a token for a user id with the configured secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user id; a random one when empty"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: func(cctx *cli.Context) error {
					cfg, _, err := loadConfig(cctx)
					if err != nil {
						return err
					}
					user := uuid.New()
					if raw := cctx.String("user"); raw != "" {
						if user, err = uuid.Parse(raw); err != nil {
							return fmt.Errorf("invalid --user: %w", err)
						}
					}
					tok, err := middleware.Issue(cfg.Auth.HMACSecret, cfg.Auth.Issuer, cfg.Auth.Audience, user, cctx.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(cctx.App.Writer, tok)
					return nil
				},
			},
		},
	}
}
