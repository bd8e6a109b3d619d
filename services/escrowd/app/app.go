// Package app assembles escrowd from its configuration. The daemon and the
// operator CLI share these builders so both see the same store, chain and
// rate sources.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowmarket/contract"
	"escrowmarket/escrow"
	"escrowmarket/gateway/middleware"
	"escrowmarket/gateway/routes"
	"escrowmarket/models"
	"escrowmarket/observability/logging"
	"escrowmarket/rates"
	"escrowmarket/services/escrowd/config"
	"escrowmarket/services/escrowd/recon"
	"escrowmarket/services/escrowd/server"
	"escrowmarket/services/escrowd/stream"
	"escrowmarket/storage"
)

// OpenStore connects to the configured database and migrates it.
func OpenStore(cfg config.Config) (*storage.Store, error) {
	return storage.Open(cfg.Database.Driver, cfg.Database.DSN)
}

// OpenIdempotency opens the replay store for keyed requests, in memory when
// no path is configured.
func OpenIdempotency(cfg config.Config) (*middleware.LevelDBIdempotencyStore, error) {
	ttl := cfg.Idempotency.TTL.Std()
	if cfg.Idempotency.Path == "" {
		return middleware.NewMemoryIdempotencyStore(ttl)
	}
	return middleware.NewLevelDBIdempotencyStore(cfg.Idempotency.Path, ttl)
}

// OpenChain returns the escrow contract binding for cfg.Chain. Passphrase is
// only consulted in evm mode, when the first wallet is unlocked.
func OpenChain(cfg config.Config, passphrase contract.PassphraseFunc, logger *slog.Logger) (contract.Binder, error) {
	switch cfg.Chain.Mode {
	case config.ChainSimulated:
		logger.Warn("using simulated escrow contract", slog.Int64("chain_id", cfg.Chain.ChainID))
		return contract.NewSimulated(cfg.Chain.ChainID), nil
	case config.ChainEVM:
		backend, err := contract.Dial(cfg.Chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial chain: %w", err)
		}
		wallets, err := contract.NewKeystoreWallets(cfg.Chain.KeystoreDir, passphrase)
		if err != nil {
			return nil, err
		}
		poll := cfg.Chain.ReceiptPoll.Std()
		evm, err := contract.NewEVM(backend, cfg.Chain.ContractAddress, wallets,
			contract.WithLogger(logger),
			contract.WithReceiptPolling(poll, 15*poll),
			contract.WithGasBumpPercent(uint64(max(cfg.Chain.GasBumpPercent, 0))),
			contract.WithLegacyCountFallback(cfg.Chain.LegacyCountFallback),
		)
		if err != nil {
			return nil, err
		}
		return evm, nil
	}
	return nil, fmt.Errorf("unknown chain mode %q", cfg.Chain.Mode)
}

// NewRates builds the rate lookup over the configured providers.
func NewRates(cfg config.Config, logger *slog.Logger) (*rates.Lookup, error) {
	fallback, err := rates.ParseFallbackTable(cfg.Rates.Fallback)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Timeout:   cfg.Rates.Timeout.Std(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	var sources []rates.Source
	if cfg.Rates.CoinGecko.Endpoint != "" {
		sources = append(sources, rates.NewCoinGecko(client, cfg.Rates.CoinGecko.Endpoint, cfg.Rates.CoinGecko.APIKey, nil))
	}
	if cfg.Rates.NowPayments.APIKey != "" {
		sources = append(sources, rates.NewNowPayments(client, cfg.Rates.NowPayments.Endpoint, cfg.Rates.NowPayments.APIKey))
	}
	return rates.NewLookup(sources, fallback,
		rates.WithLogger(logger),
		rates.WithCacheTTL(cfg.Rates.CacheTTL.Std()),
		rates.WithSourceTimeout(cfg.Rates.Timeout.Std()),
	), nil
}

// NewReconciler builds the report-only reconciler.
func NewReconciler(cfg config.Config, store *storage.Store, chain contract.Reader, logger *slog.Logger) (*recon.Reconciler, error) {
	return recon.NewReconciler(recon.Config{
		Store:         store,
		Chain:         chain,
		TokenDecimals: cfg.Chain.TokenDecimals,
		OutputDir:     cfg.Recon.OutputDir,
		DryRun:        cfg.Recon.DryRun,
		Logger:        logger,
	})
}

// App is a fully wired escrowd.
type App struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *storage.Store
	hub         *stream.Hub
	coordinator *escrow.Coordinator
	poller      *rates.Poller
	scheduler   *recon.Scheduler
	idempotency *middleware.LevelDBIdempotencyStore
	handler     http.Handler
}

// Options carries the pieces main injects.
type Options struct {
	Logger     *slog.Logger
	Passphrase contract.PassphraseFunc
	// Registerer receives the HTTP collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
}

// New wires every component described by cfg.
func New(cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, store: store}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	chain, err := OpenChain(cfg, opts.Passphrase, logger)
	if err != nil {
		return nil, err
	}
	lookup, err := NewRates(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.hub = stream.NewHub(stream.WithBuffer(cfg.Stream.Buffer), stream.WithHistory(cfg.Stream.History))

	a.coordinator, err = escrow.New(store, chain, lookup, escrow.Config{
		ChainID:       cfg.Chain.ChainID,
		Network:       cfg.Chain.Network,
		TokenSymbol:   cfg.Chain.TokenSymbol,
		TokenDecimals: cfg.Chain.TokenDecimals,
		Precision:     cfg.Escrow.Precision,
		CommissionBps: cfg.Escrow.CommissionBps,
		ReleasePolicy: models.ReleasePolicy(cfg.Escrow.ReleasePolicy),
	}, escrow.WithLogger(logger), escrow.WithNotifier(a.hub))
	if err != nil {
		return nil, err
	}

	if len(cfg.Rates.Pairs) > 0 {
		pairs := make([]rates.Pair, 0, len(cfg.Rates.Pairs))
		for _, raw := range cfg.Rates.Pairs {
			crypto, fiat, _ := config.SplitPair(raw)
			pairs = append(pairs, rates.Pair{Crypto: crypto, Fiat: fiat})
		}
		a.poller, err = rates.NewPoller(lookup, pairs, cfg.Rates.Interval.Std(), a.coordinator.Pricer().OnRateUpdate, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Recon.Enabled {
		reconciler, err := NewReconciler(cfg, store, chain, logger)
		if err != nil {
			return nil, err
		}
		a.scheduler = recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window.Std(),
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger,
		})
	}

	upstreams := make([]routes.Upstream, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		up, err := routes.ParseUpstream(p.Name, p.Target, p.Headers)
		if err != nil {
			return nil, err
		}
		upstreams = append(upstreams, up)
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for group, l := range cfg.RateLimits {
		limits[group] = middleware.RateLimit{RequestsPerMinute: l.RequestsPerMinute, Burst: l.Burst}
	}
	var idem *middleware.Idempotency
	if cfg.Idempotency.Enabled {
		a.idempotency, err = OpenIdempotency(cfg)
		if err != nil {
			return nil, err
		}
		idem = middleware.NewIdempotency(a.idempotency, logger)
	}
	srv, err := server.New(server.Config{
		Listings:    store,
		Coordinator: a.coordinator,
		Rates:       lookup,
		Hub:         a.hub,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:       cfg.Auth.Enabled,
			HMACSecret:    cfg.Auth.HMACSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			ClockSkew:     cfg.Auth.ClockSkew.Std(),
			OptionalPaths: cfg.Auth.OptionalPaths,
		}, logger),
		Limiter:     middleware.NewRateLimiter(limits, logger),
		Idempotency: idem,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.Service.Name,
			LogRequests: cfg.Telemetry.LogRequests,
		}, registerer, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Proxies:     upstreams,
		TokenSymbol: cfg.Chain.TokenSymbol,
		Precision:   cfg.Escrow.Precision,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.handler = srv.Handler()
	logger.Info("escrowd configured",
		slog.String("chain_mode", cfg.Chain.Mode),
		slog.String("rpc_url", logging.MaskURL(cfg.Chain.RPCURL)),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("release_policy", cfg.Escrow.ReleasePolicy),
		logging.MaskField("coingecko_api_key", cfg.Rates.CoinGecko.APIKey),
		logging.MaskField("nowpayments_api_key", cfg.Rates.NowPayments.APIKey),
		slog.Bool("idempotency", cfg.Idempotency.Enabled),
		slog.Bool("recon", cfg.Recon.Enabled))
	ok = true
	return a, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.handler }

// Coordinator exposes the escrow coordinator.
func (a *App) Coordinator() *escrow.Coordinator { return a.coordinator }

// Run serves HTTP and the background loops until ctx is cancelled, then
// drains connections within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.Service.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Service.ReadTimeout.Std(),
		ReadTimeout:       a.cfg.Service.ReadTimeout.Std(),
		WriteTimeout:      a.cfg.Service.WriteTimeout.Std(),
		IdleTimeout:       60 * time.Second,
	}

	loops, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	if a.poller != nil {
		go func() {
			if err := a.poller.Run(loops); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("rate poller stopped", slog.Any("error", err))
			}
		}()
	}
	if a.scheduler != nil {
		go a.scheduler.Start(loops)
	}
	if a.idempotency != nil {
		go a.pruneIdempotency(loops)
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("escrowd listening", slog.String("addr", a.cfg.Service.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Service.ShutdownTimeout.Std())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (a *App) pruneIdempotency(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.idempotency.PruneExpired(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				a.logger.Debug("idempotency entries pruned", slog.Int("count", removed))
			}
		}
	}
}

// Close releases the database and idempotency handles.
func (a *App) Close() error {
	var errs []error
	if a.idempotency != nil {
		errs = append(errs, a.idempotency.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
