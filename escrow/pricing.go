package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"escrowmarket/format"
	"escrowmarket/models"
	"escrowmarket/observability/metrics"
	"escrowmarket/rates"
)

// Pricer derives and caches listing crypto amounts from fiat prices.
type Pricer struct {
	store     Store
	rates     RateSource
	precision int32
	logger    *slog.Logger
}

// NewPricer constructs a pricer rounding to precision decimals.
func NewPricer(store Store, rateSource RateSource, precision int32, logger *slog.Logger) *Pricer {
	if precision <= 0 {
		precision = format.DefaultPrecision
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pricer{store: store, rates: rateSource, precision: precision, logger: logger}
}

// Quote returns the crypto amount for listing, computing and caching it when
// it has not been derived yet. A missing or non-positive rate is reported as
// ErrListingInvalid.
func (p *Pricer) Quote(ctx context.Context, listing *models.Listing) (decimal.Decimal, error) {
	if listing.CryptoAmount.Valid && listing.CryptoAmount.Decimal.IsPositive() {
		return listing.CryptoAmount.Decimal, nil
	}
	quote := p.rates.GetRate(ctx, listing.CryptoCurrency, listing.FiatCurrency)
	amount, err := format.CryptoAmount(listing.Price, quote.Rate, p.precision)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: listing %s: %w", ErrListingInvalid, listing.ID, err)
	}
	if err := p.store.SetCryptoAmount(ctx, listing.ID, amount); err != nil {
		p.logger.Warn("cache crypto amount failed",
			slog.String("listing_id", listing.ID.String()),
			slog.Any("error", err))
	}
	listing.CryptoAmount = decimal.NewNullDecimal(amount)
	return amount, nil
}

// Reprice recomputes the crypto amount of every active listing priced in the
// quote's pair. It returns how many listings were updated.
func (p *Pricer) Reprice(ctx context.Context, quote rates.Quote) (int, error) {
	if !quote.Valid() {
		return 0, nil
	}
	listings, err := p.store.ListActiveByPair(ctx, quote.Crypto, quote.Fiat)
	if err != nil {
		return 0, err
	}
	updated := 0
	var errs []error
	for i := range listings {
		listing := &listings[i]
		amount, err := format.CryptoAmount(listing.Price, quote.Rate, p.precision)
		if err != nil {
			continue
		}
		if listing.CryptoAmount.Valid && listing.CryptoAmount.Decimal.Equal(amount) {
			continue
		}
		if err := p.store.SetCryptoAmount(ctx, listing.ID, amount); err != nil {
			errs = append(errs, err)
			continue
		}
		updated++
	}
	metrics.Escrow().AddRepriced(updated)
	if updated > 0 {
		p.logger.Info("listings repriced",
			slog.String("pair", quote.Crypto+"/"+quote.Fiat),
			slog.String("rate", quote.Rate.String()),
			slog.Int("updated", updated))
	}
	return updated, errors.Join(errs...)
}

// OnRateUpdate adapts Reprice to the rate poller hook.
func (p *Pricer) OnRateUpdate(ctx context.Context, quote rates.Quote) error {
	_, err := p.Reprice(ctx, quote)
	return err
}
