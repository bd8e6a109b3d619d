// Package rates resolves crypto/fiat conversion rates. Upstream price APIs are
// consulted in priority order and a configured fallback table answers whenever
// none of them produce a usable quote, so lookups degrade instead of failing.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"escrowmarket/observability/metrics"
)

// FallbackTable maps "CRYPTO/FIAT" or bare "CRYPTO" keys onto static rates.
// A bare key applies to every fiat currency without a more specific entry.
type FallbackTable map[string]decimal.Decimal

// ParseFallbackTable converts textual configuration values into a table.
func ParseFallbackTable(raw map[string]string) (FallbackTable, error) {
	table := make(FallbackTable, len(raw))
	for key, value := range raw {
		normalized := normaliseKey(key)
		if normalized == "" {
			return nil, fmt.Errorf("rates: empty fallback key")
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rates: fallback %s: %w", key, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rates: fallback %s must be positive", key)
		}
		table[normalized] = rate
	}
	return table, nil
}

func (t FallbackTable) lookup(crypto, fiat string) (decimal.Decimal, bool) {
	if rate, ok := t[crypto+"/"+fiat]; ok {
		return rate, true
	}
	rate, ok := t[crypto]
	return rate, ok
}

func normaliseKey(key string) string {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) == 2 {
		crypto, fiat := normaliseSymbol(parts[0]), normaliseSymbol(parts[1])
		if crypto == "" || fiat == "" {
			return ""
		}
		return crypto + "/" + fiat
	}
	return normaliseSymbol(key)
}

// Lookup answers rate queries from live sources with a fallback table.
type Lookup struct {
	sources  []Source
	fallback FallbackTable
	cache    *expirable.LRU[string, Quote]
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Lookup.
type Option func(*Lookup)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Lookup) {
		if l != nil {
			lk.logger = l
		}
	}
}

// WithCacheTTL keeps live quotes for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(lk *Lookup) {
		if ttl <= 0 {
			lk.cache = nil
			return
		}
		lk.cache = expirable.NewLRU[string, Quote](256, nil, ttl)
	}
}

// WithSourceTimeout bounds each upstream request.
func WithSourceTimeout(d time.Duration) Option {
	return func(lk *Lookup) {
		lk.timeout = d
	}
}

// NewLookup builds a Lookup. Sources are consulted in the order given.
func NewLookup(sources []Source, fallback FallbackTable, opts ...Option) *Lookup {
	lk := &Lookup{
		fallback: fallback,
		logger:   slog.Default(),
		timeout:  10 * time.Second,
		now:      time.Now,
	}
	for _, src := range sources {
		if src != nil {
			lk.sources = append(lk.sources, src)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(lk)
		}
	}
	return lk
}

// GetRate returns the current rate for crypto priced in fiat. It never fails:
// when every source errors, times out or returns garbage the fallback table is
// used, and when the table has no entry the returned quote has a zero rate.
// Callers must treat a non-positive rate as unusable.
func (l *Lookup) GetRate(ctx context.Context, crypto, fiat string) Quote {
	cryptoSym, fiatSym := normaliseSymbol(crypto), normaliseSymbol(fiat)
	key := cryptoSym + "/" + fiatSym
	if l.cache != nil {
		if cached, ok := l.cache.Get(key); ok {
			return cached
		}
	}
	for _, src := range l.sources {
		quote, err := l.fetch(ctx, src, cryptoSym, fiatSym)
		if err != nil {
			l.logger.Warn("rate source failed",
				slog.String("source", src.Name()),
				slog.String("pair", key),
				slog.Any("error", err))
			continue
		}
		if !quote.Valid() {
			l.logger.Warn("rate source returned invalid rate",
				slog.String("source", src.Name()),
				slog.String("pair", key))
			continue
		}
		if quote.Source == "" {
			quote.Source = src.Name()
		}
		quote.Crypto, quote.Fiat = cryptoSym, fiatSym
		if l.cache != nil {
			l.cache.Add(key, quote)
		}
		metrics.Escrow().RecordRateLookup(quote.Source, false)
		return quote
	}
	return l.fallbackQuote(cryptoSym, fiatSym)
}

func (l *Lookup) fetch(ctx context.Context, src Source, crypto, fiat string) (Quote, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return src.Fetch(ctx, crypto, fiat)
}

func (l *Lookup) fallbackQuote(crypto, fiat string) Quote {
	quote := Quote{Crypto: crypto, Fiat: fiat, Timestamp: l.now().UTC(), Source: "fallback", Fallback: true}
	if rate, ok := l.fallback.lookup(crypto, fiat); ok {
		quote.Rate = rate
	} else {
		quote.Rate = decimal.Zero
		l.logger.Error("no fallback rate configured",
			slog.String("pair", crypto+"/"+fiat))
	}
	metrics.Escrow().RecordRateLookup(quote.Source, true)
	return quote
}
