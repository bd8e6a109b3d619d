package rates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

// Pair identifies a crypto/fiat pair.
type Pair struct {
	Crypto string
	Fiat   string
}

func (p Pair) String() string {
	return normaliseSymbol(p.Crypto) + "/" + normaliseSymbol(p.Fiat)
}

// RateGetter is satisfied by *Lookup.
type RateGetter interface {
	GetRate(ctx context.Context, crypto, fiat string) Quote
}

// UpdateFunc is invoked when a polled pair changes rate.
type UpdateFunc func(ctx context.Context, quote Quote) error

// Poller refreshes a fixed set of pairs on an interval and reports changes.
type Poller struct {
	rates    RateGetter
	pairs    []Pair
	interval time.Duration
	retryMin time.Duration
	onUpdate UpdateFunc
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]decimal.Decimal
	once sync.Once
}

// NewPoller constructs a poller. onUpdate may be nil.
func NewPoller(rates RateGetter, pairs []Pair, interval time.Duration, onUpdate UpdateFunc, logger *slog.Logger) (*Poller, error) {
	if rates == nil {
		return nil, fmt.Errorf("rate getter required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onUpdate == nil {
		onUpdate = func(context.Context, Quote) error { return nil }
	}
	return &Poller{
		rates:    rates,
		pairs:    append([]Pair{}, pairs...),
		interval: interval,
		retryMin: min(time.Second, interval),
		onUpdate: onUpdate,
		logger:   logger,
		last:     make(map[string]decimal.Decimal),
	}, nil
}

// Run polls until ctx is cancelled. A failed update is retried with
// exponential backoff, capped at the poll interval.
func (p *Poller) Run(ctx context.Context) error {
	p.once.Do(func() {
		p.logger.Info("rate poller started",
			slog.Int("pairs", len(p.pairs)),
			slog.Duration("interval", p.interval))
	})
	bo := &backoff.Backoff{Min: p.retryMin, Max: p.interval, Factor: 2, Jitter: true}
	for {
		wait := p.interval
		if err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = bo.Duration()
			p.logger.Warn("rate poll failed",
				slog.Any("error", err),
				slog.Duration("retry_in", wait))
		} else {
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tick refreshes every pair once. Update hook failures are collected and the
// first is returned after all pairs were processed.
func (p *Poller) Tick(ctx context.Context) error {
	var firstErr error
	for _, pair := range p.pairs {
		quote := p.rates.GetRate(ctx, pair.Crypto, pair.Fiat)
		if !quote.Valid() {
			continue
		}
		if !p.changed(pair.String(), quote.Rate) {
			continue
		}
		if err := p.onUpdate(ctx, quote); err != nil {
			p.forget(pair.String())
			if firstErr == nil {
				firstErr = fmt.Errorf("update %s: %w", pair, err)
			}
		}
	}
	return firstErr
}

func (p *Poller) changed(key string, rate decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.last[key]; ok && prev.Equal(rate) {
		return false
	}
	p.last[key] = rate
	return true
}

func (p *Poller) forget(key string) {
	p.mu.Lock()
	delete(p.last, key)
	p.mu.Unlock()
}
