package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a crypto/fiat conversion rate: Rate units of Fiat buy one unit of
// Crypto.
type Quote struct {
	Crypto    string
	Fiat      string
	Rate      decimal.Decimal
	Timestamp time.Time
	Source    string
	Fallback  bool
}

// Valid reports whether the quote carries a usable positive rate.
func (q Quote) Valid() bool {
	return q.Rate.IsPositive()
}

// Source resolves a live quote for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, crypto, fiat string) (Quote, error)
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinGecko queries the public simple price API.
type CoinGecko struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	ids      map[string]string
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// NewCoinGecko builds a CoinGecko source. ids maps ticker symbols such as ETH
// onto CoinGecko asset identifiers such as "ethereum".
func NewCoinGecko(client HTTPDoer, endpoint, apiKey string, ids map[string]string) *CoinGecko {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(ids)+len(defaultCoinGeckoIDs))
	for k, v := range defaultCoinGeckoIDs {
		mapped[k] = v
	}
	for k, v := range ids {
		if id := strings.TrimSpace(v); id != "" {
			mapped[normaliseSymbol(k)] = id
		}
	}
	return &CoinGecko{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), ids: mapped}
}

var defaultCoinGeckoIDs = map[string]string{
	"ETH":   "ethereum",
	"BTC":   "bitcoin",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"MATIC": "matic-network",
	"BNB":   "binancecoin",
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) assetID(symbol string) string {
	if id, ok := c.ids[normaliseSymbol(symbol)]; ok {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

func (c *CoinGecko) Fetch(ctx context.Context, crypto, fiat string) (Quote, error) {
	cryptoSym := normaliseSymbol(crypto)
	fiatKey := strings.ToLower(normaliseSymbol(fiat))
	id := c.assetID(cryptoSym)
	if id == "" || fiatKey == "" {
		return Quote{}, fmt.Errorf("coingecko: crypto and fiat required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", fiatKey)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", cryptoSym)
	}
	raw, ok := entry[fiatKey]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: %s price missing for %s", fiatKey, cryptoSym)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil || !rate.IsPositive() {
		return Quote{}, fmt.Errorf("coingecko: invalid rate %q", raw.String())
	}
	ts := time.Now().UTC()
	if updated, ok := entry["last_updated_at"]; ok {
		if secs, err := strconv.ParseInt(updated.String(), 10, 64); err == nil && secs > 0 {
			ts = time.Unix(secs, 0).UTC()
		}
	}
	return Quote{Crypto: cryptoSym, Fiat: normaliseSymbol(fiat), Rate: rate, Timestamp: ts, Source: c.Name()}, nil
}

// NowPayments queries the NOWPayments estimate endpoint.
type NowPayments struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

const defaultNowPaymentsEndpoint = "https://api.nowpayments.io/v1/exchange/rates"

// NewNowPayments builds a NOWPayments source. The API key is sent as x-api-key
// when present.
func NewNowPayments(client HTTPDoer, endpoint, apiKey string) *NowPayments {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultNowPaymentsEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &NowPayments{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey)}
}

func (n *NowPayments) Name() string { return "nowpayments" }

func (n *NowPayments) Fetch(ctx context.Context, crypto, fiat string) (Quote, error) {
	cryptoSym := normaliseSymbol(crypto)
	fiatSym := normaliseSymbol(fiat)
	if cryptoSym == "" || fiatSym == "" {
		return Quote{}, fmt.Errorf("nowpayments: crypto and fiat required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("from", cryptoSym)
	values.Set("to", fiatSym)
	req.URL.RawQuery = values.Encode()
	if n.apiKey != "" {
		req.Header.Set("x-api-key", n.apiKey)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("nowpayments: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      json.Number `json:"rate"`
		Timestamp int64       `json:"timestamp"`
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("nowpayments: decode: %w", err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(payload.Rate.String()))
	if err != nil || !rate.IsPositive() {
		return Quote{}, fmt.Errorf("nowpayments: invalid rate %q", payload.Rate.String())
	}
	ts := time.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0).UTC()
	}
	return Quote{Crypto: cryptoSym, Fiat: fiatSym, Rate: rate, Timestamp: ts, Source: n.Name()}, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
